// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package mesh

import (
	"errors"
	"fmt"

	"github.com/mlnoga/skymesh/internal/tile"
)

// Sky and noise planes over a grid
type SkyResult struct {
	Sky        *Plane
	Std        *Plane
	NumInvalid int // tiles failing the pixel count or the signal test
	NumSignal  int // tiles rejected by the signal test
}

// Estimates the sky as the σ-clipped mean and the noise as the σ-clipped
// standard deviation of every tile. Tiles containing signal are rejected,
// then all invalid tiles are interpolated from their neighbours and both
// planes are smoothed
func Sky(g *tile.Grid, cfg Config) (*SkyResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	planes, err := Reduce(g, []string{"SKY", "SKY_STD"}, ClippedMeanStd(cfg.Clip), cfg)
	if err != nil {
		return nil, err
	}
	res := &SkyResult{Sky: planes[0], Std: planes[1]}
	if cfg.CheckSignal {
		if res.NumSignal, err = FilterSignal(g, planes, cfg); err != nil {
			return nil, err
		}
	}
	res.NumInvalid = g.NumTiles() - res.Sky.NumValid()
	if res.NumInvalid == g.NumTiles() {
		return nil, errors.New(fmt.Sprintf("no tile of %d is usable for the sky, try larger tiles or a larger mean quantile difference",
			g.NumTiles()))
	}
	if cfg.Log != nil {
		fmt.Fprintf(cfg.Log, "Sky: %d tiles, %d invalid of which %d contain signal\n",
			g.NumTiles(), res.NumInvalid, res.NumSignal)
	}
	if err := Interpolate(planes, cfg); err != nil {
		return nil, err
	}
	for _, p := range planes {
		if err := Smooth(p, cfg.SmoothWidth, cfg); err != nil {
			return nil, err
		}
	}
	return res, nil
}
