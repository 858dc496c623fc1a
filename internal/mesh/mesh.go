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

// Package mesh computes one scalar per tile of a tessellated image, rejects
// tiles that contain signal, fills them in from their valid neighbours,
// smooths the result and upsamples it back to image resolution.
package mesh

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/stats"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Mesh engine parameters
type Config struct {
	MinFrac     float64          `json:"minFrac"     yaml:"min_frac"`      // minimum fraction of non-blank pixels for a valid tile
	CheckSignal bool             `json:"checkSignal" yaml:"check_signal"`  // apply the signal-in-tile filter
	MeanQDiff   float64          `json:"meanQDiff"   yaml:"mean_q_diff"`   // signal-in-tile tolerance
	Clip        stats.ClipConfig `json:"clip"        yaml:"clip"`          // σ-clipping of tile values
	NumNgb      int              `json:"numNgb"      yaml:"num_ngb"`       // valid neighbours for interpolation
	SmoothWidth int              `json:"smoothWidth" yaml:"smooth_width"`  // odd box width over the tile plane, 1 disables
	Bilinear    bool             `json:"bilinear"    yaml:"bilinear"`      // bilinear upsampling between tile centres
	NumThreads  int              `json:"-"           yaml:"-"`
	Log         io.Writer        `json:"-"           yaml:"-"`
	Cancel      *pool.Cancel     `json:"-"           yaml:"-"`
}

// Default mesh parameters
func DefaultConfig() Config {
	return Config{
		MinFrac:     0.5,
		CheckSignal: true,
		MeanQDiff:   stats.DefaultMeanQDiff,
		Clip:        stats.DefaultClip(),
		NumNgb:      5,
		SmoothWidth: 3,
		Bilinear:    false,
	}
}

// Validates the mesh parameters
func (c Config) Validate() error {
	if !(c.MinFrac >= 0 && c.MinFrac <= 1) {
		return errors.New(fmt.Sprintf("minimum fraction %g outside [0,1]", c.MinFrac))
	}
	if c.MeanQDiff < 0 || c.MeanQDiff > 0.5 {
		return errors.New(fmt.Sprintf("mean quantile difference %g outside [0,0.5]", c.MeanQDiff))
	}
	if c.NumNgb <= 0 {
		return errors.New(fmt.Sprintf("number of interpolation neighbours %d must be positive", c.NumNgb))
	}
	if c.SmoothWidth <= 0 || c.SmoothWidth%2 == 0 {
		return errors.New(fmt.Sprintf("smoothing width %d must be positive and odd", c.SmoothWidth))
	}
	return c.Clip.Validate()
}

// One scalar per tile, in tile index order, with a parallel validity flag
type Plane struct {
	Grid   *tile.Grid
	Name   string
	Values []float32
	Valid  []uint8
}

// Creates an empty plane of blank values over a grid
func NewPlane(g *tile.Grid, name string) *Plane {
	p := &Plane{Grid: g, Name: name, Values: make([]float32, g.NumTiles()), Valid: make([]uint8, g.NumTiles())}
	nan := float32(math.NaN())
	for i := range p.Values {
		p.Values[i] = nan
	}
	return p
}

// Deep copy of a plane
func (p *Plane) Copy() *Plane {
	return &Plane{
		Grid:   p.Grid,
		Name:   p.Name,
		Values: append([]float32{}, p.Values...),
		Valid:  append([]uint8{}, p.Valid...),
	}
}

// Number of valid tiles
func (p *Plane) NumValid() int {
	n := 0
	for _, v := range p.Valid {
		if v != 0 {
			n++
		}
	}
	return n
}

// Median of the non-blank tile values
func (p *Plane) Median() float64 {
	xs := make([]float64, 0, len(p.Values))
	for _, v := range p.Values {
		xs = append(xs, float64(v))
	}
	return stats.Median(xs, true)
}

// The plane as a buffer shaped like the tile grid in spatial order
func (p *Plane) Buffer() (*data.Buffer, error) {
	g := p.Grid
	out := make([]float32, len(p.Values))
	for t, v := range p.Values {
		out[g.Permutation[t]] = v
	}
	b, err := data.FromSlice(out, g.TilesPerImage...)
	if err != nil {
		return nil, err
	}
	b.Name = p.Name
	return b, nil
}

// Computes k scalars for a tile from its sorted non-blank values
type Reducer func(sorted []float64, out []float64) (valid bool, err error)

// Applies a reducer to every tile in parallel, producing k planes. Tiles with
// fewer than MinFrac non-blank pixels are invalid and blank
func Reduce(g *tile.Grid, names []string, fn Reducer, cfg Config) ([]*Plane, error) {
	k := len(names)
	planes := make([]*Plane, k)
	for i, n := range names {
		planes[i] = NewPlane(g, n)
	}
	numThreads := pool.NumThreads(cfg.NumThreads)
	maxTile := 0
	for _, v := range g.Tiles {
		if v.Size > maxTile {
			maxTile = v.Size
		}
	}
	scratch := make([][]float64, numThreads)
	for i := range scratch {
		scratch[i] = pool.Float64s.Get(maxTile)
	}
	defer func() {
		for _, s := range scratch {
			pool.Float64s.Put(s)
		}
	}()
	outs := make([][]float64, numThreads)
	for i := range outs {
		outs[i] = make([]float64, k)
	}
	err := pool.Run(g.NumTiles(), numThreads, cfg.Cancel, func(thread, t int) error {
		v := g.Tiles[t]
		xs := stats.Values(v, scratch[thread])
		scratch[thread] = xs
		if len(xs) == 0 || float64(len(xs)) < cfg.MinFrac*float64(v.Size) {
			return nil
		}
		xs = stats.Sorted(xs, true)
		out := outs[thread]
		valid, err := fn(xs, out)
		if err != nil {
			if !errors.Is(err, stats.ErrNotConverged) {
				return err
			}
			if cfg.Log != nil {
				fmt.Fprintf(cfg.Log, "%d: tile %d: %s\n", thread, t, err.Error())
			}
			valid = false
		}
		for i, p := range planes {
			p.Values[t] = float32(out[i])
			if valid && out[i] == out[i] {
				p.Valid[t] = 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return planes, nil
}

// Reducer for the σ-clipped mean and standard deviation
func ClippedMeanStd(clip stats.ClipConfig) Reducer {
	clip.Outputs |= stats.ClipMean | stats.ClipStd
	return func(sorted []float64, out []float64) (bool, error) {
		r, err := stats.ClipSorted(sorted, clip, false)
		out[0], out[1] = r.Mean, r.Std
		return r.NumUsed > 0, err
	}
}

// Reducer for a quantile of the tile values
func QuantileReducer(q float64) Reducer {
	return func(sorted []float64, out []float64) (bool, error) {
		out[0] = stats.QuantileSorted(sorted, q)
		return true, nil
	}
}

// Runs the signal-in-tile test on every tile, and clears the valid flag of
// failing tiles in all given planes. Their values are kept for diagnostics
func FilterSignal(g *tile.Grid, planes []*Plane, cfg Config) (numRejected int, err error) {
	numThreads := pool.NumThreads(cfg.NumThreads)
	scratch := make([][]float64, numThreads)
	reject := make([]uint8, g.NumTiles())
	err = pool.Run(g.NumTiles(), numThreads, cfg.Cancel, func(thread, t int) error {
		xs := stats.Values(g.Tiles[t], scratch[thread])
		scratch[thread] = xs
		if len(xs) == 0 {
			return nil
		}
		s, err := stats.SignalInTile(xs, cfg.MeanQDiff, cfg.Clip, true)
		if err != nil && !errors.Is(err, stats.ErrNotConverged) {
			return err
		}
		if !s.Valid {
			reject[t] = 1
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for t, r := range reject {
		if r == 0 {
			continue
		}
		was := false
		for _, p := range planes {
			if p.Valid[t] != 0 {
				was = true
			}
			p.Valid[t] = 0
		}
		if was {
			numRejected++
		}
	}
	return numRejected, nil
}
