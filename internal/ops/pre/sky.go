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

package pre

import (
	"encoding/json"
	"fmt"

	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Estimates the sky and its standard deviation on the tile grid, and
// upsamples both to image resolution. Optionally subtracts the sky from
// the image and from its convolution
type OpSky struct {
	ops.OpUnaryBase
	Mesh     mesh.Config `json:"mesh"`
	Subtract bool        `json:"subtract"`
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpSkyDefault() }) } // register the operator for JSON decoding

func NewOpSkyDefault() *OpSky { return NewOpSky(mesh.DefaultConfig(), false) }

func NewOpSky(cfg mesh.Config, subtract bool) *OpSky {
	op := &OpSky{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "sky", Active: true}},
		Mesh:        cfg,
		Subtract:    subtract,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSky) UnmarshalJSON(b []byte) error {
	type defaults OpSky
	def := defaults(*NewOpSkyDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	*op = OpSky(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpSky) Apply(f *ops.Frame, c *ops.Context) (result *ops.Frame, err error) {
	g, err := tile.New(f.Image, c.TileConfig(f.Image.Ndim()))
	if err != nil {
		return nil, err
	}
	cfg := op.Mesh
	cfg.NumThreads, cfg.Log, cfg.Cancel = c.MaxThreads, c.Log, c.Cancel
	res, err := mesh.Sky(g, cfg)
	if err != nil {
		return nil, err
	}
	sky, err := mesh.Upsample(res.Sky, cfg.Bilinear, c.Alloc, cfg)
	if err != nil {
		return nil, err
	}
	std, err := mesh.Upsample(res.Std, cfg.Bilinear, c.Alloc, cfg)
	if err != nil {
		sky.Free()
		return nil, err
	}
	if f.Sky != nil {
		f.Sky.Free()
	}
	if f.Std != nil {
		f.Std.Free()
	}
	f.Sky, f.Std = sky, std
	f.SkyPlane, f.StdPlane = res.Sky, res.Std

	if c.Log != nil {
		fmt.Fprintf(c.Log, "%d: Sky median %.6g, noise median %.6g over %d tiles\n",
			f.ID, res.Sky.Median(), res.Std.Median(), g.NumTiles())
	}
	if op.Subtract {
		if err := mesh.Subtract(f.Image, sky); err != nil {
			return nil, err
		}
		f.Touch()
		if f.Conv != nil {
			if err := mesh.Subtract(f.Conv, sky); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}
