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
	"math"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/pool"
)

// Writes the plane to image resolution as a new float32 buffer shaped like the
// grid's image. Pixels blank in the image stay blank. With bilinear set, values
// are interpolated linearly between tile centres along every axis, otherwise
// each pixel takes its tile's value
func Upsample(p *Plane, bilinear bool, alloc *data.Allocator, cfg Config) (*data.Buffer, error) {
	g := p.Grid
	out, err := data.New(data.TypeFloat32, g.Image.Dsize, false, alloc)
	if err != nil {
		return nil, err
	}
	out.Name = p.Name
	out.WCS = g.Image.WCS
	if !bilinear {
		if err := g.FillPlane(p.Values, out, true); err != nil {
			out.Free()
			return nil, err
		}
		return out, nil
	}
	if err := upsampleLinear(p, out, cfg); err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// Per axis and pixel coordinate: the bracketing tiles along the spatial tile
// grid and the weight of the upper one
type axisInterp struct {
	lo, hi []int
	w      []float32
}

func newAxisInterp(p *Plane, d int) axisInterp {
	g := p.Grid
	n := g.Image.Dsize[d]
	a := axisInterp{lo: make([]int, n), hi: make([]int, n), w: make([]float32, n)}
	tpc := g.TilesPerChannel[d]
	for x := 0; x < n; x++ {
		min, max := 0, g.TilesPerImage[d]-1
		if !g.WorkOverChannels {
			min = (x / g.ChannelSize[d]) * tpc
			max = min + tpc - 1
		}
		// last tile whose centre is at or before x
		i := min
		for i < max && g.TileCentre(d, i+1) <= float64(x) {
			i++
		}
		ci := g.TileCentre(d, i)
		switch {
		case float64(x) <= ci || i == max:
			a.lo[x], a.hi[x], a.w[x] = i, i, 0
		default:
			cj := g.TileCentre(d, i+1)
			a.lo[x], a.hi[x], a.w[x] = i, i+1, float32((float64(x)-ci)/(cj-ci))
		}
	}
	return a
}

func upsampleLinear(p *Plane, out *data.Buffer, cfg Config) error {
	g := p.Grid
	nd := len(g.TilesPerImage)
	if nd > 16 {
		return errors.New(fmt.Sprintf("cannot interpolate over %d dimensions", nd))
	}
	axes := make([]axisInterp, nd)
	for d := range axes {
		axes[d] = newAxisInterp(p, d)
	}
	o := out.Array.([]float32)
	img := g.Image
	corners := 1 << nd
	nan := float32(math.NaN())
	rowLen := img.Dsize[nd-1]
	numRows := img.Size / rowLen
	numThreads := pool.NumThreads(cfg.NumThreads)
	coords, tc := make([][]int, numThreads), make([][]int, numThreads)
	for i := range coords {
		coords[i], tc[i] = make([]int, nd), make([]int, nd)
	}

	return pool.Run(numRows, numThreads, cfg.Cancel, func(thread, row int) error {
		c, at := coords[thread], tc[thread]
		rc := data.Coordinates(row*rowLen, img.Dsize)
		copy(c, rc)
		for x := 0; x < rowLen; x++ {
			i := row*rowLen + x
			c[nd-1] = x
			if data.IsBlankAt(img, i) {
				o[i] = nan
				continue
			}
			sum, wsum := float32(0), float32(0)
			for k := 0; k < corners; k++ {
				w := float32(1)
				for d := 0; d < nd; d++ {
					a := axes[d]
					if k&(1<<d) != 0 {
						at[d] = a.hi[c[d]]
						w *= a.w[c[d]]
					} else {
						at[d] = a.lo[c[d]]
						w *= 1 - a.w[c[d]]
					}
				}
				if w == 0 {
					continue
				}
				v := p.Values[g.TileAt(at)]
				if v != v {
					continue
				}
				sum += w * v
				wsum += w
			}
			if wsum == 0 {
				o[i] = nan
			} else {
				o[i] = sum / wsum
			}
		}
		return nil
	})
}

// Subtracts an upsampled plane from a float32 image in place
func Subtract(img, plane *data.Buffer) error {
	if !data.SameShape(img, plane) || img.IsView() || img.Type != data.TypeFloat32 || plane.Type != data.TypeFloat32 {
		return errors.New(fmt.Sprintf("cannot subtract %v from %v", plane, img))
	}
	dest, src := img.Array.([]float32), plane.Array.([]float32)
	for i := range dest {
		dest[i] -= src[i]
	}
	img.Touch()
	return nil
}
