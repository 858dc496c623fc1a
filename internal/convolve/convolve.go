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

// Package convolve spatially convolves images with small odd-sized kernels,
// tile by tile through the worker pool. It handles blank pixels, corrects
// for kernel support outside the image or channel, and can offload the
// work to a compute device.
package convolve

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/device"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/tile"
	"gonum.org/v1/gonum/floats"
)

// Convolution options
type Options struct {
	EdgeCorrect  bool                 `json:"edgeCorrect"  yaml:"edge_correct"`
	OverChannels bool                 `json:"overChannels" yaml:"over_channels"`
	OnBlank      bool                 `json:"onBlank"      yaml:"on_blank"`
	NumThreads   int                  `json:"-"            yaml:"-"`
	Device       device.Backend       `json:"-"            yaml:"-"` // nil convolves on the CPU
	Source       *device.KernelSource `json:"-"            yaml:"-"`
	Log          io.Writer            `json:"-"            yaml:"-"`
	Cancel       *pool.Cancel         `json:"-"            yaml:"-"`
}

// Default options: edge correction on, channels respected, blanks propagate
func DefaultOptions() Options {
	return Options{EdgeCorrect: true}
}

// A kernel prepared for convolution: for every element, its offset into the
// image per axis and as a linear index, and its weight
type prepared struct {
	nd      int
	offs    []int // nd per element
	lin     []int
	ws      []float64
	wall    float64
	strides []int
}

func prepare(kernel *data.Buffer, dsize []int) (*prepared, error) {
	nd := len(dsize)
	if kernel.Ndim() != nd {
		return nil, errors.New(fmt.Sprintf("kernel of %d dimensions for image of %d", kernel.Ndim(), nd))
	}
	if kernel.Size == 0 {
		return nil, errors.New("empty kernel")
	}
	for d, s := range kernel.Dsize {
		if s%2 == 0 {
			return nil, errors.New(fmt.Sprintf("kernel size %d along axis %d is not odd", s, d))
		}
	}
	if !kernel.Type.IsNumeric() {
		return nil, errors.New(fmt.Sprintf("kernel of %v", kernel.Type))
	}
	p := &prepared{nd: nd, strides: data.Strides(dsize)}
	idx := 0
	kernel.Indices(func(i int) {
		w := data.ValueAt(kernel.Root(), i)
		kc := data.Coordinates(idx, kernel.Dsize)
		idx++
		if w != w {
			return
		}
		lin := 0
		for d := 0; d < nd; d++ {
			o := kernel.Dsize[d]/2 - kc[d]
			p.offs = append(p.offs, o)
			lin += o * p.strides[d]
		}
		p.lin = append(p.lin, lin)
		p.ws = append(p.ws, w)
		p.wall += w
	})
	return p, nil
}

// Convolves one contiguous run of pixels along the last axis. The run starts
// at root index start with coordinates c. lo and hi bound the support per axis,
// hi exclusive
func (p *prepared) run(in []float32, out []float32, start, n int, c, lo, hi []int, rowOK []bool, opts *Options) {
	nd := p.nd
	last := nd - 1
	for k := range p.ws {
		ok := true
		for d := 0; d < last; d++ {
			q := c[d] + p.offs[k*nd+d]
			if q < lo[d] || q >= hi[d] {
				ok = false
				break
			}
		}
		rowOK[k] = ok
	}
	nan := float32(math.NaN())
	for x := 0; x < n; x++ {
		cx := c[last] + x
		i := start + x
		sum, wsum, win := 0.0, 0.0, 0.0
		blank := false
		for k, w := range p.ws {
			if !rowOK[k] {
				continue
			}
			q := cx + p.offs[k*nd+last]
			if q < lo[last] || q >= hi[last] {
				continue
			}
			win += w
			v := in[i+p.lin[k]]
			if v != v {
				blank = true
				continue
			}
			sum += w * float64(v)
			wsum += w
		}
		scale := 1.0
		if opts.EdgeCorrect && wsum != p.wall {
			scale = p.wall / wsum
		} else if !opts.EdgeCorrect && blank && opts.OnBlank {
			scale = win / wsum
		}
		if (blank && !opts.OnBlank) || (scale != 1 && wsum == 0) {
			out[i] = nan
		} else {
			out[i] = float32(sum * scale)
		}
	}
}

// Spatially convolves a float32 image with a kernel of odd size along every
// axis. The grid drives the parallel work, tile by tile. When channels are
// respected, tiles within the kernel half width of a channel border are
// recomputed in a second pass with the support restricted to their channel. The output is a new float32
// buffer allocated with alloc
func Spatial(img *data.Buffer, g *tile.Grid, kernel *data.Buffer, opts Options, alloc *data.Allocator) (*data.Buffer, error) {
	if img.Type != data.TypeFloat32 || img.IsView() {
		return nil, errors.New(fmt.Sprintf("cannot convolve %v, need an owned float32 image", img))
	}
	if g.Image != img && !data.SameShape(g.Image, img) {
		return nil, errors.New(fmt.Sprintf("grid over %v does not match image %v", g.Image, img))
	}
	p, err := prepare(kernel, img.Dsize)
	if err != nil {
		return nil, err
	}
	out, err := data.New(data.TypeFloat32, img.Dsize, false, alloc)
	if err != nil {
		return nil, err
	}
	out.Name, out.Unit, out.WCS = img.Name, img.Unit, img.WCS

	onDevice := false
	if opts.Device != nil {
		if err := onDeviceConvolve(img, kernel, out, opts); err != nil {
			if opts.Log != nil {
				fmt.Fprintf(opts.Log, "Device %s failed, convolving on the CPU: %s\n", opts.Device.Name(), err.Error())
			}
		} else {
			onDevice = true
		}
	}
	if !onDevice {
		if err := p.tiles(img, out, g, allTiles(g), false, opts); err != nil {
			out.Free()
			return nil, err
		}
	}
	if !opts.OverChannels && g.NumChannelsTotal() > 1 {
		half := make([]int, kernel.Ndim())
		for d, s := range kernel.Dsize {
			half[d] = s / 2
		}
		border := channelBorderTiles(g, half)
		if err := p.tiles(img, out, g, border, true, opts); err != nil {
			out.Free()
			return nil, err
		}
	}
	out.Touch()
	return out, nil
}

func allTiles(g *tile.Grid) []int {
	ts := make([]int, g.NumTiles())
	for i := range ts {
		ts[i] = i
	}
	return ts
}

// Tiles closer than the kernel half width to a channel border that is not an
// image border. Their support may cross into a neighbouring channel
func channelBorderTiles(g *tile.Grid, half []int) []int {
	var ts []int
	for t := range g.Tiles {
		start, dsize := g.Extent(t)
		cstart, cdsize := g.ChannelExtent(t)
		for d := range start {
			cend := cstart[d] + cdsize[d]
			if (cstart[d] > 0 && start[d]-half[d] < cstart[d]) ||
				(cend < g.Image.Dsize[d] && start[d]+dsize[d]+half[d] > cend) {
				ts = append(ts, t)
				break
			}
		}
	}
	return ts
}

// Convolves the given tiles in parallel. With inChannel set, the support is
// restricted to each tile's channel, otherwise to the image
func (p *prepared) tiles(img, out *data.Buffer, g *tile.Grid, tiles []int, inChannel bool, opts Options) error {
	in, o := img.Array.([]float32), out.Array.([]float32)
	nd := p.nd
	numThreads := pool.NumThreads(opts.NumThreads)
	type scratch struct {
		lo, hi []int
		rowOK  []bool
	}
	scr := make([]scratch, numThreads)
	for i := range scr {
		scr[i] = scratch{lo: make([]int, nd), hi: make([]int, nd), rowOK: make([]bool, len(p.ws))}
	}
	return pool.Run(len(tiles), numThreads, opts.Cancel, func(thread, j int) error {
		t := tiles[j]
		s := scr[thread]
		if inChannel {
			cstart, cdsize := g.ChannelExtent(t)
			for d := 0; d < nd; d++ {
				s.lo[d], s.hi[d] = cstart[d], cstart[d]+cdsize[d]
			}
		} else {
			for d := 0; d < nd; d++ {
				s.lo[d], s.hi[d] = 0, img.Dsize[d]
			}
		}
		g.Tiles[t].Rows(func(start, n int) {
			c := data.Coordinates(start, img.Dsize)
			p.run(in, o, start, n, c, s.lo, s.hi, s.rowOK, &opts)
		})
		return nil
	})
}

// Divides a kernel by the sum of its elements, in place
func Normalize(kernel *data.Buffer) error {
	if kernel.IsView() || !kernel.Type.IsFloat() {
		return errors.New(fmt.Sprintf("cannot normalize kernel %v", kernel))
	}
	if k, ok := kernel.Array.([]float64); ok && !data.HasBlank(kernel) {
		sum := floats.Sum(k)
		if sum == 0 {
			return errors.New("cannot normalize a kernel summing to zero")
		}
		floats.Scale(1/sum, k)
		kernel.Touch()
		return nil
	}
	sum := 0.0
	for i := 0; i < kernel.Size; i++ {
		if v := data.ValueAt(kernel, i); v == v {
			sum += v
		}
	}
	if sum == 0 {
		return errors.New("cannot normalize a kernel summing to zero")
	}
	for i := 0; i < kernel.Size; i++ {
		data.SetFloat64(kernel, i, data.ValueAt(kernel, i)/sum)
	}
	kernel.Touch()
	return nil
}
