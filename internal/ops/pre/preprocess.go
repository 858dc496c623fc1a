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

// Package pre prepares frames for detection: convolution with a kernel and
// estimation of the sky and its noise over the tile grid.
package pre

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mlnoga/skymesh/internal/convolve"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Convolves the image with a Gaussian or a kernel loaded from a FITS file.
// Stores the result in the frame's Conv layer
type OpConvolve struct {
	ops.OpUnaryBase
	FWHM       float64 `json:"fwhm"`       // Gaussian FWHM in pixels
	Truncation float64 `json:"truncation"` // in units of FWHM
	KernelFile string  `json:"kernelFile"` // overrides the Gaussian if set
	TileSize   []int   `json:"tileSize"`   // convolution tiles, empty for the context's tessellation
	convolve.Options

	mutex  sync.Mutex   `json:"-"`
	kernel *data.Buffer `json:"-"`
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpConvolveDefault() }) } // register the operator for JSON decoding

func NewOpConvolveDefault() *OpConvolve { return NewOpConvolve(2, 5, "") }

func NewOpConvolve(fwhm, truncation float64, kernelFile string) *OpConvolve {
	op := &OpConvolve{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "convolve", Active: true}},
		FWHM:        fwhm,
		Truncation:  truncation,
		KernelFile:  kernelFile,
		Options:     convolve.DefaultOptions(),
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpConvolve) UnmarshalJSON(b []byte) error {
	type defaults OpConvolve
	def := defaults(*NewOpConvolveDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	op.OpUnaryBase = def.OpUnaryBase
	op.FWHM, op.Truncation, op.KernelFile = def.FWHM, def.Truncation, def.KernelFile
	op.TileSize = def.TileSize
	op.Options = def.Options
	op.mutex = sync.Mutex{}
	op.kernel = nil

	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpConvolve) Apply(f *ops.Frame, c *ops.Context) (result *ops.Frame, err error) {
	kernel, err := op.Kernel(f.Image.Ndim(), c)
	if err != nil {
		return nil, err
	}
	tcfg := c.TileConfig(f.Image.Ndim())
	if len(op.TileSize) == len(tcfg.TileSize) {
		tcfg.TileSize = op.TileSize
	}
	g, err := tile.New(f.Image, tcfg)
	if err != nil {
		return nil, err
	}
	opts := op.Options
	opts.NumThreads = c.MaxThreads
	opts.Device, opts.Source = c.Device, c.Source
	opts.Log, opts.Cancel = c.Log, c.Cancel

	conv, err := convolve.Spatial(f.Image, g, kernel, opts, c.Alloc)
	if err != nil {
		return nil, err
	}
	if f.Conv != nil {
		f.Conv.Free()
	}
	f.Conv = conv
	if c.Log != nil {
		fmt.Fprintf(c.Log, "%d: Convolved with %s kernel over %d tiles\n", f.ID, kernel, g.NumTiles())
	}
	return f, nil
}

// Returns the kernel for images with the given number of dimensions. The
// Gaussian is two-dimensional and gains a unit axis for cubes
func (op *OpConvolve) Kernel(ndim int, c *ops.Context) (*data.Buffer, error) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.kernel == nil {
		var k *data.Buffer
		var err error
		if op.KernelFile != "" {
			k, err = ops.LoadImage(op.KernelFile, "", c)
			if err == nil {
				err = convolve.Normalize(k)
			}
		} else {
			k, err = convolve.Gaussian(op.FWHM, op.Truncation)
		}
		if err != nil {
			return nil, err
		}
		op.kernel = k
	}
	k := op.kernel
	if k.Ndim() == ndim {
		return k, nil
	}
	if k.Ndim() == 2 && ndim == 3 {
		return data.FromSlice(data.Slice[float32](k), 1, k.Dsize[0], k.Dsize[1])
	}
	return nil, errors.New(fmt.Sprintf("kernel %s cannot convolve %d-dimensional images", k, ndim))
}
