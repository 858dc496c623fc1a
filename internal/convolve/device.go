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

package convolve

import (
	"errors"
	"fmt"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/device"
	"github.com/mlnoga/skymesh/internal/pool"
)

// Name of the device convolution kernel and of its program
const kernelName = "convolution"

func init() {
	device.RegisterHostKernel(kernelName, hostConvolution)
}

// Convolves a 2D image on a device over the whole image
func onDeviceConvolve(img, kernel, out *data.Buffer, opts Options) (err error) {
	if img.Ndim() != 2 {
		return errors.New(fmt.Sprintf("device convolution needs 2 dimensions, not %d", img.Ndim()))
	}
	k, err := data.CopyAs(kernel, data.TypeFloat32, data.RAMOnly())
	if err != nil {
		return err
	}
	src := opts.Source
	if src == nil {
		if src, err = device.NewKernelSource(device.KernelDir, 0); err != nil {
			return err
		}
	}
	ctx, err := opts.Device.CreateContext()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := ctx.Release(); err == nil {
			err = rerr
		}
	}()
	if err := src.Build(ctx, kernelName); err != nil {
		return err
	}
	q, err := ctx.CreateQueue()
	if err != nil {
		return err
	}

	var svms []*device.SVM
	defer func() {
		for _, s := range svms {
			ctx.SVMFree(s)
		}
	}()
	for _, b := range []*data.Buffer{img, k, out} {
		s, err := ctx.SVMAlloc(b)
		if err != nil {
			return err
		}
		svms = append(svms, s)
	}
	if err := q.CopyToDevice(svms[0]); err != nil {
		return err
	}
	if err := q.CopyToDevice(svms[1]); err != nil {
		return err
	}
	args := []device.Arg{
		device.BufferArg(svms[0]), device.BufferArg(svms[1]), device.BufferArg(svms[2]),
		device.IntArg(img.Dsize[0]), device.IntArg(img.Dsize[1]),
		device.IntArg(k.Dsize[0]), device.IntArg(k.Dsize[1]),
		device.IntArg(boolInt(opts.EdgeCorrect)), device.IntArg(boolInt(opts.OnBlank)),
	}
	block := []int{1, device.PreferredWorkGroup()}
	if err := q.Launch(kernelName, args, img.Dsize, block); err != nil {
		return err
	}
	if err := q.Finish(); err != nil {
		return err
	}
	return q.CopyToHost(svms[2])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Go implementation of the convolution kernel for the host backend
func hostConvolution(args []device.Arg, grid, block []int, numThreads int) error {
	A, I := device.ArgBuffer, device.ArgInt
	if err := device.CheckArgs(kernelName, args, A, A, A, I, I, I, I, I, I); err != nil {
		return err
	}
	in, err := device.DeviceFloat32(args[0].Buf)
	if err != nil {
		return err
	}
	kw, err := device.DeviceFloat32(args[1].Buf)
	if err != nil {
		return err
	}
	out, err := device.DeviceFloat32(args[2].Buf)
	if err != nil {
		return err
	}
	height, width := int(args[3].Int), int(args[4].Int)
	kh, kwid := int(args[5].Int), int(args[6].Int)
	if len(in) != height*width || len(out) != height*width || len(kw) != kh*kwid || len(grid) != 2 {
		return errors.New("convolution arguments do not match the grid")
	}
	kb, err := data.FromSlice(kw, kh, kwid)
	if err != nil {
		return err
	}
	dsize := []int{height, width}
	p, err := prepare(kb, dsize)
	if err != nil {
		return err
	}
	opts := Options{EdgeCorrect: args[7].Int != 0, OnBlank: args[8].Int != 0}
	lo, his := make([][]int, numThreads), make([][]int, numThreads)
	oks := make([][]bool, numThreads)
	for i := range lo {
		lo[i], his[i], oks[i] = []int{0, 0}, []int{height, width}, make([]bool, len(p.ws))
	}
	return pool.Run(grid[0], numThreads, nil, func(thread, y int) error {
		p.run(in, out, y*width, width, []int{y, 0}, lo[thread], his[thread], oks[thread], &opts)
		return nil
	})
}
