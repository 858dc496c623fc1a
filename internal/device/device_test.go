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

package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/skymesh/internal/data"
)

func init() {
	RegisterHostKernel("scale", func(args []Arg, grid, block []int, numThreads int) error {
		if err := CheckArgs("scale", args, ArgBuffer, ArgFloat); err != nil {
			return err
		}
		arr, err := DeviceFloat32(args[0].Buf)
		if err != nil {
			return err
		}
		for i := 0; i < grid[0]; i++ {
			arr[i] *= float32(args[1].Float)
		}
		return nil
	})
}

const scaleSource = `__kernel void scale(__global float *a, const float f) { a[get_global_id(0)] *= f; }`

func TestHostRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scale.cl"), []byte(scaleSource), 0644); err != nil {
		t.Fatal(err)
	}
	src, err := NewKernelSource(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHost()
	if h.Describe() == "" {
		t.Errorf("empty device description")
	}
	ctx, _ := h.CreateContext()
	q, _ := ctx.CreateQueue()

	buf, _ := data.FromSlice([]float32{1, 2, 3})
	s, err := ctx.SVMAlloc(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Launch("scale", []Arg{BufferArg(s), FloatArg(2)}, []int{3}, []int{1}); err == nil {
		t.Errorf("launch of a kernel that was not built succeeded")
	}
	if err := src.Build(ctx, "scale"); err != nil {
		t.Fatal(err)
	}
	if err := q.CopyToDevice(s); err != nil {
		t.Fatal(err)
	}
	if err := q.Launch("scale", []Arg{BufferArg(s), FloatArg(2)}, []int{3}, []int{1}); err != nil {
		t.Fatal(err)
	}
	if got := buf.Array.([]float32)[2]; got != 3 {
		t.Errorf("host changed before copy back: %f", got)
	}
	if err := q.CopyToHost(s); err != nil {
		t.Fatal(err)
	}
	if got := buf.Array.([]float32); got[0] != 2 || got[2] != 6 {
		t.Errorf("after round trip %v; want [2 4 6]", got)
	}
	if err := ctx.Release(); err == nil {
		t.Errorf("release with a live buffer succeeded")
	}
	ctx.SVMFree(s)
	if err := ctx.SVMFree(s); err == nil {
		t.Errorf("double free succeeded")
	}
	if err := ctx.Release(); err != nil {
		t.Errorf("release: %s", err.Error())
	}
}

func TestKernelSourceCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scale.cl")
	os.WriteFile(path, []byte(scaleSource), 0644)
	src, _ := NewKernelSource(dir, 1)
	if _, err := src.Load("scale"); err != nil {
		t.Fatal(err)
	}
	os.Remove(path)
	if s, err := src.Load("scale"); err != nil || s != scaleSource {
		t.Errorf("cached source not returned: %v", err)
	}
	if _, err := src.Load("../etc/passwd"); err == nil {
		t.Errorf("path traversal accepted")
	}
	ctx, _ := NewHost().CreateContext()
	if err := ctx.Build(`__kernel void nothere(int a) {}`); err == nil {
		t.Errorf("kernel without host implementation built")
	}
}
