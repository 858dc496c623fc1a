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
	"bytes"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/device"
	"github.com/mlnoga/skymesh/internal/tile"
)

func grid(t *testing.T, img *data.Buffer, ts []int, nch []int) *tile.Grid {
	g, err := tile.New(img, tile.Config{TileSize: ts, NumChannels: nch, RemainderFrac: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestBlankPropagation(t *testing.T) {
	xs := make([]float32, 25)
	for i := range xs {
		xs[i] = 1
	}
	xs[12] = float32(math.NaN())
	img, _ := data.FromSlice(xs, 5, 5)
	k, _ := Box(3, 3)
	out, err := Spatial(img, grid(t, img, []int{2, 2}, []int{1, 1}), k, Options{EdgeCorrect: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := data.Slice[float32](out)
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			if v := o[y*5+x]; v == v {
				t.Errorf("pixel (%d,%d)=%f; want blank", y, x, v)
			}
		}
	}
	for _, c := range []int{0, 4, 20, 24} {
		if math.Abs(float64(o[c])-1) > 1e-6 {
			t.Errorf("corner %d=%f; want 1", c, o[c])
		}
	}

	out, _ = Spatial(img, grid(t, img, []int{5, 5}, []int{1, 1}), k, Options{EdgeCorrect: true, OnBlank: true}, nil)
	if v := data.Slice[float32](out)[12]; math.Abs(float64(v)-1) > 1e-6 {
		t.Errorf("convolution on blank=%f; want 1", v)
	}
}

func TestUnitKernelIdentity(t *testing.T) {
	d := distuv.Normal{Mu: 0, Sigma: 3, Src: rand.NewSource(1)}
	xs := make([]float32, 3*40*30)
	for i := range xs {
		xs[i] = float32(d.Rand())
	}
	xs[77] = float32(math.NaN())
	img, _ := data.FromSlice(xs, 3, 40, 30)
	k, _ := data.FromSlice([]float32{1}, 1, 1, 1)
	for _, opts := range []Options{{}, {EdgeCorrect: true}, {OnBlank: true}} {
		out, err := Spatial(img, grid(t, img, []int{1, 16, 16}, []int{1, 2, 1}), k, opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range data.Slice[float32](out) {
			if v != xs[i] && !(v != v && xs[i] != xs[i]) {
				t.Fatalf("%+v: pixel %d=%f; want %f", opts, i, v, xs[i])
			}
		}
	}
}

func TestChannelBorders(t *testing.T) {
	xs := make([]float32, 16*32)
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			xs[y*32+x] = 1
			if x >= 16 {
				xs[y*32+x] = 100
			}
		}
	}
	img, _ := data.FromSlice(xs, 16, 32)
	g := grid(t, img, []int{8, 8}, []int{1, 2})
	k, _ := Box(3, 3)
	out, err := Spatial(img, g, k, Options{EdgeCorrect: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := data.Slice[float32](out)
	for y := 0; y < 16; y++ {
		if math.Abs(float64(o[y*32+15])-1) > 1e-5 || math.Abs(float64(o[y*32+16])-100) > 1e-3 {
			t.Fatalf("row %d across the channel border: %f %f; want 1 and 100", y, o[y*32+15], o[y*32+16])
		}
	}

	out, _ = Spatial(img, g, k, Options{EdgeCorrect: true, OverChannels: true}, nil)
	if v := data.Slice[float32](out)[5*32+15]; math.Abs(float64(v)-34) > 1e-3 {
		t.Errorf("over channels=%f; want 34", v)
	}
}

func TestWideKernelStaysInChannel(t *testing.T) {
	xs := make([]float32, 4*16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 16; x++ {
			xs[y*16+x] = float32(x * x)
		}
	}
	img, _ := data.FromSlice(xs, 4, 16)
	g := grid(t, img, []int{2, 2}, []int{1, 2})
	k, _ := Box(1, 7)
	out, err := Spatial(img, g, k, Options{EdgeCorrect: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := data.Slice[float32](out)
	for y := 0; y < 4; y++ {
		for x := 0; x < 16; x++ {
			lo, hi := 0, 8
			if x >= 8 {
				lo, hi = 8, 16
			}
			sum, n := 0.0, 0
			for q := x - 3; q <= x+3; q++ {
				if q >= lo && q < hi {
					sum += float64(q * q)
					n++
				}
			}
			want := sum / float64(n)
			if got := float64(o[y*16+x]); math.Abs(got-want) > 1e-4*math.Max(1, want) {
				t.Errorf("pixel (%d,%d)=%f; want %f", y, x, got, want)
			}
		}
	}
}

func TestDeviceMatchesCPU(t *testing.T) {
	d := distuv.Normal{Mu: 10, Sigma: 2, Src: rand.NewSource(2)}
	xs := make([]float32, 48*64)
	for i := range xs {
		xs[i] = float32(d.Rand())
	}
	xs[100] = float32(math.NaN())
	img, _ := data.FromSlice(xs, 48, 64)
	g := grid(t, img, []int{16, 16}, []int{1, 2})
	k, err := Gaussian(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	src, err := device.NewKernelSource("../../kernels", 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, over := range []bool{true, false} {
		opts := Options{EdgeCorrect: true, OverChannels: over}
		cpu, err := Spatial(img, g, k, opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		var log bytes.Buffer
		opts.Device, opts.Source, opts.Log = device.NewHost(), src, &log
		dev, err := Spatial(img, g, k, opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		if log.Len() != 0 {
			t.Fatalf("device path not taken: %s", log.String())
		}
		a, b := data.Slice[float32](cpu), data.Slice[float32](dev)
		for i := range a {
			if a[i] != b[i] && !(a[i] != a[i] && b[i] != b[i]) {
				t.Fatalf("over=%v pixel %d: cpu %f device %f", over, i, a[i], b[i])
			}
		}
	}
}

func TestGaussianKernel(t *testing.T) {
	k, err := Gaussian(2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if k.Dsize[0] != 11 || k.Dsize[1] != 11 {
		t.Errorf("kernel %v; want 11x11", k.Dsize)
	}
	ws := make([]float64, 0, k.Size)
	ws = data.AppendFloat64s(ws, k)
	if s := floats.Sum(ws); math.Abs(s-1) > 1e-5 {
		t.Errorf("kernel sum=%f; want 1", s)
	}
	if ws[0] != ws[len(ws)-1] || floats.MaxIdx(ws) != len(ws)/2 {
		t.Errorf("kernel not symmetric around its centre")
	}
	if _, err := Gaussian(0, 5); err == nil {
		t.Errorf("zero FWHM accepted")
	}
}

func TestRejectsEvenKernel(t *testing.T) {
	img, _ := data.New(data.TypeFloat32, []int{8, 8}, true, nil)
	k, _ := Box(2, 3)
	if _, err := Spatial(img, grid(t, img, []int{4, 4}, []int{1, 1}), k, DefaultOptions(), nil); err == nil {
		t.Errorf("even kernel accepted")
	}
}
