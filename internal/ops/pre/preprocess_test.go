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
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/ops"
)

func testContext(t *testing.T) *ops.Context {
	c, err := ops.NewContext(nil, config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func noiseFrame(offset float32, seed uint64) *ops.Frame {
	d := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	xs := make([]float32, 128*128)
	for i := range xs {
		xs[i] = offset + float32(d.Rand())
	}
	img, _ := data.FromSlice(xs, 128, 128)
	return &ops.Frame{ID: 1, Image: img}
}

func TestConvolvePreservesFlux(t *testing.T) {
	xs := make([]float32, 64*64)
	xs[32*64+32] = 100
	img, _ := data.FromSlice(xs, 64, 64)
	f := &ops.Frame{Image: img}
	c := testContext(t)

	op := NewOpConvolve(2, 3, "")
	if _, err := op.Apply(f, c); err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, v := range data.Slice[float32](f.Conv) {
		sum += float64(v)
	}
	if math.Abs(sum-100) > 1e-3 {
		t.Errorf("convolved flux %f; want 100", sum)
	}
	cs := data.Slice[float32](f.Conv)
	if !(cs[32*64+32] < 100 && cs[32*64+32] > cs[32*64+33] && cs[32*64+33] > 0) {
		t.Errorf("peak %f next %f", cs[32*64+32], cs[32*64+33])
	}

	k, err := op.Kernel(3, c)
	if err != nil {
		t.Fatal(err)
	}
	if k.Ndim() != 3 || k.Dsize[0] != 1 {
		t.Errorf("cube kernel %v", k)
	}
	if _, err := op.Kernel(1, c); err == nil {
		t.Errorf("2D kernel accepted for 1D image")
	}
}

func TestConvolveJSONDefaults(t *testing.T) {
	op, err := ops.UnmarshalOperator([]byte(`{"type":"convolve","active":true,"fwhm":3}`))
	if err != nil {
		t.Fatal(err)
	}
	cv, ok := op.(*OpConvolve)
	if !ok {
		t.Fatalf("decoded %T", op)
	}
	if cv.FWHM != 3 || cv.Truncation != 5 || !cv.EdgeCorrect || cv.OpUnaryBase.Apply == nil {
		t.Errorf("decoded %+v", cv)
	}
	bs, err := json.Marshal(cv)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(bs, &m); err != nil {
		t.Fatal(err)
	}
	if m["edgeCorrect"] != true || m["fwhm"] != 3.0 {
		t.Errorf("encoded %s", bs)
	}
}

func TestSkySubtract(t *testing.T) {
	f := noiseFrame(100, 5)
	c := testContext(t)
	cfg := mesh.DefaultConfig()
	cfg.MeanQDiff = 0.2
	op := NewOpSky(cfg, true)
	if _, err := op.Apply(f, c); err != nil {
		t.Fatal(err)
	}
	if m := f.SkyPlane.Median(); math.Abs(m-100) > 0.2 {
		t.Errorf("sky median %f; want 100", m)
	}
	if m := f.StdPlane.Median(); math.Abs(m-1) > 0.2 {
		t.Errorf("noise median %f; want 1", m)
	}
	if s := f.Summary(); math.Abs(s.Mean) > 0.2 {
		t.Errorf("mean after subtraction %f; want 0", s.Mean)
	}
	if !data.SameShape(f.Sky, f.Image) || !data.SameShape(f.Std, f.Image) {
		t.Errorf("sky %v std %v for image %v", f.Sky, f.Std, f.Image)
	}
}
