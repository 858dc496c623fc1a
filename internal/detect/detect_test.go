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

package detect

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/convolve"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/tile"
)

func pointSource(t *testing.T) (img, conv *data.Buffer, tcfg tile.Config) {
	d := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(7)}
	xs := make([]float32, 128*128)
	for i := range xs {
		xs[i] = float32(d.Rand())
	}
	xs[64*128+64] = 100
	img, _ = data.FromSlice(xs, 128, 128)
	tcfg = tile.DefaultConfig(2)
	g, err := tile.New(img, tcfg)
	if err != nil {
		t.Fatal(err)
	}
	k, err := convolve.Gaussian(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	conv, err = convolve.Spatial(img, g, k, convolve.DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return img, conv, tcfg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Mesh.MeanQDiff = 0.2
	cfg.MinNumFalse = 3
	cfg.MinNoiseSamples = 20
	return cfg
}

func TestPointSource(t *testing.T) {
	img, conv, tcfg := pointSource(t)
	res, err := Detect(img, conv, tcfg, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumDetections != 1 {
		t.Fatalf("%d detections; want 1", res.NumDetections)
	}
	labels := res.Labels.Array.([]int32)
	if labels[64*128+64] != 1 {
		t.Fatalf("source pixel labelled %d; want 1", labels[64*128+64])
	}
	is, sky := img.Array.([]float32), res.Sky.Array.([]float32)
	sx, sy, sw := 0.0, 0.0, 0.0
	for i, l := range labels {
		v := float64(is[i] - sky[i])
		if l != 1 || v <= 0 {
			continue
		}
		sy += float64(i/128) * v
		sx += float64(i%128) * v
		sw += v
	}
	if cx, cy := sx/sw, sy/sw; math.Abs(cx-64) > 0.5 || math.Abs(cy-64) > 0.5 {
		t.Errorf("centroid (%f,%f); want (64,64)", cy, cx)
	}
	if !(res.SNCut > 0) || res.NumNoise < 20 {
		t.Errorf("S/N cut %f from %d noise pseudo-detections", res.SNCut, res.NumNoise)
	}
	noise := res.Noise.Array.([]int32)
	for i, l := range labels {
		if l > 0 && noise[i] != 0 {
			t.Fatalf("pixel %d both detected and noise", i)
		}
	}
}

func TestTooFewNoiseSamples(t *testing.T) {
	img, conv, tcfg := pointSource(t)
	cfg := testConfig()
	cfg.MinNoiseSamples = 100000
	_, err := Detect(img, conv, tcfg, cfg, nil)
	if !errors.Is(err, ErrTooFewNoise) {
		t.Errorf("error %v; want %v", err, ErrTooFewNoise)
	}
}

func TestZeroNoise(t *testing.T) {
	xs := make([]float32, 64*64)
	for i := range xs {
		xs[i] = 1000
	}
	for y := 30; y < 33; y++ {
		for x := 40; x < 43; x++ {
			xs[y*64+x] = 2000
		}
	}
	img, _ := data.FromSlice(xs, 64, 64)
	conv, _ := data.Copy(img, nil)
	res, err := Detect(img, conv, tile.DefaultConfig(2), DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumDetections != 1 || !math.IsNaN(res.SNCut) {
		t.Errorf("%d detections with S/N cut %f; want 1 and NaN", res.NumDetections, res.SNCut)
	}
	n := 0
	for _, l := range res.Labels.Array.([]int32) {
		if l > 0 {
			n++
		}
	}
	if n != 9 {
		t.Errorf("detected area %d; want 9", n)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SNQuant = 1.5
	if err := cfg.Validate(); err == nil {
		t.Errorf("S/N quantile 1.5 accepted")
	}
	cfg = DefaultConfig()
	cfg.QuantileThresh, cfg.QThresh = true, 0
	if err := cfg.Validate(); err == nil {
		t.Errorf("threshold quantile 0 accepted")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default rejected: %s", err.Error())
	}
}
