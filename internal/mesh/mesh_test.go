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
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/tile"
)

func noiseImage(t *testing.T, height, width int, mu, sigma float64, seed uint64) *data.Buffer {
	d := distuv.Normal{Mu: mu, Sigma: sigma, Src: rand.NewSource(seed)}
	xs := make([]float32, height*width)
	for i := range xs {
		xs[i] = float32(d.Rand())
	}
	b, err := data.FromSlice(xs, height, width)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func grid(t *testing.T, img *data.Buffer, ts, nchY, nchX int, over bool) *tile.Grid {
	g, err := tile.New(img, tile.Config{TileSize: []int{ts, ts}, NumChannels: []int{nchY, nchX}, RemainderFrac: 0.1,
		WorkOverChannels: over})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSkyConstant(t *testing.T) {
	xs := make([]float32, 256*256)
	for i := range xs {
		xs[i] = 1000
	}
	img, _ := data.FromSlice(xs, 256, 256)
	g := grid(t, img, 32, 1, 1, false)
	res, err := Sky(g, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.NumInvalid != 0 {
		t.Errorf("%d invalid tiles; want 0", res.NumInvalid)
	}
	for i := range res.Sky.Values {
		if res.Sky.Values[i] != 1000 || res.Std.Values[i] != 0 {
			t.Fatalf("tile %d sky=%f std=%f; want 1000 and 0", i, res.Sky.Values[i], res.Std.Values[i])
		}
	}
	up, err := Upsample(res.Sky, true, nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range data.Slice[float32](up) {
		if math.Abs(float64(v)-1000) > 1e-3 {
			t.Fatalf("pixel %d=%f; want 1000", i, v)
		}
	}
}

func TestSkyGaussian(t *testing.T) {
	img := noiseImage(t, 1024, 1024, 0, 5, 42)
	g := grid(t, img, 64, 1, 1, false)
	cfg := DefaultConfig()
	cfg.MeanQDiff = 0.03
	res, err := Sky(g, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumInvalid != 0 {
		t.Errorf("%d invalid tiles; want 0", res.NumInvalid)
	}
	if m := res.Sky.Median(); math.Abs(m) > 0.1 {
		t.Errorf("median sky=%f; want 0 within 0.1", m)
	}
	if m := res.Std.Median(); math.Abs(m-5) > 0.2 {
		t.Errorf("median std=%f; want 5 within 0.2", m)
	}
}

func TestSignalTilesRejected(t *testing.T) {
	img := noiseImage(t, 256, 256, 0, 1, 3)
	xs := data.Slice[float32](img)
	// a bright extended source covering most of the top left tile
	for y := 0; y < 28; y++ {
		for x := 0; x < 28; x++ {
			xs[y*256+x] += float32(20 * math.Exp(-float64((y-14)*(y-14)+(x-14)*(x-14))/200))
		}
	}
	g := grid(t, img, 32, 1, 1, false)
	cfg := DefaultConfig()
	cfg.MeanQDiff = 0.05
	res, err := Sky(g, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sky.Valid[g.TileAt([]int{0, 0})] != 0 {
		t.Errorf("tile with source still valid")
	}
	if v := res.Sky.Values[g.TileAt([]int{0, 0})]; math.Abs(float64(v)) > 0.3 {
		t.Errorf("interpolated sky=%f; want near 0", v)
	}
}

func TestInterpolateStable(t *testing.T) {
	img := noiseImage(t, 128, 128, 10, 1, 5)
	g := grid(t, img, 16, 1, 1, false)
	cfg := DefaultConfig()
	cfg.NumThreads = 3
	planes, err := Reduce(g, []string{"MEAN", "STD"}, ClippedMeanStd(cfg.Clip), cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, tl := range []int{0, 9, 10, 27, 63} {
		planes[0].Valid[tl], planes[1].Valid[tl] = 0, 0
		planes[0].Values[tl] = -100
	}
	if err := Interpolate(planes, cfg); err != nil {
		t.Fatal(err)
	}
	first := append([]float32{}, planes[0].Values...)
	if err := Interpolate(planes, cfg); err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != planes[0].Values[i] {
			t.Errorf("tile %d changed from %f to %f", i, first[i], planes[0].Values[i])
		}
	}
	if v := planes[0].Values[9]; math.Abs(float64(v)-10) > 0.2 {
		t.Errorf("interpolated=%f; want 10", v)
	}
}

func TestBlankChannel(t *testing.T) {
	img := noiseImage(t, 64, 128, 0, 1, 9)
	xs := data.Slice[float32](img)
	nan := float32(math.NaN())
	for y := 0; y < 64; y++ {
		for x := 64; x < 128; x++ {
			xs[y*128+x] = nan
		}
	}
	g := grid(t, img, 16, 1, 2, false)
	cfg := DefaultConfig()
	cfg.MeanQDiff = 0.1
	res, err := Sky(g, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for tl := g.FirstTile[1]; tl < g.NumTiles(); tl++ {
		if v := res.Sky.Values[tl]; v == v {
			t.Fatalf("tile %d in blank channel=%f; want blank", tl, v)
		}
	}
	up, err := Upsample(res.Sky, true, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	o := data.Slice[float32](up)
	if v := o[10*128+100]; v == v {
		t.Errorf("pixel in blank channel=%f; want blank", v)
	}
	if v := o[10*128+10]; v != v {
		t.Errorf("pixel in good channel is blank")
	}
}

func TestSmoothAndBilinear(t *testing.T) {
	img, _ := data.New(data.TypeFloat32, []int{8, 32}, true, nil)
	g := grid(t, img, 8, 1, 1, false)
	p := NewPlane(g, "RAMP")
	for i := range p.Values {
		p.Values[i] = float32(i)
		p.Valid[i] = 1
	}
	cfg := DefaultConfig()
	if err := Smooth(p, 3, cfg); err != nil {
		t.Fatal(err)
	}
	want := []float32{0.5, 1, 2, 2.5}
	for i, w := range want {
		if p.Values[i] != w {
			t.Errorf("smoothed[%d]=%f; want %f", i, p.Values[i], w)
		}
	}

	for i := range p.Values {
		p.Values[i] = float32(i)
	}
	up, err := Upsample(p, true, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	o := data.Slice[float32](up)
	// tile centres at 3.5, 11.5, 19.5, 27.5
	cases := map[int]float32{0: 0, 3: 0, 7: 0.4375, 15: 1.4375, 31: 3}
	for x, w := range cases {
		if math.Abs(float64(o[x]-w)) > 1e-6 {
			t.Errorf("pixel %d=%f; want %f", x, o[x], w)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	c.SmoothWidth = 4
	if err := c.Validate(); err == nil {
		t.Errorf("even smoothing width accepted")
	}
}
