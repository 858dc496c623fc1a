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

package post

import (
	"math"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/fits"
	"github.com/mlnoga/skymesh/internal/measure"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/ops/pre"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/table"
)

func writeSource(t *testing.T, fileName string) {
	d := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(7)}
	xs := make([]float32, 128*128)
	for i := range xs {
		xs[i] = 50 + float32(d.Rand())
	}
	xs[64*128+64] += 100
	img, _ := data.FromSlice(xs, 128, 128)
	if err := fits.WriteImage(img, fileName, "", nil); err != nil {
		t.Fatal(err)
	}
}

func detectConfig() detect.Config {
	cfg := detect.DefaultConfig()
	cfg.Mesh.MeanQDiff = 0.2
	cfg.MinNumFalse = 3
	cfg.MinNoiseSamples = 20
	return cfg
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.fits")
	writeSource(t, in)
	c, err := ops.NewContext(nil, config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	catName := filepath.Join(dir, "cat.txt")
	seq := ops.NewOpSequence(
		ops.NewOpLoad(0, in, ""),
		pre.NewOpConvolve(2, 3, ""),
		NewOpDetect(detectConfig()),
		NewOpSegment(segment.DefaultConfig()),
		NewOpCatalog(measure.DefaultConfig(), catName, true),
		ops.NewOpSave(filepath.Join(dir, "out.fits"), []string{"image", "detections", "objects", "clumps"}),
	)
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := ops.MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	f := frames[0]
	if f.Detection.NumDetections != 1 || f.Segments.NumObjects != 1 || len(f.Catalog.Objects) != 1 {
		t.Fatalf("%d detections %d objects %d rows", f.Detection.NumDetections, f.Segments.NumObjects, len(f.Catalog.Objects))
	}
	o := f.Catalog.Objects[0]
	if math.Abs(o.Centre[0]-64) > 0.5 || math.Abs(o.Centre[1]-64) > 0.5 {
		t.Errorf("centre %v; want (64,64)", o.Centre)
	}

	cols, numRows, err := table.ReadInfo(catName)
	if err != nil {
		t.Fatal(err)
	}
	if numRows != 1 || cols[0].Name != "OBJ_ID" {
		t.Errorf("%d rows, first column %v", numRows, cols[0])
	}
	tab, err := table.Read(catName, []string{"X", "Y"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if x := data.ValueAt(tab, 0); math.Abs(x-65) > 0.5 {
		t.Errorf("X=%f; want 65", x)
	}
	if _, n, err := table.ReadInfo(ClumpsFileName(catName)); err != nil || n != f.Segments.NumClumps {
		t.Errorf("clumps table with %d rows for %d clumps: %v", n, f.Segments.NumClumps, err)
	}

	out, err := fits.Open(filepath.Join(dir, "out.fits"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.HDUs) != 4 {
		t.Errorf("%d HDUs; want 4", len(out.HDUs))
	}
	h, err := out.HDU("DETECTIONS")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := h.Header.Ints["NUMLABS"]; !ok || v != 1 {
		t.Errorf("NUMLABS=%d", v)
	}
	f.Free()
}

func TestOrderErrors(t *testing.T) {
	img, _ := data.FromSlice(make([]float32, 16), 4, 4)
	f := &ops.Frame{Image: img}
	c := &ops.Context{}
	if _, err := NewOpDetectDefault().Apply(f, c); err == nil {
		t.Errorf("detection without convolution accepted")
	}
	if _, err := NewOpSegmentDefault().Apply(f, c); err == nil {
		t.Errorf("segmentation without detection accepted")
	}
	if _, err := NewOpCatalogDefault().Apply(f, c); err == nil {
		t.Errorf("catalog without segmentation accepted")
	}
}

func TestClumpsFileName(t *testing.T) {
	if n := ClumpsFileName("dir/cat.txt"); n != "dir/cat_clumps.txt" {
		t.Errorf("got %s", n)
	}
}
