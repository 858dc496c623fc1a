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

package ops

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/fits"
)

func testContext(t *testing.T) *Context {
	c, err := NewContext(nil, config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.BudgetPct = 50
	cfg.Threads = 3
	c, err := NewContext(nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxThreads != 3 || c.BufferMB != c.MemoryMB/2 {
		t.Errorf("threads %d buffer %d MB of %d", c.MaxThreads, c.BufferMB, c.MemoryMB)
	}
	if c.Alloc.RAMBudget != int64(c.BufferMB)<<20 {
		t.Errorf("RAM budget %d; want %d", c.Alloc.RAMBudget, int64(c.BufferMB)<<20)
	}
	if tc := c.TileConfig(3); len(tc.TileSize) != 3 || tc.TileSize[0] != cfg.Tile.TileSize[1] {
		t.Errorf("3D tiles %v from %v", tc.TileSize, cfg.Tile.TileSize)
	}

	cfg.Convolve.DeviceName = "host"
	if c, err = NewContext(nil, cfg); err != nil || c.Device == nil || c.Source == nil {
		t.Errorf("host device not set up: %v", err)
	}
	cfg.Convolve.DeviceName = "quantum"
	if _, err = NewContext(nil, cfg); err == nil {
		t.Errorf("unknown device accepted")
	}
}

func TestRemoveNils(t *testing.T) {
	a, b := &Frame{ID: 1}, &Frame{ID: 2}
	fs := RemoveNils([]*Frame{nil, a, nil, nil, b})
	if len(fs) != 2 || fs[0] != a || fs[1] != b {
		t.Errorf("got %v", fs)
	}
}

func TestMaterializeAllCollectsErrors(t *testing.T) {
	ok := func(id int) Promise {
		return func() (*Frame, error) { return &Frame{ID: id}, nil }
	}
	fail := func() (*Frame, error) { return nil, errors.New("boom") }

	fs, err := MaterializeAll([]Promise{ok(0), fail, ok(2), fail}, 2, false)
	if err == nil || strings.Count(err.Error(), "boom") != 2 {
		t.Errorf("error %v; want two failures", err)
	}
	if len(fs) != 2 || fs[0].ID != 0 || fs[1].ID != 2 {
		t.Errorf("frames %v", fs)
	}

	fs, err = MaterializeAll([]Promise{ok(0), ok(1)}, 4, true)
	if err != nil || len(fs) != 0 {
		t.Errorf("forgetting: frames %v error %v", fs, err)
	}
}

func TestIsPathAllowed(t *testing.T) {
	for p, want := range map[string]bool{
		"a.fits":        true,
		"sub/a.fits":    true,
		"../a.fits":     false,
		"sub/../../a":   false,
		"/etc/passwd":   false,
		"images/*.fits": true,
	} {
		if got := IsPathAllowed(p); got != want {
			t.Errorf("%s: %v; want %v", p, got, want)
		}
	}
}

func TestSequenceJSON(t *testing.T) {
	seq := NewOpSequence(
		NewOpLoad(0, "in.fits", "1"),
		NewOpForEach(NewOpSave("out%d.fits", []string{"image"})),
	)
	bs, err := json.Marshal(seq)
	if err != nil {
		t.Fatal(err)
	}
	op, err := UnmarshalOperator(bs)
	if err != nil {
		t.Fatal(err)
	}
	back, ok := op.(*OpSequence)
	if !ok || len(back.Steps) != 2 {
		t.Fatalf("decoded %T %v from %s", op, op, bs)
	}
	load, ok := back.Steps[0].(*OpLoad)
	if !ok || load.FileName != "in.fits" || load.HDU != "1" {
		t.Errorf("load step %v", back.Steps[0])
	}
	fe, ok := back.Steps[1].(*OpForEach)
	if !ok {
		t.Fatalf("forEach step %T", back.Steps[1])
	}
	save, ok := fe.Operation.(*OpSave)
	if !ok || save.FilePattern != "out%d.fits" || save.OpUnaryBase.Apply == nil {
		t.Errorf("save step %v", fe.Operation)
	}

	if _, err := UnmarshalOperator([]byte(`{"type":"nonsense"}`)); err == nil {
		t.Errorf("unknown operator type accepted")
	}
}

func writeTestImage(t *testing.T, fileName string) {
	xs := make([]int16, 6*4)
	for i := range xs {
		xs[i] = int16(i * 10)
	}
	b, _ := data.FromSlice(xs, 4, 6)
	if err := fits.WriteImage(b, fileName, "", nil); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.fits")
	writeTestImage(t, in)
	c := testContext(t)

	seq := NewOpSequence(
		NewOpLoadMany([]string{filepath.Join(dir, "in*.fits")}, ""),
		NewOpSave(filepath.Join(dir, "out%d.fits"), []string{"image", "conv"}),
	)
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := MaterializeAll(promises, c.MaxThreads, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("%d frames; want 1", len(frames))
	}
	f := frames[0]
	if f.Image.Type != data.TypeFloat32 || f.DimensionsToString() != "6x4" {
		t.Errorf("loaded %v dims %s", f.Image, f.DimensionsToString())
	}
	if s := f.Summary(); s.Max != 230 || s.Min != 0 {
		t.Errorf("summary %v", s)
	}

	out, err := fits.Open(filepath.Join(dir, "out0.fits"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := out.HDU("INPUT")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fits.ReadImage(h, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := data.Slice[float32](b); got[23] != 230 {
		t.Errorf("saved last pixel %f; want 230", got[23])
	}

	if _, err := NewOpSave(filepath.Join(dir, "out.xyz"), nil).Apply(f, c); err == nil {
		t.Errorf("unknown suffix accepted")
	}
	c.SandboxPaths = true
	if _, err := NewOpLoad(0, in, "").MakePromises(nil, c); err == nil {
		t.Errorf("absolute path accepted in sandbox")
	}
}
