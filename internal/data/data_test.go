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

package data

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestMmapTrigger(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no memory mapping on windows")
	}
	wd, _ := os.Getwd()
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	a := NewAllocator(DefaultMinMapSize, true, nil)
	small, err := New(TypeFloat32, []int{DefaultMinMapSize / 4}, true, a)
	if err != nil {
		t.Fatal(err)
	}
	if small.IsMapped() {
		t.Errorf("buffer of exactly min_mmap_size bytes is mapped")
	}

	b, err := New(TypeFloat32, []int{DefaultMinMapSize/4 + 1}, true, a)
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsMapped() {
		t.Fatalf("buffer above min_mmap_size is not mapped")
	}
	if filepath.Base(filepath.Dir(b.MmapName)) != MmapDir {
		t.Errorf("mapped file %s; want it under %s", b.MmapName, MmapDir)
	}
	if _, err := os.Stat(b.MmapName); err != nil {
		t.Errorf("mapped file missing: %s", err.Error())
	}
	arr := Slice[float32](b)
	if len(arr) != b.Size {
		t.Errorf("len=%d; want %d", len(arr), b.Size)
	}
	arr[len(arr)-1] = 42
	if arr[0] != 0 {
		t.Errorf("fresh mapping not zero: %f", arr[0])
	}
	name := b.MmapName
	if err := b.Free(); err != nil {
		t.Errorf("free: %s", err.Error())
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("mapped file %s still exists after free", name)
	}
	if len(a.Live()) != 0 {
		t.Errorf("live=%v; want none", a.Live())
	}
	small.Free()
	if a.InRAM() != 0 {
		t.Errorf("inRAM=%d; want 0", a.InRAM())
	}
}

func TestMmapCleanup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no memory mapping on windows")
	}
	dir := filepath.Join(t.TempDir(), "maps")
	a := MmapOnly(dir)
	b, err := New(TypeInt32, []int{10, 10}, true, a)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(b.MmapName, dir) {
		t.Errorf("mapped file %s; want it in %s", b.MmapName, dir)
	}
	if err := a.Cleanup(); err != nil {
		t.Errorf("cleanup: %s", err.Error())
	}
	if _, err := os.Stat(b.MmapName); !os.IsNotExist(err) {
		t.Errorf("mapped file %s survived cleanup", b.MmapName)
	}
}

func TestAutoMapsOnlyWhereSupported(t *testing.T) {
	a := NewAllocator(16, true, nil)
	if got := a.shouldMap(TypeFloat32, 1024); got != mmapSupported {
		t.Errorf("auto above threshold maps=%v; want %v", got, mmapSupported)
	}
	if !MmapOnly(t.TempDir()).shouldMap(TypeFloat32, 1024) {
		t.Errorf("mmap-only allocator does not map")
	}
	if RAMOnly().shouldMap(TypeFloat32, 1<<30) {
		t.Errorf("RAM-only allocator maps")
	}
}

func TestViewsDoNotFree(t *testing.T) {
	xs := make([]float32, 20)
	for i := range xs {
		xs[i] = float32(i)
	}
	b, _ := FromSlice(xs, 4, 5)
	v, err := NewView(b, 6, []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsView() || v.Block != b {
		t.Fatalf("view has no parent block")
	}
	v.Free()
	if b.Array == nil {
		t.Errorf("freeing a view released the block storage")
	}

	c, err := Copy(v, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{6, 7, 8, 11, 12, 13}
	got := Slice[float32](c)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("copy[%d]=%f; want %f", i, got[i], want[i])
		}
	}
	if c.IsView() {
		t.Errorf("copy of a view is still a view")
	}

	if _, err := NewView(b, 18, []int{2, 3}); err == nil {
		t.Errorf("view beyond block accepted")
	}
}

func TestCopyAsBlanks(t *testing.T) {
	xs := []float32{1, float32(math.NaN()), -3, 250}
	b, _ := FromSlice(xs)
	i, err := CopyAs(b, TypeInt16, nil)
	if err != nil {
		t.Fatal(err)
	}
	is := Slice[int16](i)
	if is[1] != math.MinInt16 {
		t.Errorf("NaN converted to %d; want blank %d", is[1], math.MinInt16)
	}
	if is[0] != 1 || is[2] != -3 || is[3] != 250 {
		t.Errorf("converted %v", is)
	}

	back, err := CopyAs(i, TypeFloat64, nil)
	if err != nil {
		t.Fatal(err)
	}
	fs := Slice[float64](back)
	if !math.IsNaN(fs[1]) {
		t.Errorf("int16 blank converted to %f; want NaN", fs[1])
	}

	u, _ := FromSlice([]uint8{0, 7, 255})
	w, _ := CopyAs(u, TypeInt32, nil)
	if Slice[int32](w)[2] != math.MinInt32 {
		t.Errorf("uint8 blank converted to %d", Slice[int32](w)[2])
	}
}

func TestCopyAsRoundTrip(t *testing.T) {
	xs := []int16{-200, 0, 17, 300, 32000}
	b, _ := FromSlice(xs)
	for _, tp := range []Type{TypeInt32, TypeInt64, TypeFloat32, TypeFloat64} {
		c, err := CopyAs(b, tp, nil)
		if err != nil {
			t.Fatal(err)
		}
		r, err := CopyAs(c, TypeInt16, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range Slice[int16](r) {
			if v != xs[i] {
				t.Errorf("%v round trip [%d]=%d; want %d", tp, i, v, xs[i])
			}
		}
	}

	s, err := CopyAs(b, TypeString, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := CopyAs(s, TypeInt16, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range Slice[int16](r) {
		if v != xs[i] {
			t.Errorf("string round trip [%d]=%d; want %d", i, v, xs[i])
		}
	}
}

func TestHasBlankFlags(t *testing.T) {
	b, _ := FromSlice([]float64{1, 2, 3})
	if HasBlank(b) {
		t.Errorf("blank found in %v", b.Array)
	}
	if b.Flag&FlagBlankChecked == 0 {
		t.Errorf("checked flag not set")
	}
	Slice[float64](b)[1] = math.NaN()
	b.Touch()
	if !HasBlank(b) {
		t.Errorf("blank not found after touch")
	}
	m, _ := FlagBlank(b, nil)
	if got := Slice[uint8](m); got[0] != 0 || got[1] != 1 || got[2] != 0 {
		t.Errorf("mask=%v; want [0 1 0]", got)
	}
	if n := NumNonBlank(b); n != 2 {
		t.Errorf("non-blank=%d; want 2", n)
	}
	if !IsBlankAt(FromStrings([]string{BlankString}), 0) {
		t.Errorf("string blank not recognised")
	}
}

func TestRowsOfView3D(t *testing.T) {
	b, _ := New(TypeUint16, []int{3, 4, 5}, true, nil)
	v, err := NewView(b, Index([]int{1, 1, 2}, b.Dsize), []int{2, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	v.Indices(func(i int) {
		c := Coordinates(i, b.Dsize)
		if c[0] < 1 || c[1] < 1 || c[1] > 2 || c[2] < 2 {
			t.Errorf("index %d at %v outside view", i, c)
		}
		n++
	})
	if n != v.Size {
		t.Errorf("visited %d; want %d", n, v.Size)
	}
}
