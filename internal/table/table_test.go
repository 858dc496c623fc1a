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

package table

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/skymesh/internal/data"
)

func TestWriteRead(t *testing.T) {
	ids, _ := data.FromSlice([]int32{1, 2, math.MinInt32})
	ids.Name, ids.Unit, ids.Comment = "OBJ_ID", "counter", "Object identifier"
	mags, _ := data.FromSlice([]float32{18.25, float32(math.NaN()), 21.5})
	mags.Name, mags.Unit = "MAGNITUDE", "log"
	mags.Disp = data.Display{Format: 'f', Precision: 2}
	names := data.FromStrings([]string{"M 31", "", "NGC 224"})
	names.Name = "NAME"
	ids.Next, mags.Next = mags, names

	fn := filepath.Join(t.TempDir(), "cat.txt")
	if err := Write(ids, fn, []string{"test catalog"}); err != nil {
		t.Fatal(err)
	}

	cols, rows, err := ReadInfo(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 3 || len(cols) != 3 {
		t.Fatalf("rows=%d cols=%d; want 3 3", rows, len(cols))
	}
	if cols[0].Type != data.TypeInt32 || cols[0].Unit != "counter" || cols[0].Comment != "Object identifier" {
		t.Errorf("column 1 info %+v", cols[0])
	}
	if cols[2].Type != data.TypeString || cols[2].StrWidth != 7 {
		t.Errorf("column 3 info %+v", cols[2])
	}

	first, err := Read(fn, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := NumColumns(first); n != 3 {
		t.Fatalf("%d columns; want 3", n)
	}
	gotIDs := data.Slice[int32](first)
	if gotIDs[0] != 1 || gotIDs[1] != 2 || gotIDs[2] != math.MinInt32 {
		t.Errorf("ids=%v", gotIDs)
	}
	gotMags := data.Slice[float32](Column(first, "MAGNITUDE"))
	if gotMags[0] != 18.25 || !math.IsNaN(float64(gotMags[1])) || gotMags[2] != 21.5 {
		t.Errorf("mags=%v", gotMags)
	}
	gotNames := Column(first, "NAME").Array.([]string)
	if gotNames[0] != "M 31" || gotNames[1] != data.BlankString || gotNames[2] != "NGC 224" {
		t.Errorf("names=%q", gotNames)
	}
}

func TestSelectColumns(t *testing.T) {
	src := "# Column 1: A [m, float64, -99] first\n" +
		"# Column 2: B [, int16, ] second\n" +
		"1.5  3\n" +
		"-99  4\n"
	first, err := ReadFrom(strings.NewReader(src), []string{"2", "A"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != "B" || first.Next.Name != "A" {
		t.Fatalf("selected %s,%s; want B,A", first.Name, first.Next.Name)
	}
	if b := data.Slice[int16](first); b[0] != 3 || b[1] != 4 {
		t.Errorf("B=%v", b)
	}
	if a := data.Slice[float64](first.Next); a[0] != 1.5 || !math.IsNaN(a[1]) {
		t.Errorf("A=%v; want [1.5 NaN]", a)
	}
	if _, err := ReadFrom(strings.NewReader(src), []string{"C"}, nil); err == nil {
		t.Errorf("missing column accepted")
	}
}

func TestHeaderlessColumns(t *testing.T) {
	first, err := ReadFrom(strings.NewReader("1 2\n3 4\n5 nan\n"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second := first.Next
	if second == nil || second.Name != "COLUMN_2" || second.Type != data.TypeFloat64 {
		t.Fatalf("second column %v", second)
	}
	if v := data.Slice[float64](second); v[1] != 4 || !math.IsNaN(v[2]) {
		t.Errorf("second=%v", v)
	}
}

func TestRejectsShortRows(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bad.txt")
	os.WriteFile(fn, []byte("# Column 1: A\n# Column 2: B\n1\n"), 0644)
	if _, err := Read(fn, nil, nil); err == nil {
		t.Errorf("row with missing value accepted")
	}
}
