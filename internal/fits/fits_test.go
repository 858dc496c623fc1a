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

package fits

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/wcs"
)

func roundTrip(t *testing.T, b *data.Buffer) *data.Buffer {
	t.Helper()
	name := filepath.Join(t.TempDir(), "rt.fits")
	if err := WriteImage(b, name, "IMG", nil); err != nil {
		t.Fatal(err)
	}
	f, err := Open(name, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := f.HDU("IMG")
	if err != nil {
		t.Fatal(err)
	}
	r, err := ReadImage(h, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != b.Type {
		t.Fatalf("type %v; want %v", r.Type, b.Type)
	}
	if !data.SameShape(r, b) {
		t.Fatalf("shape %v; want %v", r.Dsize, b.Dsize)
	}
	return r
}

func checkRoundTrip[T data.Number](t *testing.T, xs []T) {
	t.Helper()
	b, _ := data.FromSlice(xs, 2, len(xs)/2)
	got := data.Slice[T](roundTrip(t, b))
	for i := range xs {
		if got[i] != xs[i] && !(xs[i] != xs[i] && got[i] != got[i]) {
			t.Errorf("%v [%d]=%v; want %v", b.Type, i, got[i], xs[i])
		}
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	checkRoundTrip(t, []uint8{0, 1, 127, 255})
	checkRoundTrip(t, []int8{-128, -1, 0, 127})
	checkRoundTrip(t, []int16{math.MinInt16, -1, 0, math.MaxInt16})
	checkRoundTrip(t, []uint16{0, 1, 32768, math.MaxUint16})
	checkRoundTrip(t, []int32{math.MinInt32, -7, 0, math.MaxInt32})
	checkRoundTrip(t, []uint32{0, 7, 1 << 31, math.MaxUint32})
	checkRoundTrip(t, []int64{math.MinInt64, -7, 0, math.MaxInt64})
	checkRoundTrip(t, []uint64{0, 7, 1 << 63, math.MaxUint64})
	checkRoundTrip(t, []float32{-1.5, 0, float32(math.NaN()), 3e38})
	checkRoundTrip(t, []float64{-1.5, 1e-300, math.NaN(), math.Inf(1)})
}

func TestAppendExtensions(t *testing.T) {
	name := filepath.Join(t.TempDir(), "multi.fits")
	a, _ := data.FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	a.Unit = "ADU"
	b, _ := data.FromSlice([]int32{0, 1, 1, 2}, 2, 2)
	if err := WriteImage(a, name, "INPUT", []Key{{"GAIN", 1.5, "e-/ADU"}, {"DETSN", true, ""}}); err != nil {
		t.Fatal(err)
	}
	if err := WriteImage(b, name, "LABELS", nil); err != nil {
		t.Fatal(err)
	}
	f, err := Open(name, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.HDUs) != 2 {
		t.Fatalf("%d HDUs; want 2", len(f.HDUs))
	}
	h0 := f.HDUs[0]
	if g, ok := h0.Header.Float("GAIN"); !ok || g != 1.5 {
		t.Errorf("GAIN=%g,%v; want 1.5", g, ok)
	}
	if !h0.Header.Bools["DETSN"] {
		t.Errorf("DETSN not read back")
	}
	if h0.Naxisn[0] != 3 || h0.Naxisn[1] != 2 {
		t.Errorf("NAXISn=%v; want [3 2]", h0.Naxisn)
	}
	r, _ := ReadImage(h0, nil, nil)
	if r.Unit != "ADU" || r.Dsize[0] != 2 || r.Dsize[1] != 3 {
		t.Errorf("read unit %q shape %v", r.Unit, r.Dsize)
	}
	if k, err := f.HDUKind("1"); err != nil || k != KindImage {
		t.Errorf("kind of HDU 1=%v,%v", k, err)
	}
	h1, err := f.HDU("LABELS")
	if err != nil || h1.Index != 1 {
		t.Fatalf("LABELS at %v: %v", h1, err)
	}
	if _, err := f.HDU("MISSING"); err == nil {
		t.Errorf("missing HDU found")
	}
}

func TestGzipAppend(t *testing.T) {
	name := filepath.Join(t.TempDir(), "img.fits.gz")
	a, _ := data.FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	for _, ext := range []string{"A", "B"} {
		if err := WriteImage(a, name, ext, nil); err != nil {
			t.Fatal(err)
		}
	}
	f, err := Open(name, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.HDUs) != 2 || f.HDUs[1].Name != "B" {
		t.Fatalf("HDUs %d, second %q", len(f.HDUs), f.HDUs[1].Name)
	}
	r, _ := ReadImage(f.HDUs[1], nil, nil)
	if got := data.Slice[float64](r); got[3] != 4 {
		t.Errorf("read %v", got)
	}
}

func TestScaledIntegers(t *testing.T) {
	var sb strings.Builder
	writeBool(&sb, "SIMPLE", true, "")
	writeInt64(&sb, "BITPIX", 16, "")
	writeInt64(&sb, "NAXIS", 1, "")
	writeInt64(&sb, "NAXIS1", 3, "")
	writeFloat64(&sb, "BSCALE", 0.5, "")
	writeFloat64(&sb, "BZERO", 10, "")
	writeInt64(&sb, "BLANK", -1, "")
	writeEnd(&sb)
	pad(&sb, sb.Len(), ' ')
	raw := []byte(sb.String())
	raw = append(raw, 0, 4, 0xff, 0xff, 0, 0)
	raw = append(raw, make([]byte, blockSize-6)...)

	f, err := Read(bytes.NewReader(raw), nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := ReadImage(f.HDUs[0], nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := data.Slice[float32](r)
	if got[0] != 12 || !math.IsNaN(float64(got[1])) || got[2] != 10 {
		t.Errorf("scaled %v; want [12 NaN 10]", got)
	}
}

func TestHeaderParse(t *testing.T) {
	var sb strings.Builder
	writeBool(&sb, "SIMPLE", true, "")
	writeInt64(&sb, "BITPIX", -32, "")
	writeInt64(&sb, "NAXIS", 0, "")
	writeString(&sb, "OBJECT", "M31's core", "target")
	writeFloat64(&sb, "EXPTIME", 300, "")
	writeComment(&sb, "first comment")
	sb.WriteString(padLine("DATE-OBS= 2020-01-02T03:04:05"))
	sb.WriteString(padLine("BIGF    =              1.5D+03"))
	writeEnd(&sb)
	pad(&sb, sb.Len(), ' ')

	f, err := Read(strings.NewReader(sb.String()), nil)
	if err != nil {
		t.Fatal(err)
	}
	h := f.HDUs[0].Header
	if s, _ := h.String("OBJECT"); s != "M31's core" {
		t.Errorf("OBJECT=%q", s)
	}
	if v, ok := h.Float("EXPTIME"); !ok || v != 300 {
		t.Errorf("EXPTIME=%g", v)
	}
	if v, ok := h.Float("BIGF"); !ok || v != 1500 {
		t.Errorf("BIGF=%g", v)
	}
	if len(h.Comments) != 1 || h.Comments[0] != "first comment" {
		t.Errorf("comments %q", h.Comments)
	}
	if len(h.Dates) != 1 {
		t.Errorf("dates %v", h.Dates)
	}
}

func padLine(s string) string {
	return s + strings.Repeat(" ", HeaderLineSize-len(s))
}

func TestRejectsNonFITS(t *testing.T) {
	junk := strings.Repeat("x", blockSize)
	if _, err := Read(strings.NewReader(junk), nil); err == nil {
		t.Errorf("junk accepted as FITS")
	}
}

func TestWCSRoundTrip(t *testing.T) {
	b, _ := data.FromSlice(make([]float32, 12), 3, 4)
	l, err := wcs.NewLinear([]float64{2, 1.5}, []float64{10.5, -20},
		[][]float64{{-1e-4, 0}, {0, 1e-4}})
	if err != nil {
		t.Fatal(err)
	}
	l.CType = []string{"RA---TAN", "DEC--TAN"}
	l.CUnit = []string{"deg", "deg"}
	b.WCS = l
	r := roundTrip(t, b)
	got, ok := r.WCS.(*wcs.Linear)
	if !ok {
		t.Fatalf("WCS %T not read back", r.WCS)
	}
	if got.CRPix[0] != 1 || got.CRPix[1] != 0.5 || got.CD[0][0] != -1e-4 || got.CType[1] != "DEC--TAN" {
		t.Errorf("WCS %+v", got)
	}
	w, _ := got.PixelToWorld([]float64{1, 0.5})
	if w[0] != 10.5 || w[1] != -20 {
		t.Errorf("reference maps to %v", w)
	}
}

func TestPCMatrix(t *testing.T) {
	h := NewHeader()
	h.Floats["CRVAL1"], h.Floats["CRVAL2"] = 1, 2
	h.Floats["CDELT1"], h.Floats["CDELT2"] = 2, 3
	h.Floats["PC1_2"] = 0.5
	l, err := ParseWCS(&h, 2)
	if err != nil {
		t.Fatal(err)
	}
	if l.CD[0][0] != 2 || l.CD[0][1] != 1 || l.CD[1][1] != 3 || l.CD[1][0] != 0 {
		t.Errorf("CD=%v", l.CD)
	}
	if l, _ := ParseWCS(&Header{}, 2); l != nil {
		t.Errorf("WCS without reference point")
	}
}

func TestPreviews(t *testing.T) {
	dir := t.TempDir()
	img, _ := data.FromSlice([]float32{0, 1, 2, float32(math.NaN())}, 2, 2)
	if err := WriteTIFF16ToFile(img, filepath.Join(dir, "a.tif"), 0, 2, 1); err != nil {
		t.Error(err)
	}
	lab, _ := data.FromSlice([]int32{0, 1, -1, 2}, 2, 2)
	var buf bytes.Buffer
	if err := WriteLabelsJPG(lab, &buf, 90); err != nil {
		t.Error(err)
	}
	if buf.Len() == 0 {
		t.Errorf("empty JPG")
	}
	if LabelColor(1) == LabelColor(2) {
		t.Errorf("neighbouring labels share a colour")
	}
	if err := WriteLabelsJPG(img, &buf, 90); err == nil {
		t.Errorf("float image accepted as label map")
	}
}
