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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/wcs"
)

// Writes a buffer as an image HDU. If the file exists, the image is appended
// as a new extension, otherwise a new file is created with the image as its
// primary HDU. Files with a .gz suffix are transparently recompressed
func WriteImage(b *data.Buffer, fileName, extName string, keys []Key) error {
	if b.IsView() {
		c, err := data.Copy(b, nil)
		if err != nil {
			return err
		}
		defer c.Free()
		b = c
	}
	var prev []byte
	if _, err := os.Stat(fileName); err == nil {
		prev, err = readRaw(fileName)
		if err != nil {
			return err
		}
	}

	var hdu bytes.Buffer
	if err := writeHDU(&hdu, b, extName, keys, len(prev) == 0); err != nil {
		return fmt.Errorf("%s: %w", fileName, err)
	}

	if !isGzip(fileName) {
		if len(prev) > 0 {
			f, err := os.OpenFile(fileName, os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return err
			}
			if _, err := f.Write(hdu.Bytes()); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}
		return os.WriteFile(fileName, hdu.Bytes(), 0644)
	}

	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(prev); err != nil {
		return err
	}
	if _, err := zw.Write(hdu.Bytes()); err != nil {
		return err
	}
	return zw.Close()
}

// Reads the uncompressed bytes of an existing file
func readRaw(fileName string) ([]byte, error) {
	if !isGzip(fileName) {
		return os.ReadFile(fileName)
	}
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Writes header and padded payload of one image HDU
func writeHDU(w io.Writer, b *data.Buffer, extName string, keys []Key, primary bool) error {
	bitpix, bzero, ok := fitsType(b.Type)
	if !ok {
		return errors.New(fmt.Sprintf("cannot write %v buffer as a FITS image", b.Type))
	}

	sb := strings.Builder{}
	if primary {
		writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	} else {
		writeString(&sb, "XTENSION", "IMAGE", "Image extension")
	}
	writeInt64(&sb, "BITPIX", int64(bitpix), "Bits per value")
	writeInt64(&sb, "NAXIS", int64(len(b.Dsize)), "Number of axes")
	for i := range b.Dsize {
		// FITS lists the fastest varying axis first
		writeInt64(&sb, "NAXIS"+strconv.Itoa(i+1), int64(b.Dsize[len(b.Dsize)-1-i]), "Axis size")
	}
	if primary {
		writeBool(&sb, "EXTEND", true, "Extensions may follow")
	} else {
		writeInt64(&sb, "PCOUNT", 0, "No parameters")
		writeInt64(&sb, "GCOUNT", 1, "One group")
	}
	switch b.Type {
	case data.TypeInt8:
		writeInt64(&sb, "BZERO", -128, "Signed byte offset")
		writeInt64(&sb, "BSCALE", 1, "")
	case data.TypeUint16, data.TypeUint32:
		writeInt64(&sb, "BZERO", int64(bzero), "Unsigned offset")
		writeInt64(&sb, "BSCALE", 1, "")
	case data.TypeUint64:
		writeUint64(&sb, "BZERO", bzero, "Unsigned offset")
		writeInt64(&sb, "BSCALE", 1, "")
	}
	if b.Type.IsInteger() && data.HasBlank(b) {
		writeInt64(&sb, "BLANK", storedBlank(b.Type), "Blank value")
	}
	if extName != "" {
		writeString(&sb, "EXTNAME", extName, "Extension name")
	} else if b.Name != "" {
		writeString(&sb, "EXTNAME", b.Name, "Extension name")
	}
	if b.Unit != "" {
		writeString(&sb, "BUNIT", b.Unit, "Data unit")
	}
	if l, ok := b.WCS.(*wcs.Linear); ok {
		writeWCS(&sb, l)
	}
	for _, k := range keys {
		if err := writeKey(&sb, k); err != nil {
			return err
		}
	}
	if b.Comment != "" {
		writeComment(&sb, b.Comment)
	}
	writeEnd(&sb)
	pad(&sb, sb.Len(), ' ')

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	n, err := writePayload(bw, b)
	if err != nil {
		return err
	}
	if rem := n % blockSize; rem != 0 {
		if _, err := bw.Write(make([]byte, blockSize-rem)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Pads the current block with the given byte
func pad(sb *strings.Builder, n int, c byte) {
	if rem := n % blockSize; rem != 0 {
		sb.WriteString(strings.Repeat(string(c), blockSize-rem))
	}
}

// BITPIX and BZERO used to store a buffer type
func fitsType(t data.Type) (bitpix int, bzero uint64, ok bool) {
	switch t {
	case data.TypeUint8, data.TypeInt8:
		return 8, 0, true
	case data.TypeInt16:
		return 16, 0, true
	case data.TypeUint16:
		return 16, 1 << 15, true
	case data.TypeInt32:
		return 32, 0, true
	case data.TypeUint32:
		return 32, 1 << 31, true
	case data.TypeInt64:
		return 64, 0, true
	case data.TypeUint64:
		return 64, 1 << 63, true
	case data.TypeFloat32:
		return -32, 0, true
	case data.TypeFloat64:
		return -64, 0, true
	}
	return 0, 0, false
}

// Stored integer value of a type's blank, before BZERO is applied
func storedBlank(t data.Type) int64 {
	switch t {
	case data.TypeUint8:
		return math.MaxUint8
	case data.TypeInt8:
		return 0
	case data.TypeInt16:
		return math.MinInt16
	case data.TypeUint16:
		return math.MaxInt16
	case data.TypeInt32:
		return math.MinInt32
	case data.TypeUint32:
		return math.MaxInt32
	case data.TypeInt64:
		return math.MinInt64
	}
	return math.MaxInt64
}

// Writes FITS binary body data in network byte order, returning the number of bytes written
func writePayload(w io.Writer, b *data.Buffer) (int, error) {
	const chunk = 1 << 16
	be := binary.BigEndian
	buf := make([]byte, 0, chunk)
	n := 0
	flush := func() error {
		_, err := w.Write(buf)
		n += len(buf)
		buf = buf[:0]
		return err
	}
	put := func(add func([]byte) []byte) error {
		buf = add(buf)
		if len(buf) >= chunk-8 {
			return flush()
		}
		return nil
	}
	var err error
	switch arr := b.Array.(type) {
	case []uint8:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return append(p, v) }); err != nil {
				return n, err
			}
		}
	case []int8:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return append(p, byte(v)^0x80) }); err != nil {
				return n, err
			}
		}
	case []int16:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint16(p, uint16(v)) }); err != nil {
				return n, err
			}
		}
	case []uint16:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint16(p, v^0x8000) }); err != nil {
				return n, err
			}
		}
	case []int32:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint32(p, uint32(v)) }); err != nil {
				return n, err
			}
		}
	case []uint32:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint32(p, v^0x80000000) }); err != nil {
				return n, err
			}
		}
	case []int64:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint64(p, uint64(v)) }); err != nil {
				return n, err
			}
		}
	case []uint64:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint64(p, v^(1<<63)) }); err != nil {
				return n, err
			}
		}
	case []float32:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint32(p, math.Float32bits(v)) }); err != nil {
				return n, err
			}
		}
	case []float64:
		for _, v := range arr {
			if err = put(func(p []byte) []byte { return be.AppendUint64(p, math.Float64bits(v)) }); err != nil {
				return n, err
			}
		}
	default:
		return n, errors.New(fmt.Sprintf("cannot encode %v", b.Type))
	}
	return n, flush()
}

// Writes the keys of a linear WCS. Reference pixels are 1-based in FITS
func writeWCS(w io.Writer, l *wcs.Linear) {
	for i := range l.CRVal {
		ax := strconv.Itoa(i + 1)
		writeFloat64(w, "CRPIX"+ax, l.CRPix[i]+1, "Reference pixel")
	}
	for i, v := range l.CRVal {
		writeFloat64(w, "CRVAL"+strconv.Itoa(i+1), v, "World coordinate at reference")
	}
	for i := range l.CD {
		for j, v := range l.CD[i] {
			writeFloat64(w, fmt.Sprintf("CD%d_%d", i+1, j+1), v, "Linear transformation")
		}
	}
	for i, s := range l.CType {
		writeString(w, "CTYPE"+strconv.Itoa(i+1), s, "Axis type")
	}
	for i, s := range l.CUnit {
		writeString(w, "CUNIT"+strconv.Itoa(i+1), s, "Axis unit")
	}
}
