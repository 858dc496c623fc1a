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
)

// Kind of a header data unit
type Kind int

const (
	KindImage Kind = iota
	KindTable
)

func (k Kind) String() string {
	if k == KindTable {
		return "table"
	}
	return "image"
}

// A header data unit with its raw payload
type HDU struct {
	Index  int
	Header Header
	Kind   Kind
	Name   string // EXTNAME, if any
	Bitpix int
	Naxisn []int // axis sizes, most quickly varying first (i.e. X,Y)
	raw    []byte
}

// A FITS file read into memory
type File struct {
	FileName string
	HDUs     []*HDU
}

// Opens and reads all HDUs of a FITS file. Decompresses gzip if a .gz or
// .gzip suffix is present
func Open(fileName string, logWriter io.Writer) (*File, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(fileName) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	file, err := Read(r, logWriter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	file.FileName = fileName
	return file, nil
}

func isGzip(fileName string) bool {
	l := strings.ToLower(fileName)
	return strings.HasSuffix(l, ".gz") || strings.HasSuffix(l, ".gzip")
}

// Reads all HDUs from a stream
func Read(r io.Reader, logWriter io.Writer) (*File, error) {
	file := &File{}
	for id := 0; ; id++ {
		h := &HDU{Index: id, Header: NewHeader()}
		err := h.Header.read(r, id, logWriter)
		if err == io.EOF && id > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := h.parse(id); err != nil {
			return nil, err
		}
		size := h.payloadSize()
		padded := (size + int64(blockSize) - 1) / int64(blockSize) * int64(blockSize)
		h.raw = make([]byte, padded)
		n, err := io.ReadFull(r, h.raw)
		if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && int64(n) >= size) && !(err == io.EOF && size == 0) {
			return nil, fmt.Errorf("%d: payload of %d bytes truncated at %d: %w", id, size, n, err)
		}
		h.raw = h.raw[:size]
		file.HDUs = append(file.HDUs, h)
	}
	return file, nil
}

// Checks mandatory keys as per standard and extracts the layout
func (h *HDU) parse(id int) error {
	hd := &h.Header
	if id == 0 {
		if !hd.Bools["SIMPLE"] {
			return fmt.Errorf("%d: Not a valid FITS file; SIMPLE=T missing in header", id)
		}
	} else {
		x, ok := hd.String("XTENSION")
		if !ok {
			return fmt.Errorf("%d: extension without XTENSION key", id)
		}
		switch x {
		case "IMAGE":
		case "TABLE", "BINTABLE":
			h.Kind = KindTable
		default:
			return fmt.Errorf("%d: unknown extension type %s", id, x)
		}
	}
	bitpix, ok := hd.Int("BITPIX")
	if !ok {
		return fmt.Errorf("%d: FITS header does not contain key BITPIX", id)
	}
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return fmt.Errorf("%d: Unknown BITPIX value %d", id, bitpix)
	}
	h.Bitpix = int(bitpix)
	naxis, ok := hd.Int("NAXIS")
	if !ok || naxis < 0 || naxis > 999 {
		return fmt.Errorf("%d: FITS header has no valid NAXIS", id)
	}
	h.Naxisn = make([]int, naxis)
	for i := 1; i <= int(naxis); i++ {
		name := "NAXIS" + strconv.Itoa(i)
		nai, ok := hd.Int(name)
		if !ok || nai < 0 {
			return fmt.Errorf("%d: FITS header does not contain key %s", id, name)
		}
		h.Naxisn[i-1] = int(nai)
	}
	h.Name, _ = hd.String("EXTNAME")
	return nil
}

// Payload size in bytes, without padding
func (h *HDU) payloadSize() int64 {
	if len(h.Naxisn) == 0 {
		return 0
	}
	n := int64(1)
	for _, a := range h.Naxisn {
		n *= int64(a)
	}
	pcount, _ := h.Header.Int("PCOUNT")
	gcount, ok := h.Header.Int("GCOUNT")
	if !ok {
		gcount = 1
	}
	bits := int64(h.Bitpix)
	if bits < 0 {
		bits = -bits
	}
	return bits / 8 * gcount * (pcount + n)
}

// Finds an HDU by extension name, or by its index given as a decimal number
func (f *File) HDU(name string) (*HDU, error) {
	for _, h := range f.HDUs {
		if h.Name == name {
			return h, nil
		}
	}
	if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < len(f.HDUs) {
		return f.HDUs[i], nil
	}
	return nil, errors.New(fmt.Sprintf("%s: no HDU named %s among %d", f.FileName, name, len(f.HDUs)))
}

// Kind of the HDU with the given name or index
func (f *File) HDUKind(name string) (Kind, error) {
	h, err := f.HDU(name)
	if err != nil {
		return 0, err
	}
	return h.Kind, nil
}

// Converts the HDU payload into a typed buffer with axis 0 slowest, i.e. the
// reverse of the FITS axis order. The unsigned BZERO conventions map to
// unsigned types, other scalings produce floats. BLANK values become the
// type's blank. The WCS is attached if the header defines one
func ReadImage(h *HDU, alloc *data.Allocator, logWriter io.Writer) (*data.Buffer, error) {
	if h.Kind != KindImage {
		return nil, errors.New(fmt.Sprintf("%d: HDU %s is a %v, not an image", h.Index, h.Name, h.Kind))
	}
	if len(h.Naxisn) == 0 {
		return nil, errors.New(fmt.Sprintf("%d: HDU %s has no data", h.Index, h.Name))
	}
	dsize := make([]int, len(h.Naxisn))
	for i, n := range h.Naxisn {
		dsize[len(dsize)-1-i] = n
	}
	bzero, _ := h.Header.Float("BZERO")
	bscale, ok := h.Header.Float("BSCALE")
	if !ok {
		bscale = 1
	}
	blank, hasBlank := h.Header.Int("BLANK")

	t := storedType(h.Bitpix, bzero, bscale)
	b, err := data.New(t, dsize, false, alloc)
	if err != nil {
		return nil, err
	}
	be := binary.BigEndian
	raw := h.raw
	switch arr := b.Array.(type) {
	case []uint8:
		decode(arr, raw, 1, func(p []byte) uint8 { return p[0] }, blank, hasBlank, data.Blank[uint8]())
	case []int8:
		decode(arr, raw, 1, func(p []byte) int8 { return int8(p[0] ^ 0x80) }, blank-128, hasBlank, data.Blank[int8]())
	case []int16:
		decode(arr, raw, 2, func(p []byte) int16 { return int16(be.Uint16(p)) }, blank, hasBlank, data.Blank[int16]())
	case []uint16:
		decode(arr, raw, 2, func(p []byte) uint16 { return be.Uint16(p) ^ 0x8000 }, blank+32768, hasBlank, data.Blank[uint16]())
	case []int32:
		decode(arr, raw, 4, func(p []byte) int32 { return int32(be.Uint32(p)) }, blank, hasBlank, data.Blank[int32]())
	case []uint32:
		decode(arr, raw, 4, func(p []byte) uint32 { return be.Uint32(p) ^ 0x80000000 }, blank+2147483648, hasBlank, data.Blank[uint32]())
	case []int64:
		decode(arr, raw, 8, func(p []byte) int64 { return int64(be.Uint64(p)) }, blank, hasBlank, data.Blank[int64]())
	case []uint64:
		decode(arr, raw, 8, func(p []byte) uint64 { return be.Uint64(p) ^ (1 << 63) }, int64(uint64(blank)^(1<<63)), hasBlank, data.Blank[uint64]())
	case []float32:
		if h.Bitpix == -32 {
			decode(arr, raw, 4, func(p []byte) float32 { return math.Float32frombits(be.Uint32(p)) }, 0, false, 0)
			if bscale != 1 || bzero != 0 {
				for i, v := range arr {
					arr[i] = float32(float64(v)*bscale + bzero)
				}
			}
		} else {
			scaleInts(arr, raw, h.Bitpix, bzero, bscale, blank, hasBlank)
		}
	case []float64:
		if h.Bitpix == -64 {
			decode(arr, raw, 8, func(p []byte) float64 { return math.Float64frombits(be.Uint64(p)) }, 0, false, 0)
			if bscale != 1 || bzero != 0 {
				for i, v := range arr {
					arr[i] = v*bscale + bzero
				}
			}
		} else {
			scaleInts(arr, raw, h.Bitpix, bzero, bscale, blank, hasBlank)
		}
	}
	b.Name = h.Name
	b.Unit, _ = h.Header.String("BUNIT")
	if len(h.Header.Comments) > 0 {
		b.Comment = h.Header.Comments[0]
	}
	w, err := ParseWCS(&h.Header, len(h.Naxisn))
	if err != nil {
		if logWriter != nil {
			fmt.Fprintf(logWriter, "%d: Warning: ignoring WCS: %s\n", h.Index, err.Error())
		}
	} else if w != nil {
		b.WCS = w
	}
	b.Touch()
	return b, nil
}

// Buffer type for a BITPIX with the given scaling. Unsigned conventions are
// recognised by their exact offsets
func storedType(bitpix int, bzero, bscale float64) data.Type {
	if bscale == 1 {
		switch {
		case bitpix == 8 && bzero == -128:
			return data.TypeInt8
		case bitpix == 16 && bzero == 32768:
			return data.TypeUint16
		case bitpix == 32 && bzero == 2147483648:
			return data.TypeUint32
		case bitpix == 64 && bzero == 9223372036854775808:
			return data.TypeUint64
		}
	}
	if bscale != 1 || bzero != 0 {
		if bitpix == 64 || bitpix == 32 || bitpix == -64 {
			return data.TypeFloat64
		}
		return data.TypeFloat32
	}
	switch bitpix {
	case 8:
		return data.TypeUint8
	case 16:
		return data.TypeInt16
	case 32:
		return data.TypeInt32
	case 64:
		return data.TypeInt64
	case -32:
		return data.TypeFloat32
	}
	return data.TypeFloat64
}

// Decodes big-endian values, replacing the stored blank with the type's blank
func decode[T data.Number](dst []T, raw []byte, size int, get func([]byte) T, blank int64, hasBlank bool, typeBlank T) {
	for i := range dst {
		v := get(raw[i*size : (i+1)*size])
		if hasBlank && int64(v) == blank {
			v = typeBlank
		}
		dst[i] = v
	}
}

// Decodes scaled integers into floats, with BLANK values as NaN
func scaleInts[T float32 | float64](dst []T, raw []byte, bitpix int, bzero, bscale float64, blank int64, hasBlank bool) {
	be := binary.BigEndian
	size := bitpix / 8
	nan := T(math.NaN())
	for i := range dst {
		p := raw[i*size : (i+1)*size]
		var v int64
		switch bitpix {
		case 8:
			v = int64(p[0])
		case 16:
			v = int64(int16(be.Uint16(p)))
		case 32:
			v = int64(int32(be.Uint32(p)))
		default:
			v = int64(be.Uint64(p))
		}
		if hasBlank && v == blank {
			dst[i] = nan
		} else {
			dst[i] = T(float64(v)*bscale + bzero)
		}
	}
}
