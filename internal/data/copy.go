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
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Copies a buffer into freshly allocated contiguous storage of the same type and shape.
// Views are compacted. Metadata is carried over, flags only for owned sources
func Copy(src *Buffer, alloc *Allocator) (*Buffer, error) {
	dst, err := New(src.Type, src.Dsize, false, alloc)
	if err != nil {
		return nil, err
	}
	copyMeta(dst, src)
	switch d := dst.Array.(type) {
	case []uint8:
		gather(d, src)
	case []int8:
		gather(d, src)
	case []uint16:
		gather(d, src)
	case []int16:
		gather(d, src)
	case []uint32:
		gather(d, src)
	case []int32:
		gather(d, src)
	case []uint64:
		gather(d, src)
	case []int64:
		gather(d, src)
	case []float32:
		gather(d, src)
	case []float64:
		gather(d, src)
	case []complex64:
		gather(d, src)
	case []complex128:
		gather(d, src)
	case []string:
		gather(d, src)
	default:
		return nil, errors.New(fmt.Sprintf("cannot copy buffer of %v", src.Type))
	}
	if src.Block == nil {
		dst.Flag = src.Flag
	}
	return dst, nil
}

func copyMeta(dst, src *Buffer) {
	dst.Name, dst.Unit, dst.Comment, dst.Disp = src.Name, src.Unit, src.Comment, src.Disp
	if src.WCS != nil {
		dst.WCS = src.WCS.Copy()
	}
}

// Copies the elements of src, possibly a view, contiguously into dst
func gather[T any](dst []T, src *Buffer) {
	arr := src.Root().Array.([]T)
	o := 0
	src.Rows(func(start, n int) {
		o += copy(dst[o:], arr[start:start+n])
	})
}

// Copies a buffer converting to the given element type. Blank elements of the
// source become blank elements of the target. Numeric values are converted
// with Go conversion semantics, strings are parsed or formatted
func CopyAs(src *Buffer, t Type, alloc *Allocator) (*Buffer, error) {
	st := src.Root().Type
	if st == t {
		return Copy(src, alloc)
	}
	if !(st.IsNumeric() || st == TypeString) || !(t.IsNumeric() || t == TypeString) {
		return nil, errors.New(fmt.Sprintf("cannot convert %v to %v", st, t))
	}
	dst, err := New(t, src.Dsize, false, alloc)
	if err != nil {
		return nil, err
	}
	copyMeta(dst, src)
	switch {
	case t == TypeString:
		err = formatStrings(dst.Array.([]string), src)
	case st == TypeString:
		err = parseStrings(dst, src)
	default:
		err = convertAny(dst, src)
	}
	if err != nil {
		dst.Free()
		return nil, err
	}
	return dst, nil
}

func convertAny(dst, src *Buffer) error {
	switch src.Root().Type {
	case TypeUint8:
		return convertFrom[uint8](dst, src)
	case TypeInt8:
		return convertFrom[int8](dst, src)
	case TypeUint16:
		return convertFrom[uint16](dst, src)
	case TypeInt16:
		return convertFrom[int16](dst, src)
	case TypeUint32:
		return convertFrom[uint32](dst, src)
	case TypeInt32:
		return convertFrom[int32](dst, src)
	case TypeUint64:
		return convertFrom[uint64](dst, src)
	case TypeInt64:
		return convertFrom[int64](dst, src)
	case TypeFloat32:
		return convertFrom[float32](dst, src)
	case TypeFloat64:
		return convertFrom[float64](dst, src)
	}
	return errors.New(fmt.Sprintf("cannot convert from %v", src.Root().Type))
}

func convertFrom[S Number](dst, src *Buffer) error {
	switch d := dst.Array.(type) {
	case []uint8:
		convert[S](d, src)
	case []int8:
		convert[S](d, src)
	case []uint16:
		convert[S](d, src)
	case []int16:
		convert[S](d, src)
	case []uint32:
		convert[S](d, src)
	case []int32:
		convert[S](d, src)
	case []uint64:
		convert[S](d, src)
	case []int64:
		convert[S](d, src)
	case []float32:
		convert[S](d, src)
	case []float64:
		convert[S](d, src)
	default:
		return errors.New(fmt.Sprintf("cannot convert to %v", dst.Type))
	}
	return nil
}

func convert[S, D Number](dst []D, src *Buffer) {
	arr := src.Root().Array.([]S)
	sb, db := Blank[S](), Blank[D]()
	o := 0
	src.Rows(func(start, n int) {
		for _, v := range arr[start : start+n] {
			if IsBlankValue(v, sb) {
				dst[o] = db
			} else {
				dst[o] = D(v)
			}
			o++
		}
	})
}

func formatStrings(dst []string, src *Buffer) error {
	o := 0
	prec := src.Disp.Precision
	if prec <= 0 {
		prec = -1
	}
	src.Indices(func(i int) {
		v := ValueAt(src.Root(), i)
		if IsBlankAt(src.Root(), i) {
			dst[o] = BlankString
		} else if src.Root().Type.IsFloat() {
			dst[o] = strconv.FormatFloat(v, 'g', prec, 64)
		} else {
			dst[o] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		o++
	})
	return nil
}

func parseStrings(dst, src *Buffer) error {
	arr := src.Root().Array.([]string)
	blank := BlankFloat64(dst.Type)
	o := 0
	var err error
	src.Indices(func(i int) {
		if err != nil {
			return
		}
		s := arr[i]
		v := blank
		if s != BlankString && s != "" {
			var perr error
			v, perr = strconv.ParseFloat(s, 64)
			if perr != nil {
				err = errors.New(fmt.Sprintf("element %d: cannot parse '%s' as %v", o, s, dst.Type))
				return
			}
		}
		SetFloat64(dst, o, v)
		o++
	})
	return err
}

// Returns the element at root storage index i as float64. Strings and complex give NaN
func ValueAt(b *Buffer, i int) float64 {
	switch a := b.Root().Array.(type) {
	case []uint8:
		return float64(a[i])
	case []int8:
		return float64(a[i])
	case []uint16:
		return float64(a[i])
	case []int16:
		return float64(a[i])
	case []uint32:
		return float64(a[i])
	case []int32:
		return float64(a[i])
	case []uint64:
		return float64(a[i])
	case []int64:
		return float64(a[i])
	case []float32:
		return float64(a[i])
	case []float64:
		return a[i]
	}
	return math.NaN()
}

// Sets the element at root storage index i from a float64. NaN sets blank
func SetFloat64(b *Buffer, i int, v float64) {
	if v != v {
		v = BlankFloat64(b.Root().Type)
	}
	switch a := b.Root().Array.(type) {
	case []uint8:
		a[i] = uint8(v)
	case []int8:
		a[i] = int8(v)
	case []uint16:
		a[i] = uint16(v)
	case []int16:
		a[i] = int16(v)
	case []uint32:
		a[i] = uint32(v)
	case []int32:
		a[i] = int32(v)
	case []uint64:
		a[i] = uint64(v)
	case []int64:
		a[i] = int64(v)
	case []float32:
		a[i] = float32(v)
	case []float64:
		a[i] = v
	}
}

// Appends the non-blank elements of a numeric buffer or view as float64 to dst.
// Passing dst[:0] of a scratch slice avoids allocation
func AppendFloat64s(dst []float64, b *Buffer) []float64 {
	switch b.Root().Type {
	case TypeUint8:
		return appendNonBlank[uint8](dst, b)
	case TypeInt8:
		return appendNonBlank[int8](dst, b)
	case TypeUint16:
		return appendNonBlank[uint16](dst, b)
	case TypeInt16:
		return appendNonBlank[int16](dst, b)
	case TypeUint32:
		return appendNonBlank[uint32](dst, b)
	case TypeInt32:
		return appendNonBlank[int32](dst, b)
	case TypeUint64:
		return appendNonBlank[uint64](dst, b)
	case TypeInt64:
		return appendNonBlank[int64](dst, b)
	case TypeFloat32:
		return appendNonBlank[float32](dst, b)
	case TypeFloat64:
		return appendNonBlank[float64](dst, b)
	}
	return dst
}

func appendNonBlank[T Number](dst []float64, b *Buffer) []float64 {
	arr := b.Root().Array.([]T)
	blank := Blank[T]()
	b.Rows(func(start, n int) {
		for _, v := range arr[start : start+n] {
			if !IsBlankValue(v, blank) {
				dst = append(dst, float64(v))
			}
		}
	})
	return dst
}
