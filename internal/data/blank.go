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
)

// Checks if the element at root storage index i is blank
func IsBlankAt(b *Buffer, i int) bool {
	switch a := b.Root().Array.(type) {
	case []uint8:
		return a[i] == math.MaxUint8
	case []int8:
		return a[i] == math.MinInt8
	case []uint16:
		return a[i] == math.MaxUint16
	case []int16:
		return a[i] == math.MinInt16
	case []uint32:
		return a[i] == math.MaxUint32
	case []int32:
		return a[i] == math.MinInt32
	case []uint64:
		return a[i] == math.MaxUint64
	case []int64:
		return a[i] == math.MinInt64
	case []float32:
		return a[i] != a[i]
	case []float64:
		return a[i] != a[i]
	case []complex64:
		return real(a[i]) != real(a[i]) || imag(a[i]) != imag(a[i])
	case []complex128:
		return real(a[i]) != real(a[i]) || imag(a[i]) != imag(a[i])
	case []string:
		return a[i] == BlankString
	}
	return false
}

// Sets the element at root storage index i to blank
func SetBlankAt(b *Buffer, i int) {
	switch a := b.Root().Array.(type) {
	case []string:
		a[i] = BlankString
	case []complex64:
		nan := float32(math.NaN())
		a[i] = complex(nan, nan)
	case []complex128:
		a[i] = complex(math.NaN(), math.NaN())
	default:
		SetFloat64(b, i, math.NaN())
	}
}

// Checks whether a buffer contains blank elements. For owned buffers the result
// is cached in the flag pair, and an already checked buffer is not rescanned
func HasBlank(b *Buffer) bool {
	if b.Block == nil && b.Flag&FlagBlankChecked != 0 {
		return b.Flag&FlagHasBlank != 0
	}
	has := false
	b.Rows(func(start, n int) {
		if has {
			return
		}
		for i := start; i < start+n; i++ {
			if IsBlankAt(b, i) {
				has = true
				return
			}
		}
	})
	if b.Block == nil {
		b.Flag |= FlagBlankChecked
		if has {
			b.Flag |= FlagHasBlank
		} else {
			b.Flag &^= FlagHasBlank
		}
	}
	return has
}

// Returns a uint8 mask of the same shape, 1 where the element is blank
func FlagBlank(b *Buffer, alloc *Allocator) (*Buffer, error) {
	m, err := New(TypeUint8, b.Dsize, true, alloc)
	if err != nil {
		return nil, err
	}
	mask := m.Array.([]uint8)
	o := 0
	b.Indices(func(i int) {
		if IsBlankAt(b, i) {
			mask[o] = 1
		}
		o++
	})
	return m, nil
}

// Counts the non-blank elements of a buffer or view
func NumNonBlank(b *Buffer) int {
	n := 0
	b.Indices(func(i int) {
		if !IsBlankAt(b, i) {
			n++
		}
	})
	return n
}
