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
	"strings"
)

// Element type of a buffer
type Type uint8

const (
	TypeInvalid Type = iota
	TypeBit
	TypeUint8
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeUint64
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeComplex64
	TypeComplex128
	TypeString
)

var typeNames = []string{"invalid", "bit", "uint8", "int8", "uint16", "int16", "uint32", "int32",
	"uint64", "int64", "float32", "float64", "complex64", "complex128", "string"}

var typeSizes = []int{0, 1, 1, 1, 2, 2, 4, 4, 8, 8, 4, 8, 8, 16, 0}

func (t Type) String() string {
	if int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// Size of one element in bytes. Zero for strings, which cannot be memory-mapped
func (t Type) Size() int {
	if int(t) >= len(typeSizes) {
		return 0
	}
	return typeSizes[t]
}

func (t Type) IsInteger() bool { return t >= TypeUint8 && t <= TypeInt64 }
func (t Type) IsFloat() bool   { return t == TypeFloat32 || t == TypeFloat64 }
func (t Type) IsNumeric() bool { return t.IsInteger() || t.IsFloat() }

// Parses a type name as printed by String()
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range typeNames {
		if i > 0 && n == s {
			return Type(i), nil
		}
	}
	return TypeInvalid, errors.New(fmt.Sprintf("unknown element type '%s'", s))
}

// Numeric element types with per-type kernels. Deliberately exact types, so
// that values can round-trip through interface{} type assertions
type Number interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64
}

// Returns the runtime type tag for the numeric type parameter
func TypeOf[T Number]() Type {
	var z T
	switch any(z).(type) {
	case uint8:
		return TypeUint8
	case int8:
		return TypeInt8
	case uint16:
		return TypeUint16
	case int16:
		return TypeInt16
	case uint32:
		return TypeUint32
	case int32:
		return TypeInt32
	case uint64:
		return TypeUint64
	case int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	}
	return TypeInvalid
}

// Blank string value
const BlankString = "n/a"

// Returns the blank sentinel for the numeric type parameter: maximum for unsigned,
// minimum for signed integers, NaN for floats
func Blank[T Number]() T {
	var z T
	var r any
	switch any(z).(type) {
	case uint8:
		r = uint8(math.MaxUint8)
	case int8:
		r = int8(math.MinInt8)
	case uint16:
		r = uint16(math.MaxUint16)
	case int16:
		r = int16(math.MinInt16)
	case uint32:
		r = uint32(math.MaxUint32)
	case int32:
		r = int32(math.MinInt32)
	case uint64:
		r = uint64(math.MaxUint64)
	case int64:
		r = int64(math.MinInt64)
	case float32:
		r = float32(math.NaN())
	case float64:
		r = math.NaN()
	}
	return r.(T)
}

// Checks a single value for blankness. Uses self-inequality for floats, where
// equality with NaN is impossible
func IsBlankValue[T Number](v, blank T) bool {
	return v != v || v == blank
}

// Returns the blank value of a numeric type converted to float64. NaN for floats
func BlankFloat64(t Type) float64 {
	switch t {
	case TypeUint8:
		return math.MaxUint8
	case TypeInt8:
		return math.MinInt8
	case TypeUint16:
		return math.MaxUint16
	case TypeInt16:
		return math.MinInt16
	case TypeUint32:
		return math.MaxUint32
	case TypeInt32:
		return math.MinInt32
	case TypeUint64:
		return math.MaxUint64
	case TypeInt64:
		return math.MinInt64
	}
	return math.NaN()
}
