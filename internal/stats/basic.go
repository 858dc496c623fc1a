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

// Package stats provides robust statistics over the non-blank elements of
// buffers and float64 slices: reductions, order statistics, clipping, the
// mirror mode and the signal-in-tile test used by the mesh engine.
package stats

import (
	"fmt"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/qsort"
)

// Ratio of |mean| to standard deviation above which the standard deviation
// is recomputed with a compensated centred pass
const KahanRatio = 1e6

// Summary statistics of a data set
type Summary struct {
	N      int
	Min    float64
	Max    float64
	Sum    float64
	Mean   float64
	Std    float64
	Median float64
	MAD    float64
}

// Pretty print summary statistics
func (s Summary) String() string {
	return fmt.Sprintf("N %d Min %.6g Max %.6g Mean %.6g StdDev %.6g Median %.6g MAD %.4g",
		s.N, s.Min, s.Max, s.Mean, s.Std, s.Median, s.MAD)
}

// Pretty print summary statistics to CSV header
func (s Summary) ToCSVHeader() string {
	return "N,Min,Max,Mean,StdDev,Median,MAD"
}

// Pretty print summary statistics to CSV line
func (s Summary) ToCSVLine() string {
	return fmt.Sprintf("%d,%g,%g,%g,%g,%g,%g", s.N, s.Min, s.Max, s.Mean, s.Std, s.Median, s.MAD)
}

// Minimum of the non-blank values, NaN if there are none
func Minimum(xs []float64) float64 {
	m, n := math.Inf(1), 0
	for _, x := range xs {
		if x != x {
			continue
		}
		if x < m {
			m = x
		}
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return m
}

// Maximum of the non-blank values, NaN if there are none
func Maximum(xs []float64) float64 {
	m, n := math.Inf(-1), 0
	for _, x := range xs {
		if x != x {
			continue
		}
		if x > m {
			m = x
		}
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return m
}

// Sum of the non-blank values, NaN if there are none
func Sum(xs []float64) float64 {
	s, n := 0.0, 0
	for _, x := range xs {
		if x == x {
			s += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return s
}

// Mean of the non-blank values, NaN if there are none
func Mean(xs []float64) float64 {
	m, _ := MeanStd(xs)
	return m
}

// Population standard deviation of the non-blank values
func Std(xs []float64) float64 {
	_, s := MeanStd(xs)
	return s
}

// Mean and population standard deviation of the non-blank values, in a single
// sum and sum-of-squares pass. When the mean dwarfs the deviation the variance
// suffers catastrophic cancellation, so a second centred pass with Kahan
// summation replaces it
func MeanStd(xs []float64) (mean, std float64) {
	n, s, s2 := 0, 0.0, 0.0
	for _, x := range xs {
		if x != x {
			continue
		}
		n++
		s += x
		s2 += x * x
	}
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	fn := float64(n)
	mean = s / fn
	v := s2/fn - mean*mean
	if v < 0 {
		v = 0
	}
	std = math.Sqrt(v)
	if std == 0 || math.Abs(mean) > KahanRatio*std {
		std = centredStd(xs, mean, n)
	}
	return mean, std
}

func centredStd(xs []float64, mean float64, n int) float64 {
	sum, c := 0.0, 0.0
	for _, x := range xs {
		if x != x {
			continue
		}
		d := x - mean
		y := d*d - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return math.Sqrt(sum / float64(n))
}

// Removes blank values. With inplace the input storage is reused,
// otherwise a fresh slice is returned
func NoBlank(xs []float64, inplace bool) []float64 {
	var out []float64
	if inplace {
		out = xs[:0]
	} else {
		out = make([]float64, 0, len(xs))
	}
	for _, x := range xs {
		if x == x {
			out = append(out, x)
		}
	}
	return out
}

// Returns the non-blank values sorted in increasing order. With inplace the
// input storage is reused, otherwise it is left untouched
func Sorted(xs []float64, inplace bool) []float64 {
	out := NoBlank(xs, inplace)
	if !isSortedInc(out) {
		qsort.QSort(out)
	}
	return out
}

func isSortedInc(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[i-1] {
			return false
		}
	}
	return true
}

// Gathers the non-blank elements of a buffer or tile view as float64 into
// scratch, reusing its storage
func Values(b *data.Buffer, scratch []float64) []float64 {
	return data.AppendFloat64s(scratch[:0], b)
}

// Gathers the non-blank elements of a buffer in increasing order. A float64
// buffer flagged as sorted without blanks is returned without copying or sorting
func SortedValues(b *data.Buffer, scratch []float64) []float64 {
	if b.Block == nil && b.Type == data.TypeFloat64 && b.Flag&data.FlagSortedInc != 0 &&
		b.Flag&data.FlagBlankChecked != 0 && b.Flag&data.FlagHasBlank == 0 {
		return b.Array.([]float64)
	}
	xs := Values(b, scratch)
	qsort.QSort(xs)
	return xs
}

// Sorts a float64 buffer in place and records it in the flags, so later
// order statistics skip the sort
func SortBuffer(b *data.Buffer) {
	if b.Block != nil || b.Type != data.TypeFloat64 || b.Flag&data.FlagSortedInc != 0 {
		return
	}
	xs := b.Array.([]float64)
	blanks := data.HasBlank(b)
	if blanks {
		// NaNs do not order, move them to the end
		xs2 := NoBlank(xs, true)
		qsort.QSort(xs2)
		for i := len(xs2); i < len(xs); i++ {
			xs[i] = math.NaN()
		}
		return
	}
	qsort.QSort(xs)
	b.Flag |= data.FlagSortedInc
	b.Flag &^= data.FlagSortedDec
}

// Describes a buffer or tile view
func Describe(b *data.Buffer) Summary {
	xs := SortedValues(b, nil)
	return DescribeSorted(xs)
}

// Describes a sorted slice without blanks
func DescribeSorted(sorted []float64) Summary {
	s := Summary{N: len(sorted)}
	if s.N == 0 {
		nan := math.NaN()
		s.Min, s.Max, s.Sum, s.Mean, s.Std, s.Median, s.MAD = nan, nan, nan, nan, nan, nan, nan
		return s
	}
	s.Min, s.Max = sorted[0], sorted[len(sorted)-1]
	s.Sum = Sum(sorted)
	s.Mean, s.Std = MeanStd(sorted)
	s.Median = MedianSorted(sorted)
	s.MAD = MADSorted(sorted, s.Median)
	return s
}
