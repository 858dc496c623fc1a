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

package stats

import (
	"errors"
	"fmt"
	"math"
)

// Index of quantile q in a sorted array of n elements: (n-1)q rounded half down
func QuantileIndex(n int, q float64) int {
	if n <= 0 {
		return -1
	}
	x := float64(n-1) * q
	i := int(math.Ceil(x - 0.5))
	if i < 0 {
		i = 0
	} else if i > n-1 {
		i = n - 1
	}
	return i
}

// Median of the non-blank values. Averages the two middle elements for even counts
func Median(xs []float64, inplace bool) float64 {
	return MedianSorted(Sorted(xs, inplace))
}

// Median of a sorted slice without blanks
func MedianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n&1 != 0 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}

// Median absolute deviation from the median of the non-blank values
func MAD(xs []float64, inplace bool) float64 {
	s := Sorted(xs, inplace)
	return MADSorted(s, MedianSorted(s))
}

// Median absolute deviation of a sorted slice around the given centre. The
// deviations left and right of the centre form two sorted runs, which are
// merged up to the middle without sorting
func MADSorted(sorted []float64, centre float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	// first index right of the centre
	split := lowerBound(sorted, 0, n, centre)
	l, r := split-1, split
	next := func() float64 {
		if l < 0 {
			r++
			return sorted[r-1] - centre
		}
		if r >= n {
			l--
			return centre - sorted[l+1]
		}
		dl, dr := centre-sorted[l], sorted[r]-centre
		if dl <= dr {
			l--
			return dl
		}
		r++
		return dr
	}
	var prev, cur float64
	for k := 0; k <= n/2; k++ {
		prev, cur = cur, next()
	}
	if n&1 != 0 {
		return cur
	}
	return 0.5 * (prev + cur)
}

// Returns the q-th quantile of the non-blank values
func Quantile(xs []float64, q float64, inplace bool) (float64, error) {
	if !(q >= 0 && q <= 1) {
		return math.NaN(), errors.New(fmt.Sprintf("quantile %g outside [0,1]", q))
	}
	return QuantileSorted(Sorted(xs, inplace), q), nil
}

// The q-th quantile of a sorted slice without blanks, NaN if empty
func QuantileSorted(sorted []float64, q float64) float64 {
	i := QuantileIndex(len(sorted), q)
	if i < 0 {
		return math.NaN()
	}
	return sorted[i]
}

// Quantile function: the quantile at which value sits within a sorted slice
// without blanks. Values below the minimum give -Inf, values above the
// maximum +Inf. A value equal to a run of elements gives the centre of that
// run. Values between elements are linearly interpolated. A single element
// gives 0.5 for its own value
func QuantileFunction(sorted []float64, value float64) float64 {
	n := len(sorted)
	if n == 0 || value != value {
		return math.NaN()
	}
	if value < sorted[0] {
		return math.Inf(-1)
	}
	if value > sorted[n-1] {
		return math.Inf(1)
	}
	if n == 1 {
		return 0.5
	}
	lo := lowerBound(sorted, 0, n, value)
	if sorted[lo] == value {
		hi := upperBound(sorted, lo, n, value) - 1
		return 0.5 * float64(lo+hi) / float64(n-1)
	}
	// sorted[lo-1] < value < sorted[lo]
	a, b := sorted[lo-1], sorted[lo]
	return (float64(lo-1) + (value-a)/(b-a)) / float64(n-1)
}

// First index in sorted[from:to] with an element >= v, or to
func lowerBound(sorted []float64, from, to int, v float64) int {
	for from < to {
		m := int(uint(from+to) >> 1)
		if sorted[m] < v {
			from = m + 1
		} else {
			to = m
		}
	}
	return from
}

// First index in sorted[from:to] with an element > v, or to
func upperBound(sorted []float64, from, to int, v float64) int {
	for from < to {
		m := int(uint(from+to) >> 1)
		if sorted[m] <= v {
			from = m + 1
		} else {
			to = m
		}
	}
	return from
}

// Fraction of the non-blank values within width/2 of the median
func Concentration(xs []float64, width float64, inplace bool) float64 {
	return ConcentrationSorted(Sorted(xs, inplace), width)
}

// Fraction of a sorted slice within width/2 of its median
func ConcentrationSorted(sorted []float64, width float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	m := MedianSorted(sorted)
	lo := lowerBound(sorted, 0, n, m-width/2)
	hi := upperBound(sorted, 0, n, m+width/2)
	return float64(hi-lo) / float64(n)
}
