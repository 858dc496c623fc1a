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

// Package qsort provides in-place quicksort, partitioning and selection
// for numeric slices and for pixel index lists keyed by value.
package qsort

import (
	"math"

	"github.com/mlnoga/skymesh/internal/data"
)

// Sort an array in ascending order.
// Array must not contain IEEE NaN
func QSort[T data.Number](a []T) {
	for len(a) > 1 {
		index := QPartition(a)
		// recurse into the smaller half, loop over the larger one
		if index+1 < len(a)-index-1 {
			QSort(a[:index+1])
			a = a[index+1:]
		} else {
			QSort(a[index+1:])
			a = a[:index+1]
		}
	}
}

// Partitions an array with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func QPartition[T data.Number](a []T) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid]
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Select kth lowest element (1-based) from an array. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelect[T data.Number](a []T, k int) T {
	left, right := 0, len(a)-1
	for left < right {
		// partition
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break // index in r
			}
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}

// Median of an array, averaging the two middle elements for even lengths.
// Partially reorders the array. Array must not contain IEEE NaN
func Median[T data.Number](a []T) float64 {
	n := len(a)
	if n == 0 {
		return math.NaN()
	}
	upper := QSelect(a, n/2+1)
	if n&1 != 0 {
		return float64(upper)
	}
	// after selection, all elements left of n/2 are <= upper; the lower middle is their maximum
	lower := a[0]
	for _, v := range a[1 : n/2] {
		if v > lower {
			lower = v
		}
	}
	return 0.5 * (float64(lower) + float64(upper))
}

// Sorts pixel indices by descending key value, breaking ties by ascending index.
// The order is total, so the result does not depend on the input permutation.
// Keys must not contain IEEE NaN
func QSortIndicesDesc[T data.Number](idx []int32, key []T) {
	for len(idx) > 1 {
		p := qPartitionIndicesDesc(idx, key)
		if p+1 < len(idx)-p-1 {
			QSortIndicesDesc(idx[:p+1], key)
			idx = idx[p+1:]
		} else {
			QSortIndicesDesc(idx[p+1:], key)
			idx = idx[:p+1]
		}
	}
}

// before reports whether pixel i sorts before pixel j
func before[T data.Number](i, j int32, key []T) bool {
	ki, kj := key[i], key[j]
	return ki > kj || (ki == kj && i < j)
}

func qPartitionIndicesDesc[T data.Number](idx []int32, key []T) int {
	left, right := 0, len(idx)-1
	pivot := idx[(left+right)>>1]
	l, r := left-1, right+1
	for {
		for {
			l++
			if !before(idx[l], pivot, key) {
				break
			}
		}
		for {
			r--
			if !before(pivot, idx[r], key) {
				break
			}
		}
		if l >= r {
			return r
		}
		idx[l], idx[r] = idx[r], idx[l]
	}
}
