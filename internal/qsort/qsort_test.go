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

package qsort

import (
	"testing"

	"github.com/valyala/fastrand"
)

func TestMedian(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 1000; i++ {
		// prepare array of given length with a random permutation of 1..n
		arr := make([]float32, i)
		for j := 0; j < len(arr); j++ {
			arr[j] = float32(j + 1)
		}
		for j := 0; j < len(arr); j++ {
			k := rng.Uint32n(uint32(len(arr)))
			arr[j], arr[k] = arr[k], arr[j]
		}

		// calculate expected result
		var expect float64
		if (i & 1) != 0 {
			expect = float64((i + 1) / 2)
		} else {
			expect = 0.5 * (float64(i/2) + float64(i/2+1))
		}

		// calculate actual result and compare
		res := Median(arr)
		if res != expect {
			t.Errorf("median(1..%d)=%f; want %f", i, res, expect)
		}
	}
}

func TestQSort(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(3)
	for n := 0; n < 300; n += 7 {
		arr := make([]int32, n)
		for j := range arr {
			arr[j] = int32(rng.Uint32n(50))
		}
		QSort(arr)
		for j := 1; j < n; j++ {
			if arr[j-1] > arr[j] {
				t.Fatalf("n=%d: arr[%d]=%d > arr[%d]=%d", n, j-1, arr[j-1], j, arr[j])
			}
		}
	}
}

func TestQSortIndicesDescTieBreak(t *testing.T) {
	key := []float32{1, 5, 3, 5, 1, 9, 3}
	idx := []int32{6, 5, 4, 3, 2, 1, 0}
	QSortIndicesDesc(idx, key)
	want := []int32{5, 1, 3, 2, 6, 0, 4}
	for i := range want {
		if idx[i] != want[i] {
			t.Errorf("idx[%d]=%d; want %d (got %v)", i, idx[i], want[i], idx)
		}
	}
}
