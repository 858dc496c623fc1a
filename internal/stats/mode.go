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
	"math"
)

// Minimum symmetricity of a trustworthy mirror mode
const GoodSym = 0.2

// Quantile range in which the mode is searched
const (
	ModeLowQ  = 0.01
	ModeHighQ = 0.55
)

// Quantile of the low reference value for the symmetricity
const ModeSymLowQ = 0.01

// Default error threshold, in units of the square root of the mirrored count
const DefaultModeErrorDiff = 5

// The mode found by mirroring
type ModeResult struct {
	Mode     float64 // value at the mirror index
	Quantile float64 // quantile of the mode
	Sym      float64 // symmetricity, good when >= GoodSym
	SymValue float64 // value above the mode where mirror and data diverge
	Index    int     // mirror index into the sorted input
}

// Finds the mode of a sorted slice without blanks: the element around which the
// mirrored lower part best matches the upper part. A golden section search over
// the quantile range [ModeLowQ, ModeHighQ] minimizes the largest difference between
// the cumulative counts of mirror and data. errorDiff sets the tolerance for
// the divergence point which defines the symmetricity
func Mode(sorted []float64, errorDiff float64) ModeResult {
	nan := math.NaN()
	res := ModeResult{Mode: nan, Quantile: nan, Sym: nan, SymValue: nan, Index: -1}
	n := len(sorted)
	if n < 3 {
		return res
	}
	if errorDiff <= 0 {
		errorDiff = DefaultModeErrorDiff
	}
	lo, hi := QuantileIndex(n, ModeLowQ), QuantileIndex(n, ModeHighQ)
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}

	f := func(x float64) float64 { return mirrorMaxDiff(sorted, int(math.Round(x))) }
	gr := (math.Sqrt(5) - 1) / 2
	a, b := float64(lo), float64(hi)
	c, d := b-gr*(b-a), a+gr*(b-a)
	fc, fd := f(c), f(d)
	for b-a > 1 {
		if fc <= fd {
			b, d, fd = d, c, fc
			c = b - gr*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + gr*(b-a)
			fd = f(d)
		}
	}
	m := int(math.Round(0.5 * (a + b)))

	res.Index = m
	res.Mode = sorted[m]
	res.Quantile = float64(m) / float64(n-1)
	res.SymValue = mirrorDivergence(sorted, m, errorDiff)
	if low := sorted[QuantileIndex(n, ModeSymLowQ)]; res.Mode > low {
		res.Sym = (res.SymValue - res.Mode) / (res.Mode - low)
	}
	return res
}

// Walks outward from the mirror index m. For the k-th element below the
// mirror, compares k with the number of elements above the mirror within
// the same distance. Returns the largest difference, normalized by the
// square root of the mirrored count
func mirrorMaxDiff(sorted []float64, m int) float64 {
	n := len(sorted)
	M := sorted[m]
	steps := m
	if n-1-m < steps {
		steps = n - 1 - m
	}
	maxDiff := 0.0
	j := m + 1
	for k := 1; k <= steps; k++ {
		d := M - sorted[m-k]
		for j < n && sorted[j] <= M+d {
			j++
		}
		if diff := math.Abs(float64(j - m - 1 - k)); diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff / math.Sqrt(float64(m+1))
}

// Returns the value above the mirror index where data and mirror first differ
// by more than errorDiff times the square root of the mirrored count. If they
// never do, returns the mirror image of the minimum
func mirrorDivergence(sorted []float64, m int, errorDiff float64) float64 {
	n := len(sorted)
	M := sorted[m]
	j := m + 1
	for k := 1; k <= m; k++ {
		d := M - sorted[m-k]
		for j < n && sorted[j] <= M+d {
			j++
		}
		if math.Abs(float64(j-m-1-k)) > errorDiff*math.Sqrt(float64(k)) {
			return M + d
		}
	}
	return 2*M - sorted[0]
}

// Histograms and cumulative frequency plots of the data and of its mirror
// around the element at index m, over numBins bins from the minimum to its
// mirror image. The cumulative plots are normalized to 1
func MirrorPlots(sorted []float64, m, numBins int) (hist, cfp, mirrorHist, mirrorCFP []float64) {
	hist, mirrorHist = make([]float64, numBins), make([]float64, numBins)
	if len(sorted) == 0 || m < 0 || m >= len(sorted) || numBins <= 0 {
		return hist, CFP(hist), mirrorHist, CFP(mirrorHist)
	}
	M := sorted[m]
	min, max := sorted[0], 2*M-sorted[0]
	Histogram(sorted, min, max, hist)
	mirror := make([]float64, 0, 2*m+1)
	mirror = append(mirror, sorted[:m+1]...)
	for i := m - 1; i >= 0; i-- {
		mirror = append(mirror, 2*M-sorted[i])
	}
	Histogram(mirror, min, max, mirrorHist)
	return hist, CFP(hist), mirrorHist, CFP(mirrorHist)
}
