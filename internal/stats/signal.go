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

// Default allowed distance of the quantile of the clipped mean from the median
const DefaultMeanQDiff = 0.01

// Outcome of the signal-in-tile test
type Signal struct {
	Valid          bool       // no significant signal detected
	QuantileOfMean float64    // quantile of the clipped mean within the sample
	Clip           ClipResult // σ-clipped statistics of the sample
}

// Tests a sample for astronomical signal. Signal skews the distribution, which
// pulls the mean away from the median. The sample is σ-clipped, then the
// quantile of the clipped mean within the full sample is compared to 0.5. The
// sample is valid when the difference is at most meanQDiff. A clipping run
// which does not converge is returned with its error and an invalid result
func SignalInTile(xs []float64, meanQDiff float64, clip ClipConfig, inplace bool) (Signal, error) {
	if err := clip.Validate(); err != nil {
		return Signal{QuantileOfMean: math.NaN(), Clip: blankClip()}, err
	}
	return SignalInTileSorted(Sorted(xs, inplace), meanQDiff, clip)
}

// Signal-in-tile test on a sorted slice without blanks
func SignalInTileSorted(sorted []float64, meanQDiff float64, clip ClipConfig) (Signal, error) {
	clip.Outputs |= ClipMean | ClipStd
	res, err := ClipSorted(sorted, clip, false)
	s := Signal{Clip: res, QuantileOfMean: math.NaN()}
	if err != nil || res.NumUsed == 0 {
		return s, err
	}
	s.QuantileOfMean = QuantileFunction(sorted, res.Mean)
	s.Valid = math.Abs(s.QuantileOfMean-0.5) <= meanQDiff
	return s, nil
}
