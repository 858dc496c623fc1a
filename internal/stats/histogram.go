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
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Calculate histogram of data between min and max into given bins. Values
// outside are ignored, max itself falls into the last bin
func Histogram(data []float64, min, max float64, bins []float64) {
	for i := range bins {
		bins[i] = 0
	}
	if len(bins) == 0 || !(max > min) {
		return
	}
	scale := float64(len(bins)) / (max - min)
	last := len(bins) - 1
	for _, d := range data {
		if !(d >= min && d <= max) {
			continue
		}
		index := int((d - min) * scale)
		if index > last {
			index = last
		}
		bins[index]++
	}
}

// Centre of the i-th of numBins bins between min and max
func BinCentre(i, numBins int, min, max float64) float64 {
	return min + (float64(i)+0.5)*(max-min)/float64(numBins)
}

// Cumulative frequency plot of a histogram, normalized to 1
func CFP(bins []float64) []float64 {
	cfp := make([]float64, len(bins))
	sum := 0.0
	for i, b := range bins {
		sum += b
		cfp[i] = sum
	}
	if sum > 0 {
		for i := range cfp {
			cfp[i] /= sum
		}
	}
	return cfp
}

// Returns the location and the value of the histogram peak
func GetPeak(bins []float64, min, max float64) (x, y float64) {
	maxIndex, maxValue := -1, math.Inf(-1)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	if maxIndex < 0 {
		return math.NaN(), math.NaN()
	}
	return BinCentre(maxIndex, len(bins), min, max), maxValue
}

// Calculates the mode and the standard deviation of the given histogram by
// fitting a Gaussian to it
func FitHistogramPeak(bins []float64, min, max float64) (mode, stdDev float64, err error) {
	if len(bins) < 3 || !(max > min) {
		return math.NaN(), math.NaN(), errors.New("histogram too small for a peak fit")
	}
	// Take an educated initial guess: the histogram peak, with the half width
	// at half maximum as the deviation
	peak, peakVal := GetPeak(bins, min, max)
	binWidth := (max - min) / float64(len(bins))
	hwhm := 0.0
	for _, v := range bins {
		if v >= 0.5*peakVal {
			hwhm += 0.5 * binWidth
		}
	}
	sigma0 := hwhm / 1.1774
	if sigma0 <= 0 {
		sigma0 = binWidth
	}
	alpha0 := peakVal * sigma0 * math.Sqrt(2*math.Pi)

	// Now minimize the distance between the histogram and a normal distribution
	x0 := []float64{alpha0, peak, sigma0}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], x[2]
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := 0.0
			for i, y := range bins {
				xmusig := (BinCentre(i, len(bins), min, max) - mu) / sigma
				diff := y - scaler*math.Exp(-0.5*xmusig*xmusig)
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	return result.X[1], math.Abs(result.X[2]), nil
}
