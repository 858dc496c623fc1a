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
	"fmt"
	"io"
	"math"
)

// Extended statistics of one sample: the summary, the mirror mode, σ- and
// MAD-clipped estimates, and the histogram with its Gaussian peak fit
type Report struct {
	Basic             Summary
	Mode              ModeResult
	Sigma, Mad        ClipResult
	SigmaErr, MadErr  error
	PeakMode, PeakStd float64
	Hist              []float64 // numBins bins from minimum to maximum

	// Data and its mirror around the mode, from the minimum to its mirror image
	DataHist, DataCFP     []float64
	MirrorHist, MirrorCFP []float64
}

// Computes the report over a sorted slice without blanks. numBins of zero
// skips the histograms
func NewReport(sorted []float64, numBins int, clip ClipConfig) Report {
	r := Report{Basic: DescribeSorted(sorted), PeakMode: math.NaN(), PeakStd: math.NaN()}
	r.Mode = Mode(sorted, DefaultModeErrorDiff)
	clip.Outputs = ClipAll
	r.Sigma, r.SigmaErr = SigmaClip(sorted, clip, true)
	r.Mad, r.MadErr = MadClip(sorted, clip, true)
	if numBins <= 0 || r.Basic.N == 0 {
		return r
	}
	r.Hist = make([]float64, numBins)
	Histogram(sorted, r.Basic.Min, r.Basic.Max, r.Hist)
	if mode, std, err := FitHistogramPeak(r.Hist, r.Basic.Min, r.Basic.Max); err == nil {
		r.PeakMode, r.PeakStd = mode, std
	}
	if r.Mode.Index >= 0 {
		r.DataHist, r.DataCFP, r.MirrorHist, r.MirrorCFP = MirrorPlots(sorted, r.Mode.Index, numBins)
	}
	return r
}

// Writes the report, one quantity per line, each prefixed. With mirror set,
// also writes the mirror plots as a tab separated table
func (r Report) Print(w io.Writer, prefix string, mirror bool) {
	fmt.Fprintf(w, "%s%s\n", prefix, r.Basic)
	fmt.Fprintf(w, "%sMode %.6g at quantile %.4f, symmetricity %.3f\n", prefix, r.Mode.Mode, r.Mode.Quantile, r.Mode.Sym)
	printClip(w, prefix, "Sigma clip", r.Sigma, r.SigmaErr)
	printClip(w, prefix, "MAD clip", r.Mad, r.MadErr)
	if r.Hist == nil {
		return
	}
	if !math.IsNaN(r.PeakMode) {
		fmt.Fprintf(w, "%sHistogram peak at %.6g, width %.4g\n", prefix, r.PeakMode, r.PeakStd)
	} else {
		fmt.Fprintf(w, "%sNo histogram peak\n", prefix)
	}
	if !mirror || r.MirrorHist == nil {
		return
	}
	fmt.Fprintf(w, "%sbin\thist\tmirror\tcfp\tmirrorcfp\n", prefix)
	for i := range r.MirrorHist {
		fmt.Fprintf(w, "%s%d\t%g\t%g\t%.4f\t%.4f\n", prefix, i, r.DataHist[i], r.MirrorHist[i], r.DataCFP[i], r.MirrorCFP[i])
	}
}

func printClip(w io.Writer, prefix, name string, c ClipResult, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s%s: %s\n", prefix, name, err.Error())
	}
	fmt.Fprintf(w, "%s%s: used %d after %d iterations, mean %.6g std %.6g median %.6g mad %.6g\n",
		prefix, name, c.NumUsed, c.Iterations, c.Mean, c.Std, c.Median, c.MAD)
}
