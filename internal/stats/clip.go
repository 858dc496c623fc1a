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

// Maximum number of clipping iterations in convergence mode
const MaxConverge = 50

// Returned with the last iteration's result when clipping did not converge
var ErrNotConverged = errors.New("clipping did not converge")

// Post-steps computed on the final clipped sample
type ClipOutputs uint8

const (
	ClipMean ClipOutputs = 1 << iota
	ClipStd
	ClipMedian
	ClipMAD
	ClipAll = ClipMean | ClipStd | ClipMedian | ClipMAD
)

// Clipping parameters. Param below 1 is the relative tolerance on the scale
// for convergence mode, Param of 1 or more the fixed number of iterations
type ClipConfig struct {
	Multip  float64     `json:"multip"  yaml:"multip"`
	Param   float64     `json:"param"   yaml:"param"`
	Outputs ClipOutputs `json:"outputs" yaml:"outputs"`
}

// Default σ-clip: 3σ until the σ changes by less than 1%
func DefaultClip() ClipConfig {
	return ClipConfig{Multip: 3, Param: 0.01, Outputs: ClipAll}
}

// Validates clipping parameters
func (c ClipConfig) Validate() error {
	if !(c.Multip > 0) {
		return errors.New(fmt.Sprintf("clipping multiple %g must be positive", c.Multip))
	}
	if !(c.Param > 0) {
		return errors.New(fmt.Sprintf("clipping parameter %g must be positive", c.Param))
	}
	return nil
}

// Result row of a clipping run. Fields not requested in the outputs are NaN
type ClipResult struct {
	NumUsed    int
	Mean       float64
	Std        float64
	Median     float64
	MAD        float64
	Iterations int
}

// Row as (used, mean, std, median, mad, iterations)
func (r ClipResult) Row() [6]float64 {
	return [6]float64{float64(r.NumUsed), r.Mean, r.Std, r.Median, r.MAD, float64(r.Iterations)}
}

// Sigma-clipping of the non-blank values with the mean as centre and the
// standard deviation as scale
func SigmaClip(xs []float64, cfg ClipConfig, inplace bool) (ClipResult, error) {
	if err := cfg.Validate(); err != nil {
		return blankClip(), err
	}
	return ClipSorted(Sorted(xs, inplace), cfg, false)
}

// Clipping of the non-blank values with the median as centre and the
// median absolute deviation as scale
func MadClip(xs []float64, cfg ClipConfig, inplace bool) (ClipResult, error) {
	if err := cfg.Validate(); err != nil {
		return blankClip(), err
	}
	return ClipSorted(Sorted(xs, inplace), cfg, true)
}

func blankClip() ClipResult {
	nan := math.NaN()
	return ClipResult{Mean: nan, Std: nan, Median: nan, MAD: nan}
}

// Clips a sorted slice without blanks
func ClipSorted(sorted []float64, cfg ClipConfig, useMad bool) (ClipResult, error) {
	_, res, err := ClipWindow(sorted, cfg, useMad)
	return res, err
}

// Clips a sorted slice without blanks and also returns the surviving sample.
// That sample is always a contiguous window of the input, so no copies are made
func ClipWindow(sorted []float64, cfg ClipConfig, useMad bool) ([]float64, ClipResult, error) {
	start, end := 0, len(sorted)
	if end == 0 {
		return sorted, blankClip(), nil
	}
	fixed := cfg.Param >= 1
	numIter := int(cfg.Param)

	var err error
	iter := 0
	oldScale := math.NaN()
	var centre, scale float64
	for {
		centre, scale = locationScale(sorted[start:end], useMad)
		if !fixed && iter > 0 && oldScale > 0 && math.Abs(scale-oldScale)/oldScale < cfg.Param {
			break
		}
		if scale == 0 || (fixed && iter >= numIter) {
			break
		}
		if !fixed && iter >= MaxConverge {
			err = ErrNotConverged
			break
		}
		lo, hi := centre-cfg.Multip*scale, centre+cfg.Multip*scale
		ns := lowerBound(sorted, start, end, lo)
		ne := upperBound(sorted, ns, end, hi)
		iter++
		oldScale = scale
		if ns == start && ne == end {
			// further passes would see the same window
			if fixed {
				iter = numIter
			}
			break
		}
		start, end = ns, ne
		if start >= end {
			break
		}
	}
	w := sorted[start:end]
	return w, clipResult(w, cfg.Outputs, iter), err
}

func locationScale(w []float64, useMad bool) (centre, scale float64) {
	if useMad {
		centre = MedianSorted(w)
		return centre, MADSorted(w, centre)
	}
	return MeanStd(w)
}

func clipResult(w []float64, outputs ClipOutputs, iter int) ClipResult {
	r := blankClip()
	r.NumUsed, r.Iterations = len(w), iter
	if outputs&(ClipMean|ClipStd) != 0 {
		m, s := MeanStd(w)
		if outputs&ClipMean != 0 {
			r.Mean = m
		}
		if outputs&ClipStd != 0 {
			r.Std = s
		}
	}
	if outputs&(ClipMedian|ClipMAD) != 0 {
		m := MedianSorted(w)
		if outputs&ClipMedian != 0 {
			r.Median = m
		}
		if outputs&ClipMAD != 0 {
			r.MAD = MADSorted(w, m)
		}
	}
	return r
}
