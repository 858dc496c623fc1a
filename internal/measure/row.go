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

package measure

import (
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/skymesh/internal/stats"
)

// Measurements of one object or clump. Values are sky subtracted, positions
// are 0-based pixel coordinates with axis 0 slowest
type Row struct {
	ID            int32
	HostObj       int32 // host object of a clump
	NumClumps     int   // clumps of an object
	Area          int
	Sum           float64
	SumErr        float64
	SN            float64
	Mag           float64
	MagErr        float64
	Mean          float64
	Median        float64
	MAD           float64
	Std           float64 // of the values around their mean
	ClipMean      float64
	ClipMedian    float64
	ClipStd       float64
	Min           float64
	Max           float64
	Concentration float64 // fraction of values within half the mean noise of the median
	GeoCentre     []float64
	Centre        []float64 // positive brightness weighted
	SemiMajor     float64
	SemiMinor     float64
	PositionAngle float64 // degrees from the last axis towards the one before
	UpperLimit    float64
	UpperLimitMag float64
	UpperLimitNum int       // apertures placed
	SliceSum      []float64 // per slice along axis 0, three dimensions only
}

// A row with every measurement blank
func nanRow(id int32, ndim int) Row {
	nan := math.NaN()
	r := Row{ID: id, Sum: nan, SumErr: nan, SN: nan, Mag: nan, MagErr: nan, Mean: nan, Median: nan, MAD: nan, Std: nan,
		ClipMean: nan, ClipMedian: nan, ClipStd: nan, Min: nan, Max: nan, Concentration: nan,
		SemiMajor: nan, SemiMinor: nan, PositionAngle: nan, UpperLimit: nan, UpperLimitMag: nan,
		GeoCentre: make([]float64, ndim), Centre: make([]float64, ndim)}
	for i := 0; i < ndim; i++ {
		r.GeoCentre[i], r.Centre[i] = nan, nan
	}
	return r
}

// Magnitude of a flux, NaN for non-positive fluxes
func Magnitude(flux, zeroPoint float64) float64 {
	if !(flux > 0) {
		return math.NaN()
	}
	return -2.5*math.Log10(flux) + zeroPoint
}

// Measures a label from its pixels in two passes: moments and sums first,
// then order statistics over the value buffer
func (m *measurer) row(pix []int32, scratch *[]float64) Row {
	nd := len(m.dsize)
	r := nanRow(0, nd)
	if len(pix) == 0 {
		return r
	}
	r.Area = len(pix)

	// Pass 1
	geo := make([]float64, nd)
	cen := make([]float64, nd)
	var gxx, gyy, gxy, bxx, byy, bxy float64
	sum, sumVar, sumPos, sumStd := 0.0, 0.0, 0.0, 0.0
	min, max := math.Inf(1), math.Inf(-1)
	if nd == 3 {
		r.SliceSum = make([]float64, m.dsize[0])
	}
	vals := (*scratch)[:0]
	var c [3]int
	for _, p := range pix {
		coords(int(p), m.dsize, c[:nd])
		for d := 0; d < nd; d++ {
			geo[d] += float64(c[d])
		}
		if nd >= 2 {
			y, x := float64(c[nd-2]), float64(c[nd-1])
			gyy += y * y
			gxx += x * x
			gxy += x * y
		}
		if m.is[p] != m.is[p] {
			continue
		}
		v := float64(m.is[p] - m.sky[p])
		vals = append(vals, v)
		sum += v
		sumVar += float64(m.std[p]) * float64(m.std[p])
		sumStd += float64(m.std[p])
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		if nd == 3 {
			r.SliceSum[c[0]] += v
		}
		if v > 0 {
			sumPos += v
			for d := 0; d < nd; d++ {
				cen[d] += v * float64(c[d])
			}
			if nd >= 2 {
				y, x := float64(c[nd-2]), float64(c[nd-1])
				byy += v * y * y
				bxx += v * x * x
				bxy += v * x * y
			}
		}
	}
	*scratch = vals
	n := float64(len(pix))
	for d := 0; d < nd; d++ {
		geo[d] /= n
		r.GeoCentre[d] = geo[d]
	}
	if sumPos > 0 {
		for d := 0; d < nd; d++ {
			r.Centre[d] = cen[d] / sumPos
		}
	} else {
		copy(r.Centre, r.GeoCentre)
	}
	if nd >= 2 {
		if sumPos > 0 {
			y, x := r.Centre[nd-2], r.Centre[nd-1]
			r.SemiMajor, r.SemiMinor, r.PositionAngle = ellipse(bxx/sumPos-x*x, byy/sumPos-y*y, bxy/sumPos-x*y)
		} else {
			y, x := geo[nd-2], geo[nd-1]
			r.SemiMajor, r.SemiMinor, r.PositionAngle = ellipse(gxx/n-x*x, gyy/n-y*y, gxy/n-x*y)
		}
	}
	if len(vals) == 0 {
		return r
	}

	r.Sum, r.Min, r.Max = sum, min, max
	r.Mean = sum / float64(len(vals))
	r.SumErr = math.Sqrt(sumVar)
	if sumVar > 0 {
		r.SN = sum / r.SumErr
		r.MagErr = 2.5 / math.Ln10 / r.SN
	}
	r.Mag = Magnitude(sum, m.cfg.ZeroPoint)

	if len(vals) > 1 {
		_, r.Std = stat.PopMeanStdDev(vals, nil)
	}

	// Pass 2
	sorted := stats.Sorted(vals, true)
	r.Median = stats.MedianSorted(sorted)
	r.MAD = stats.MADSorted(sorted, r.Median)
	r.Concentration = stats.ConcentrationSorted(sorted, sumStd/float64(len(vals)))
	clip := m.cfg.Clip
	clip.Outputs |= stats.ClipMean | stats.ClipMedian | stats.ClipStd
	if cr, _ := stats.ClipSorted(sorted, clip, false); cr.NumUsed > 0 {
		r.ClipMean, r.ClipMedian, r.ClipStd = cr.Mean, cr.Median, cr.Std
	}
	return r
}

func coords(i int, dsize []int, c []int) {
	for d := len(dsize) - 1; d >= 0; d-- {
		c[d] = i % dsize[d]
		i /= dsize[d]
	}
}

// Semi-axes and position angle of the ellipse with the given second central
// moments along x (last axis) and y
func ellipse(xx, yy, xy float64) (a, b, theta float64) {
	cov := mat.NewSymDense(2, []float64{xx, xy, xy, yy})
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return math.NaN(), math.NaN(), math.NaN()
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues ascend
	a = math.Sqrt(math.Max(vals[1], 0))
	b = math.Sqrt(math.Max(vals[0], 0))
	theta = math.Atan2(vecs.At(1, 1), vecs.At(0, 1)) * 180 / math.Pi
	if theta > 90 {
		theta -= 180
	} else if theta <= -90 {
		theta += 180
	}
	return a, b, theta
}

// Places random copies of the label footprint on undetected, non-blank areas
// of the image and derives the upper limit from the scatter of their sums
func (m *measurer) upperLimit(r *Row, pix []int32, rng *fastrand.RNG, scratch *[]float64) {
	nd := len(m.dsize)
	var c [3]int
	lo, hi := [3]int{}, [3]int{}
	for d := 0; d < nd; d++ {
		lo[d], hi[d] = math.MaxInt32, -1
	}
	for _, p := range pix {
		coords(int(p), m.dsize, c[:nd])
		for d := 0; d < nd; d++ {
			if c[d] < lo[d] {
				lo[d] = c[d]
			}
			if c[d] > hi[d] {
				hi[d] = c[d]
			}
		}
	}
	span := [3]uint32{}
	for d := 0; d < nd; d++ {
		ext := hi[d] - lo[d] + 1
		if ext > m.dsize[d] || len(pix) == 0 {
			return
		}
		span[d] = uint32(m.dsize[d] - ext + 1)
	}

	// footprint as linear offsets from the bounding box origin
	strides := [3]int{}
	s := 1
	for d := nd - 1; d >= 0; d-- {
		strides[d] = s
		s *= m.dsize[d]
	}
	origin := 0
	for d := 0; d < nd; d++ {
		origin += lo[d] * strides[d]
	}
	offs := make([]int, len(pix))
	for i, p := range pix {
		offs[i] = int(p) - origin
	}

	sums := (*scratch)[:0]
	maxAttempts := m.cfg.UpNum * m.cfg.MaxUpFactor
	for attempt := 0; attempt < maxAttempts && len(sums) < m.cfg.UpNum; attempt++ {
		start := 0
		for d := 0; d < nd; d++ {
			start += int(rng.Uint32n(span[d])) * strides[d]
		}
		sum, ok := 0.0, true
		for _, o := range offs {
			q := start + o
			if m.dets[q] > 0 || m.is[q] != m.is[q] {
				ok = false
				break
			}
			sum += float64(m.is[q] - m.sky[q])
		}
		if ok {
			sums = append(sums, sum)
		}
	}
	*scratch = sums
	r.UpperLimitNum = len(sums)
	if len(sums) < m.cfg.UpNum {
		return
	}
	clip := m.cfg.Clip
	clip.Outputs |= stats.ClipStd
	cr, _ := stats.SigmaClip(sums, clip, true)
	if cr.NumUsed == 0 {
		return
	}
	r.UpperLimit = m.cfg.UpNSigma * cr.Std
	r.UpperLimitMag = Magnitude(r.UpperLimit, m.cfg.ZeroPoint)
}
