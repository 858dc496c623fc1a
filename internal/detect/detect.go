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

// Package detect finds signal above the sky in an image. Pixels of the
// convolved image above a threshold form pseudo-detections, and those
// significantly brighter than the pseudo-detections found in pure noise
// become detections.
package detect

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/label"
	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/stats"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Returned when too few pseudo-detections are found in the noise
var ErrTooFewNoise = errors.New("too few noise pseudo-detections")

// Detection parameters
type Config struct {
	Mesh            mesh.Config  `json:"mesh"            yaml:"mesh"`
	QThreshMultip   float64      `json:"qthreshMultip"   yaml:"qthresh_multip"`   // threshold in convolved σ above the convolved sky
	QuantileThresh  bool         `json:"quantileThresh"  yaml:"quantile_thresh"`  // threshold on a per-tile quantile instead
	QThresh         float64      `json:"qthresh"         yaml:"qthresh"`          // quantile for the quantile threshold
	MinNumFalse     int          `json:"minNumFalse"     yaml:"min_num_false"`    // minimum area of a pseudo-detection
	StrictSigma     float64      `json:"strictSigma"     yaml:"strict_sigma"`     // convolved peak needed to be more than noise
	SNQuant         float64      `json:"snQuant"         yaml:"sn_quant"`         // quantile of the noise S/N used as cut
	MinNoiseSamples int          `json:"minNoiseSamples" yaml:"min_noise_samples"`
	Dilate          int          `json:"dilate"          yaml:"dilate"`
	SkyIterations   int          `json:"skyIterations"   yaml:"sky_iterations"`   // sky re-estimations with detections masked
	NumThreads      int          `json:"-"               yaml:"-"`
	Log             io.Writer    `json:"-"               yaml:"-"`
	Cancel          *pool.Cancel `json:"-"               yaml:"-"`
}

// Default detection parameters
func DefaultConfig() Config {
	return Config{
		Mesh:            mesh.DefaultConfig(),
		QThreshMultip:   1,
		QThresh:         0.84,
		MinNumFalse:     5,
		StrictSigma:     5,
		SNQuant:         0.99,
		MinNoiseSamples: 50,
		Dilate:          1,
		SkyIterations:   1,
	}
}

// Validates the detection parameters
func (c Config) Validate() error {
	if c.QuantileThresh {
		if !(c.QThresh > 0 && c.QThresh < 1) {
			return errors.New(fmt.Sprintf("threshold quantile %g outside (0,1)", c.QThresh))
		}
	} else if !(c.QThreshMultip >= 0) {
		return errors.New(fmt.Sprintf("threshold multiplier %g must not be negative", c.QThreshMultip))
	}
	if !(c.SNQuant > 0 && c.SNQuant < 1) {
		return errors.New(fmt.Sprintf("S/N quantile %g outside (0,1)", c.SNQuant))
	}
	if c.MinNumFalse < 1 || c.MinNoiseSamples < 1 {
		return errors.New(fmt.Sprintf("minimum area %d and noise samples %d must be positive", c.MinNumFalse, c.MinNoiseSamples))
	}
	if c.Dilate < 0 || c.SkyIterations < 0 {
		return errors.New(fmt.Sprintf("dilation %d and sky iterations %d must not be negative", c.Dilate, c.SkyIterations))
	}
	return c.Mesh.Validate()
}

// Outcome of a detection run. Sky and noise buffers are at image resolution
type Result struct {
	Labels        *data.Buffer // int32 detection labels, 0 for the sky
	NumDetections int
	Noise         *data.Buffer // int32 labels of the noise-only pseudo-detections
	NumNoise      int
	Sky, Std      *data.Buffer
	ConvSky       *data.Buffer
	ConvStd       *data.Buffer
	SkyPlane      *mesh.Plane
	StdPlane      *mesh.Plane
	SNCut         float64 // NaN when the S/N phase was skipped
	Iterations    int
}

// Frees the buffers of a result
func (r *Result) Free() {
	for _, b := range []*data.Buffer{r.Labels, r.Noise, r.Sky, r.Std, r.ConvSky, r.ConvStd} {
		if b != nil {
			b.Free()
		}
	}
}

// Detection mask, 1 for detected pixels
func (r *Result) Mask() []uint8 {
	ls := r.Labels.Array.([]int32)
	m := make([]uint8, len(ls))
	for i, l := range ls {
		if l > 0 {
			m[i] = 1
		}
	}
	return m
}

// Sky, noise and threshold at image resolution
type background struct {
	sky, std, convSky, convStd, thresh *data.Buffer
	skyPlane, stdPlane                 *mesh.Plane
}

func (b *background) free() {
	for _, buf := range []*data.Buffer{b.sky, b.std, b.convSky, b.convStd, b.thresh} {
		if buf != nil {
			buf.Free()
		}
	}
}

// Detects signal in a float32 image, given its convolution with a smoothing
// kernel. Both images are tessellated with the same tile configuration
func Detect(img, conv *data.Buffer, tcfg tile.Config, cfg Config, alloc *data.Allocator) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if img.Type != data.TypeFloat32 || conv.Type != data.TypeFloat32 || img.IsView() || conv.IsView() ||
		!data.SameShape(img, conv) {
		return nil, errors.New(fmt.Sprintf("cannot detect on %v convolved to %v, need owned float32 images of one shape", img, conv))
	}
	if img.Ndim() > 3 {
		return nil, errors.New(fmt.Sprintf("cannot detect on %d dimensions", img.Ndim()))
	}
	d := &detector{img: img, conv: conv, tcfg: tcfg, cfg: cfg, alloc: alloc}
	var err error
	if d.gImg, err = tile.New(img, tcfg); err != nil {
		return nil, err
	}
	if d.gConv, err = tile.New(conv, tcfg); err != nil {
		return nil, err
	}
	if d.top, err = label.NewTopology(img.Dsize, img.Ndim()); err != nil {
		return nil, err
	}

	bg, err := d.background(img, conv)
	if err != nil {
		return nil, err
	}
	res, mask, err := d.detect(bg)
	if err != nil {
		bg.free()
		return nil, err
	}
	for it := 0; it < cfg.SkyIterations && res.SNCut == res.SNCut; it++ {
		maskedImg, maskedConv, err := d.masked(mask)
		if err != nil {
			res.Free()
			return nil, err
		}
		nbg, err := d.background(maskedImg, maskedConv)
		maskedImg.Free()
		maskedConv.Free()
		if err != nil {
			res.Free()
			return nil, err
		}
		nres, nmask, err := d.detect(nbg)
		if err != nil {
			nbg.free()
			res.Free()
			return nil, err
		}
		nres.Iterations = res.Iterations + 1
		res.Free()
		res = nres
		if sameMask(mask, nmask) {
			break
		}
		mask = nmask
	}
	if cfg.Log != nil {
		fmt.Fprintf(cfg.Log, "Detect: %d detections after %d sky iterations, S/N cut %.3f from %d noise pseudo-detections\n",
			res.NumDetections, res.Iterations, res.SNCut, res.NumNoise)
	}
	return res, nil
}

type detector struct {
	img, conv   *data.Buffer
	tcfg        tile.Config
	cfg         Config
	alloc       *data.Allocator
	gImg, gConv *tile.Grid
	top         *label.Topology
}

func (d *detector) meshConfig() mesh.Config {
	mc := d.cfg.Mesh
	mc.NumThreads, mc.Log, mc.Cancel = d.cfg.NumThreads, d.cfg.Log, d.cfg.Cancel
	return mc
}

// Estimates sky and noise of the given image and its convolution, which may
// have detections blanked. The planes are upsampled over the unmasked images
func (d *detector) background(img, conv *data.Buffer) (*background, error) {
	mc := d.meshConfig()
	bg := &background{}
	gImg, gConv := d.gImg, d.gConv
	var err error
	if img != d.img {
		if gImg, err = tile.New(img, d.tcfg); err != nil {
			return nil, err
		}
		if gConv, err = tile.New(conv, d.tcfg); err != nil {
			return nil, err
		}
	}
	skyImg, err := mesh.Sky(gImg, mc)
	if err != nil {
		return nil, err
	}
	skyConv, err := mesh.Sky(gConv, mc)
	if err != nil {
		return nil, err
	}
	skyImg.Sky.Grid, skyImg.Std.Grid = d.gImg, d.gImg
	skyConv.Sky.Grid, skyConv.Std.Grid = d.gConv, d.gConv
	bg.skyPlane, bg.stdPlane = skyImg.Sky, skyImg.Std

	ups := []struct {
		p   *mesh.Plane
		dst **data.Buffer
	}{
		{skyImg.Sky, &bg.sky}, {skyImg.Std, &bg.std}, {skyConv.Sky, &bg.convSky}, {skyConv.Std, &bg.convStd},
	}
	for _, u := range ups {
		if *u.dst, err = mesh.Upsample(u.p, mc.Bilinear, d.alloc, mc); err != nil {
			bg.free()
			return nil, err
		}
	}

	if d.cfg.QuantileThresh {
		planes, err := mesh.Reduce(gConv, []string{"QTHRESH"}, mesh.QuantileReducer(d.cfg.QThresh), mc)
		if err == nil {
			err = mesh.Interpolate(planes, mc)
		}
		if err == nil {
			err = mesh.Smooth(planes[0], mc.SmoothWidth, mc)
		}
		if err == nil {
			planes[0].Grid = d.gConv
			bg.thresh, err = mesh.Upsample(planes[0], mc.Bilinear, d.alloc, mc)
		}
		if err != nil {
			bg.free()
			return nil, err
		}
	} else {
		if bg.thresh, err = data.New(data.TypeFloat32, d.conv.Dsize, false, d.alloc); err != nil {
			bg.free()
			return nil, err
		}
		t, cs, cd := bg.thresh.Array.([]float32), bg.convSky.Array.([]float32), bg.convStd.Array.([]float32)
		m := float32(d.cfg.QThreshMultip)
		for i := range t {
			t[i] = cs[i] + m*cd[i]
		}
	}
	return bg, nil
}

// Copies of image and convolution with the masked pixels blank
func (d *detector) masked(mask []uint8) (img, conv *data.Buffer, err error) {
	if img, err = data.Copy(d.img, d.alloc); err != nil {
		return nil, nil, err
	}
	if conv, err = data.Copy(d.conv, d.alloc); err != nil {
		img.Free()
		return nil, nil, err
	}
	nan := float32(math.NaN())
	is, cs := img.Array.([]float32), conv.Array.([]float32)
	for i, m := range mask {
		if m != 0 {
			is[i], cs[i] = nan, nan
		}
	}
	img.Touch()
	conv.Touch()
	return img, conv, nil
}

// Runs one detection pass against a background, which the result takes over
func (d *detector) detect(bg *background) (*Result, []uint8, error) {
	res := &Result{
		Sky: bg.sky, Std: bg.std, ConvSky: bg.convSky, ConvStd: bg.convStd,
		SkyPlane: bg.skyPlane, StdPlane: bg.stdPlane, SNCut: math.NaN(),
	}
	defer func() {
		if bg.thresh != nil {
			bg.thresh.Free()
		}
	}()
	var err error
	if res.Labels, err = data.New(data.TypeInt32, d.img.Dsize, true, d.alloc); err != nil {
		return nil, nil, err
	}
	res.Labels.Name = "DETECTIONS"
	if res.Noise, err = data.New(data.TypeInt32, d.img.Dsize, true, d.alloc); err != nil {
		res.Labels.Free()
		return nil, nil, err
	}
	res.Noise.Name = "NOISE"
	labels := res.Labels.Array.([]int32)
	is, cs := d.img.Array.([]float32), d.conv.Array.([]float32)
	sky, std := bg.sky.Array.([]float32), bg.std.Array.([]float32)

	if zeroNoise(bg.stdPlane) {
		if d.cfg.Log != nil {
			fmt.Fprintf(d.cfg.Log, "Detect: noise is zero, labelling all pixels above the sky\n")
		}
		res.NumDetections = label.ConnectedInto(labels, func(i int) bool { return is[i] > sky[i] }, d.top)
		return res, res.Mask(), nil
	}

	// Pseudo-detections
	thresh := bg.thresh.Array.([]float32)
	pseudo := make([]int32, len(labels))
	num := label.ConnectedInto(pseudo, func(i int) bool { return cs[i] >= thresh[i] }, d.top)
	num = label.RemoveSmall(pseudo, num, d.cfg.MinNumFalse)
	pix := label.Pixels(pseudo, num)

	// Their S/N and strictness
	sn := make([]float64, num+1)
	strict := make([]bool, num+1)
	convSky, convStd := bg.convSky.Array.([]float32), bg.convStd.Array.([]float32)
	strictMultip := float32(d.cfg.StrictSigma)
	err = pool.Run(num, pool.NumThreads(d.cfg.NumThreads), d.cfg.Cancel, func(thread, job int) error {
		l := job + 1
		sum, sumVar := 0.0, 0.0
		for _, p := range pix[l] {
			sum += float64(is[p] - sky[p])
			sumVar += float64(std[p]) * float64(std[p])
			if cs[p] >= convSky[p]+strictMultip*convStd[p] {
				strict[l] = true
			}
		}
		sn[l] = SN(sum, sumVar)
		return nil
	})
	if err != nil {
		res.Free()
		return nil, nil, err
	}

	var noiseSN []float64
	noise := res.Noise.Array.([]int32)
	for l := 1; l <= num; l++ {
		if strict[l] {
			continue
		}
		for _, p := range pix[l] {
			noise[p] = int32(l)
		}
		if sn[l] == sn[l] {
			noiseSN = append(noiseSN, sn[l])
		}
	}
	if len(noiseSN) < d.cfg.MinNoiseSamples {
		res.Free()
		return nil, nil, fmt.Errorf("%w: %d of %d pseudo-detections, need %d; lower the threshold or use larger images",
			ErrTooFewNoise, len(noiseSN), num, d.cfg.MinNoiseSamples)
	}
	noiseSN = stats.Sorted(noiseSN, true)
	res.SNCut = stats.QuantileSorted(noiseSN, d.cfg.SNQuant)

	mask := make([]uint8, len(labels))
	for l := 1; l <= num; l++ {
		if !strict[l] || !(sn[l] >= res.SNCut) {
			continue
		}
		for _, p := range pix[l] {
			mask[p] = 1
		}
	}
	label.Dilate(mask, d.top, d.cfg.Dilate)
	for i, v := range is {
		if v != v {
			mask[i] = 0
		}
	}
	res.NumDetections = label.ConnectedInto(labels, func(i int) bool { return mask[i] != 0 }, d.top)

	// Noise pseudo-detections exclude detected pixels
	for i, l := range labels {
		if l > 0 {
			noise[i] = 0
		}
	}
	res.NumNoise = label.Compact(noise)
	if d.cfg.Log != nil {
		fmt.Fprintf(d.cfg.Log, "Detect: %d pseudo-detections, %d in noise, S/N cut %.3f, %d detections\n",
			num, len(noiseSN), res.SNCut, res.NumDetections)
	}
	res.Labels.Touch()
	res.Noise.Touch()
	return res, mask, nil
}

// Signal to noise ratio of a flux sum with the given variance sum
func SN(sum, sumVar float64) float64 {
	if !(sumVar > 0) {
		return math.NaN()
	}
	return sum / math.Sqrt(sumVar)
}

// Reports whether all non-blank tiles of a plane are exactly zero
func zeroNoise(p *mesh.Plane) bool {
	for _, v := range p.Values {
		if v == v && v != 0 {
			return false
		}
	}
	return true
}

func sameMask(a, b []uint8) bool {
	for i := range a {
		if (a[i] != 0) != (b[i] != 0) {
			return false
		}
	}
	return true
}
