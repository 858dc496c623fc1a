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

// Package measure builds object and clump catalogs from segmentation maps.
package measure

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/label"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/stats"
	"github.com/mlnoga/skymesh/internal/wcs"
)

// Measurement parameters
type Config struct {
	Clip        stats.ClipConfig `json:"clip"        yaml:"clip"`
	ZeroPoint   float64          `json:"zeroPoint"   yaml:"zero_point"`
	UpperLimit  bool             `json:"upperLimit"  yaml:"upper_limit"`
	UpNum       int              `json:"upNum"       yaml:"up_num"`        // random apertures per object
	MaxUpFactor int              `json:"maxUpFactor" yaml:"max_up_factor"` // attempts per aperture
	UpNSigma    float64          `json:"upNSigma"    yaml:"up_n_sigma"`
	Seed        uint32           `json:"seed"        yaml:"seed"`
	NumThreads  int              `json:"-"           yaml:"-"`
	Log         io.Writer        `json:"-"           yaml:"-"`
	Cancel      *pool.Cancel     `json:"-"           yaml:"-"`
}

// Default measurement parameters
func DefaultConfig() Config {
	return Config{
		Clip:        stats.DefaultClip(),
		ZeroPoint:   22.5,
		UpperLimit:  true,
		UpNum:       100,
		MaxUpFactor: 50,
		UpNSigma:    1,
		Seed:        1,
	}
}

// Validates the measurement parameters
func (c Config) Validate() error {
	if c.UpperLimit && (c.UpNum < 2 || c.MaxUpFactor < 1 || !(c.UpNSigma > 0)) {
		return errors.New(fmt.Sprintf("upper limit with %d apertures, %d attempts each and %g sigma",
			c.UpNum, c.MaxUpFactor, c.UpNSigma))
	}
	return c.Clip.Validate()
}

// Inputs of a measurement pass. Sky and Std are at image resolution, and
// Detections marks pixels excluded from upper limit apertures
type Input struct {
	Image, Sky, Std *data.Buffer
	Detections      *data.Buffer
	Segments        *segment.Result
}

// Catalog of objects and clumps, in label order
type Catalog struct {
	Objects []Row
	Clumps  []Row
	Ndim    int
	WCS     wcs.WCS
}

// Measures every object and clump
func Measure(in Input, cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	img, seg := in.Image, in.Segments
	for _, b := range []*data.Buffer{in.Sky, in.Std} {
		if b.Type != data.TypeFloat32 || !data.SameShape(img, b) {
			return nil, errors.New(fmt.Sprintf("cannot measure %v with sky or noise %v", img, b))
		}
	}
	if img.Type != data.TypeFloat32 || img.IsView() || !data.SameShape(img, seg.Objects) || !data.SameShape(img, in.Detections) {
		return nil, errors.New(fmt.Sprintf("cannot measure %v with labels %v", img, seg.Objects))
	}
	m := &measurer{
		in: in, cfg: cfg, dsize: img.Dsize,
		is: img.Array.([]float32), sky: in.Sky.Array.([]float32), std: in.Std.Array.([]float32),
		dets: in.Detections.Array.([]int32),
	}
	objPix := label.Pixels(seg.Objects.Array.([]int32), seg.NumObjects)
	clumpPix := label.Pixels(seg.Clumps.Array.([]int32), seg.NumClumps)
	objClumps := make([][]int32, seg.NumObjects+1)
	for _, pair := range seg.Pairs {
		objClumps[pair[0]] = append(objClumps[pair[0]], pair[1])
	}

	cat := &Catalog{Objects: make([]Row, seg.NumObjects), Clumps: make([]Row, seg.NumClumps), Ndim: img.Ndim(), WCS: img.WCS}
	for i := range cat.Clumps {
		cat.Clumps[i] = nanRow(int32(i+1), img.Ndim())
	}

	// Clump rows arrive in completion order, tagged with their label
	var mu sync.Mutex
	nextClumpRow := 0
	clumpRows := make([]Row, seg.NumClumps)

	numThreads := pool.NumThreads(cfg.NumThreads)
	rngs := make([]fastrand.RNG, numThreads)
	maxArea := cfg.UpNum
	for _, pix := range objPix {
		if len(pix) > maxArea {
			maxArea = len(pix)
		}
	}
	scratch := make([][]float64, numThreads)
	for i := range scratch {
		scratch[i] = pool.Float64s.Get(maxArea)
	}
	defer func() {
		for _, s := range scratch {
			pool.Float64s.Put(s)
		}
	}()
	err := pool.Run(seg.NumObjects, numThreads, cfg.Cancel, func(thread, job int) error {
		id := int32(job + 1)
		row := m.row(objPix[id], &scratch[thread])
		row.ID, row.NumClumps = id, len(objClumps[id])
		if cfg.UpperLimit {
			rng := &rngs[thread]
			rng.Seed(rngSeed(cfg.Seed, id))
			m.upperLimit(&row, objPix[id], rng, &scratch[thread])
		}
		cat.Objects[job] = row

		for _, c := range objClumps[id] {
			crow := m.row(clumpPix[c], &scratch[thread])
			crow.ID, crow.HostObj = c, id
			mu.Lock()
			r := nextClumpRow
			nextClumpRow++
			mu.Unlock()
			clumpRows[r] = crow
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range clumpRows[:nextClumpRow] {
		cat.Clumps[r.ID-1] = r
	}
	if cfg.Log != nil {
		fmt.Fprintf(cfg.Log, "Measure: %d objects, %d clumps\n", len(cat.Objects), len(cat.Clumps))
	}
	return cat, nil
}

// Per object seed. A zero seed would make fastrand pick a random one
func rngSeed(seed uint32, id int32) uint32 {
	s := seed ^ uint32(id)
	if s == 0 {
		s = 0x9e3779b9
	}
	return s
}

type measurer struct {
	in           Input
	cfg          Config
	dsize        []int
	is, sky, std []float32
	dets         []int32
}
