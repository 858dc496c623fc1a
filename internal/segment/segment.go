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

// Package segment splits detections into clumps around local maxima of the
// convolved image, and groups clumps into objects.
package segment

import (
	"errors"
	"fmt"
	"io"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/label"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/qsort"
	"github.com/mlnoga/skymesh/internal/stats"
)

// Label of pixels on the boundary between clumps or objects
const River = -1

// Returned when the noise yields too few clumps for a S/N cut
var ErrTooFewNoise = errors.New("too few clumps in the noise")

// Segmentation parameters
type Config struct {
	ClumpSNQuant   float64      `json:"clumpSNQuant"   yaml:"clump_sn_quant"`   // quantile of the noise clump S/N used as cut
	MinNoiseClumps int          `json:"minNoiseClumps" yaml:"min_noise_clumps"`
	ObjBorderSN    float64      `json:"objBorderSN"    yaml:"obj_border_sn"`    // rivers at least this significant join clumps
	ObjConn        int          `json:"objConn"        yaml:"obj_conn"`         // 1 for orthogonal object growth, up to ndim for full
	NumThreads     int          `json:"-"              yaml:"-"`
	Log            io.Writer    `json:"-"              yaml:"-"`
	Cancel         *pool.Cancel `json:"-"              yaml:"-"`
}

// Default segmentation parameters
func DefaultConfig() Config {
	return Config{ClumpSNQuant: 0.99, MinNoiseClumps: 20, ObjBorderSN: 1, ObjConn: 2}
}

// Validates the segmentation parameters
func (c Config) Validate() error {
	if !(c.ClumpSNQuant > 0 && c.ClumpSNQuant < 1) {
		return errors.New(fmt.Sprintf("clump S/N quantile %g outside (0,1)", c.ClumpSNQuant))
	}
	if c.MinNoiseClumps < 1 {
		return errors.New(fmt.Sprintf("minimum noise clumps %d must be positive", c.MinNoiseClumps))
	}
	if c.ObjConn < 1 {
		return errors.New(fmt.Sprintf("object connectivity %d must be positive", c.ObjConn))
	}
	return nil
}

// Inputs of a segmentation: the image, its convolution, and a detection result
type Input struct {
	Image, Conv *data.Buffer
	Detection   *detect.Result
}

// Outcome of a segmentation
type Result struct {
	Objects    *data.Buffer // int32 object labels, 0 outside objects
	Clumps     *data.Buffer // int32 clump labels, River on boundaries
	NumObjects int
	NumClumps  int
	Pairs      [][2]int32 // host object and clump label, in clump order
	DetObjects []int32    // first object label of each detection, indexed by detection label
	ClumpSNCut float64
}

// Frees the label maps
func (r *Result) Free() {
	r.Objects.Free()
	r.Clumps.Free()
}

// Per detection outcome, in local labels
type local struct {
	numObjects  int
	clumpObject []int32 // host object of each clump, indexed by clump label-1
}

// Segments every detection into clumps and objects
func Segment(in Input, cfg Config, alloc *data.Allocator) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	img, conv, det := in.Image, in.Conv, in.Detection
	if img.Type != data.TypeFloat32 || conv.Type != data.TypeFloat32 || !data.SameShape(img, conv) ||
		!data.SameShape(img, det.Labels) || img.IsView() || conv.IsView() {
		return nil, errors.New(fmt.Sprintf("cannot segment %v convolved to %v with detections %v", img, conv, det.Labels))
	}
	if cfg.ObjConn > img.Ndim() {
		return nil, errors.New(fmt.Sprintf("object connectivity %d exceeds %d dimensions", cfg.ObjConn, img.Ndim()))
	}
	full, err := label.NewTopology(img.Dsize, img.Ndim())
	if err != nil {
		return nil, err
	}
	grow, err := label.NewTopology(img.Dsize, cfg.ObjConn)
	if err != nil {
		return nil, err
	}
	s := &segmenter{
		is: img.Array.([]float32), cs: conv.Array.([]float32),
		sky: det.Sky.Array.([]float32), std: det.Std.Array.([]float32),
		full: full, grow: grow, cfg: cfg,
	}
	numThreads := pool.NumThreads(cfg.NumThreads)
	s.scratch = make([]scratch, numThreads)

	res := &Result{}
	if res.ClumpSNCut, err = s.noiseCut(det.Noise.Array.([]int32), det.NumNoise, numThreads); err != nil {
		return nil, err
	}

	if res.Objects, err = data.New(data.TypeInt32, img.Dsize, true, alloc); err != nil {
		return nil, err
	}
	if res.Clumps, err = data.New(data.TypeInt32, img.Dsize, true, alloc); err != nil {
		res.Objects.Free()
		return nil, err
	}
	res.Objects.Name, res.Clumps.Name = "OBJECTS", "CLUMPS"
	res.Objects.WCS, res.Clumps.WCS = img.WCS, img.WCS

	dets := det.Labels.Array.([]int32)
	objects, clumps := res.Objects.Array.([]int32), res.Clumps.Array.([]int32)
	pix := label.Pixels(dets, det.NumDetections)
	locals := make([]local, det.NumDetections+1)
	err = pool.Run(det.NumDetections, numThreads, cfg.Cancel, func(thread, job int) error {
		id := int32(job + 1)
		locals[id] = s.detection(&s.scratch[thread], pix[id], dets, id, clumps, objects, res.ClumpSNCut)
		return nil
	})
	if err != nil {
		res.Free()
		return nil, err
	}
	s.number(res, locals, dets)
	res.Objects.Touch()
	res.Clumps.Touch()
	if cfg.Log != nil {
		fmt.Fprintf(cfg.Log, "Segment: %d detections, %d objects, %d clumps, clump S/N cut %.3f\n",
			det.NumDetections, res.NumObjects, res.NumClumps, res.ClumpSNCut)
	}
	return res, nil
}

type segmenter struct {
	is, cs, sky, std []float32
	full, grow       *label.Topology
	cfg              Config
	scratch          []scratch
}

// Per thread scratch space
type scratch struct {
	order  []int32
	labels []int32
	queue  []int32
	counts map[int32]int
}

// Distinct positive labels among the neighbours of p within the region, and
// whether a river touches p
func (s *segmenter) neighbourLabels(sc *scratch, p int, region []int32, id int32, m []int32) (ls []int32, river bool) {
	sc.labels = sc.labels[:0]
	s.full.Each(p, func(q int) {
		if region[q] != id {
			return
		}
		l := m[q]
		if l == River {
			river = true
			return
		}
		if l <= 0 {
			return
		}
		for _, o := range sc.labels {
			if o == l {
				return
			}
		}
		sc.labels = append(sc.labels, l)
	})
	return sc.labels, river
}

// Region pixels with a valid convolved value in descending order, ties by
// ascending pixel index
func (s *segmenter) sorted(sc *scratch, pix []int32) []int32 {
	sc.order = sc.order[:0]
	for _, p := range pix {
		if c := s.cs[p]; c == c {
			sc.order = append(sc.order, p)
		}
	}
	qsort.QSortIndicesDesc(sc.order, s.cs)
	return sc.order
}

// Labels local maxima catchments of a region in m, with rivers where
// catchments meet. Returns the number of clumps
func (s *segmenter) overSegment(sc *scratch, pix []int32, region []int32, id int32, m []int32) int {
	next := int32(0)
	for _, p := range s.sorted(sc, pix) {
		ls, river := s.neighbourLabels(sc, int(p), region, id, m)
		switch {
		case len(ls) == 0 && river:
			m[p] = River
		case len(ls) == 0:
			next++
			m[p] = next
		case len(ls) == 1:
			m[p] = ls[0]
		default:
			m[p] = River
		}
	}
	return int(next)
}

// Mean sky over a region
func (s *segmenter) localSky(pix []int32) float64 {
	sum, n := 0.0, 0
	for _, p := range pix {
		if v := s.sky[p]; v == v {
			sum += float64(v)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// S/N of every clump of a region against the region's local sky, indexed by label-1
func (s *segmenter) clumpSN(pix []int32, m []int32, num int) []float64 {
	sky := s.localSky(pix)
	sums, vars := make([]float64, num), pool.Float64s.Get(num)
	defer pool.Float64s.Put(vars)
	clear(vars)
	for _, p := range pix {
		l := m[p]
		if l <= 0 || s.is[p] != s.is[p] {
			continue
		}
		sums[l-1] += float64(s.is[p]) - sky
		vars[l-1] += float64(s.std[p]) * float64(s.std[p])
	}
	for i := range sums {
		sums[i] = detect.SN(sums[i], vars[i])
	}
	return sums
}

// The clump S/N cut from the clumps of the noise pseudo-detections
func (s *segmenter) noiseCut(noise []int32, numNoise, numThreads int) (float64, error) {
	pix := label.Pixels(noise, numNoise)
	m := make([]int32, len(noise))
	sns := make([][]float64, numNoise+1)
	err := pool.Run(numNoise, numThreads, s.cfg.Cancel, func(thread, job int) error {
		id := int32(job + 1)
		num := s.overSegment(&s.scratch[thread], pix[id], noise, id, m)
		sns[id] = s.clumpSN(pix[id], m, num)
		return nil
	})
	if err != nil {
		return 0, err
	}
	var all []float64
	for _, sn := range sns {
		for _, v := range sn {
			if v == v {
				all = append(all, v)
			}
		}
	}
	if len(all) < s.cfg.MinNoiseClumps {
		return 0, fmt.Errorf("%w: %d clumps in %d pseudo-detections, need %d", ErrTooFewNoise,
			len(all), numNoise, s.cfg.MinNoiseClumps)
	}
	all = stats.Sorted(all, true)
	return stats.QuantileSorted(all, s.cfg.ClumpSNQuant), nil
}

// Segments one detection into the shared clump and object maps, writing only
// the detection's own pixels
func (s *segmenter) detection(sc *scratch, pix []int32, dets []int32, id int32, clumps, objects []int32, cut float64) local {
	num := s.overSegment(sc, pix, dets, id, clumps)
	sn := s.clumpSN(pix, clumps, num)

	// Renumber surviving clumps, drop the others
	keep := pool.Int32s.Get(num + 1)
	defer pool.Int32s.Put(keep)
	keep[0] = 0
	k := int32(0)
	for l := 1; l <= num; l++ {
		keep[l] = 0
		if sn[l-1] >= cut {
			k++
			keep[l] = k
		}
	}
	for _, p := range pix {
		if l := clumps[p]; l > 0 {
			clumps[p] = keep[l]
		}
		if l := clumps[p]; l > 0 {
			objects[p] = l
		} else {
			objects[p] = 0
		}
	}
	if k == 0 {
		for _, p := range pix {
			objects[p] = 1
		}
		return local{numObjects: 1}
	}

	s.growClumps(sc, pix, dets, id, objects)
	clumpObject, numObjects := s.objects(sc, pix, dets, id, objects, int(k))
	s.growObjects(sc, pix, dets, id, objects)
	return local{numObjects: numObjects, clumpObject: clumpObject}
}

// Grows the clumps in descending convolved order until nothing changes. A
// pixel touching two clumps becomes a river
func (s *segmenter) growClumps(sc *scratch, pix []int32, region []int32, id int32, m []int32) {
	order := s.sorted(sc, pix)
	for changed := true; changed; {
		changed = false
		for _, p := range order {
			if m[p] != 0 {
				continue
			}
			ls, _ := s.neighbourLabels(sc, int(p), region, id, m)
			switch len(ls) {
			case 0:
				continue
			case 1:
				m[p] = ls[0]
			default:
				m[p] = River
			}
			changed = true
		}
	}
}

type pairKey struct{ a, b int32 }

type flux struct{ sum, variance float64 }

// Joins clumps whose shared rivers are significant into objects, relabels m
// from clumps to objects and assigns rivers by majority vote. Returns the
// host object of every clump and the number of objects
func (s *segmenter) objects(sc *scratch, pix []int32, region []int32, id int32, m []int32, numClumps int) ([]int32, int) {
	sky := s.localSky(pix)
	pairs := make(map[pairKey]*flux)
	var rivers []int32
	for _, p := range pix {
		if m[p] != River {
			continue
		}
		rivers = append(rivers, p)
		ls, _ := s.neighbourLabels(sc, int(p), region, id, m)
		if s.is[p] != s.is[p] {
			continue
		}
		v := float64(s.is[p]) - sky
		va := float64(s.std[p]) * float64(s.std[p])
		for i := 0; i < len(ls); i++ {
			for j := i + 1; j < len(ls); j++ {
				key := pairKey{ls[i], ls[j]}
				if key.a > key.b {
					key.a, key.b = key.b, key.a
				}
				f := pairs[key]
				if f == nil {
					f = &flux{}
					pairs[key] = f
				}
				f.sum += v
				f.variance += va
			}
		}
	}

	parent := make([]int32, numClumps+1)
	for i := range parent {
		parent[i] = int32(i)
	}
	for key, f := range pairs {
		if detect.SN(f.sum, f.variance) >= s.cfg.ObjBorderSN {
			union(parent, key.a, key.b)
		}
	}
	clumpObject := make([]int32, numClumps)
	rootObject := make([]int32, numClumps+1)
	numObjects := int32(0)
	for c := 1; c <= numClumps; c++ {
		r := find(parent, int32(c))
		if rootObject[r] == 0 {
			numObjects++
			rootObject[r] = numObjects
		}
		clumpObject[c-1] = rootObject[r]
	}
	for _, p := range pix {
		if l := m[p]; l > 0 {
			m[p] = clumpObject[l-1]
		}
	}

	// Majority vote on a snapshot, then apply
	if sc.counts == nil {
		sc.counts = make(map[int32]int)
	}
	votes := pool.Int32s.Get(len(rivers))
	defer pool.Int32s.Put(votes)
	for i, p := range rivers {
		for l := range sc.counts {
			delete(sc.counts, l)
		}
		s.full.Each(int(p), func(q int) {
			if region[q] == id && m[q] > 0 {
				sc.counts[m[q]]++
			}
		})
		best, bestCount := int32(River), 0
		for l, c := range sc.counts {
			if c > bestCount || (c == bestCount && l < best) {
				best, bestCount = l, c
			}
		}
		votes[i] = best
	}
	for i, p := range rivers {
		m[p] = votes[i]
	}
	return clumpObject, int(numObjects)
}

func find(parent []int32, x int32) int32 {
	for parent[x] != x {
		parent[x] = parent[parent[x]]
		x = parent[x]
	}
	return x
}

// Joins two sets, keeping the smaller root
func union(parent []int32, a, b int32) {
	ra, rb := find(parent, a), find(parent, b)
	if ra < rb {
		parent[rb] = ra
	} else if rb < ra {
		parent[ra] = rb
	}
}

// Grows objects breadth first through unclaimed pixels of the region. Rivers
// block growth and are cleared afterwards
func (s *segmenter) growObjects(sc *scratch, pix []int32, region []int32, id int32, m []int32) {
	sc.queue = sc.queue[:0]
	for _, p := range pix {
		if m[p] > 0 {
			sc.queue = append(sc.queue, p)
		}
	}
	for head := 0; head < len(sc.queue); head++ {
		p := sc.queue[head]
		s.grow.Each(int(p), func(q int) {
			if region[q] == id && m[q] == 0 {
				m[q] = m[p]
				sc.queue = append(sc.queue, int32(q))
			}
		})
	}

	// Leftovers join their most frequent labelled neighbour, or failing that
	// the detection's largest object, so every detected pixel has an object
	if sc.counts == nil {
		sc.counts = make(map[int32]int)
	}
	for l := range sc.counts {
		delete(sc.counts, l)
	}
	for _, p := range pix {
		if m[p] > 0 {
			sc.counts[m[p]]++
		}
	}
	major := majority(sc.counts)
	sc.order = sc.order[:0]
	sc.labels = sc.labels[:0]
	for _, p := range pix {
		if m[p] > 0 {
			continue
		}
		for l := range sc.counts {
			delete(sc.counts, l)
		}
		s.full.Each(int(p), func(q int) {
			if region[q] == id && m[q] > 0 {
				sc.counts[m[q]]++
			}
		})
		l := majority(sc.counts)
		if l <= 0 {
			l = major
		}
		sc.order = append(sc.order, p)
		sc.labels = append(sc.labels, l)
	}
	for i, p := range sc.order {
		m[p] = sc.labels[i]
	}
}

// Most frequent label, ties to the smaller label. Zero when empty
func majority(counts map[int32]int) int32 {
	best, bestCount := int32(0), 0
	for l, c := range counts {
		if c > bestCount || (c == bestCount && l < best) {
			best, bestCount = l, c
		}
	}
	return best
}

// Turns local labels into global ones: objects and clumps are numbered by
// detection, then by local label
func (s *segmenter) number(res *Result, locals []local, dets []int32) {
	objBase := make([]int32, len(locals))
	clumpBase := make([]int32, len(locals))
	res.DetObjects = make([]int32, len(locals))
	o, c := int32(0), int32(0)
	for d := 1; d < len(locals); d++ {
		objBase[d], clumpBase[d] = o, c
		res.DetObjects[d] = o + 1
		for i, obj := range locals[d].clumpObject {
			res.Pairs = append(res.Pairs, [2]int32{o + obj, c + int32(i) + 1})
		}
		o += int32(locals[d].numObjects)
		c += int32(len(locals[d].clumpObject))
	}
	res.NumObjects, res.NumClumps = int(o), int(c)
	objects, clumps := res.Objects.Array.([]int32), res.Clumps.Array.([]int32)
	for i, d := range dets {
		if d <= 0 {
			continue
		}
		if objects[i] > 0 {
			objects[i] += objBase[d]
		}
		if clumps[i] > 0 {
			clumps[i] += clumpBase[d]
		}
	}
}

// Number of pixels of each object, indexed by label
func (r *Result) ObjectAreas() []int {
	return label.Sizes(r.Objects.Array.([]int32), r.NumObjects)
}

// Host object of a clump label
func (r *Result) HostObject(clump int32) int32 {
	if clump < 1 || int(clump) > len(r.Pairs) {
		return 0
	}
	return r.Pairs[clump-1][0]
}
