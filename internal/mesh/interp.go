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

package mesh

import (
	"math"

	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/qsort"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Replaces the value of every invalid tile with the median of the NumNgb
// nearest valid tiles, found by breadth-first expansion over 8-connected
// tile neighbours. The search stays within the channel unless the grid works
// over channels, and settles for fewer tiles if fewer are reachable. Valid
// tiles are only read and the flags are left alone, so repeated runs give
// identical output. Tiles with no reachable valid tile become blank
func Interpolate(planes []*Plane, cfg Config) error {
	if len(planes) == 0 {
		return nil
	}
	g := planes[0].Grid
	valid := planes[0].Valid
	var jobs []int
	for t, v := range valid {
		if v == 0 {
			jobs = append(jobs, t)
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	numNgb := cfg.NumNgb
	if numNgb <= 0 {
		numNgb = 1
	}
	numThreads := pool.NumThreads(cfg.NumThreads)
	type scratch struct {
		stamp  []int32
		queue  []int
		ngbs   []int
		found  []int
		values []float32
	}
	scr := make([]*scratch, numThreads)
	for i := range scr {
		scr[i] = &scratch{stamp: make([]int32, g.NumTiles()), values: make([]float32, 0, numNgb)}
	}
	nan := float32(math.NaN())

	return pool.Run(len(jobs), numThreads, cfg.Cancel, func(thread, j int) error {
		s := scr[thread]
		t := jobs[j]
		s.found = nearestValid(g, valid, t, numNgb, int32(j+1), s.stamp, s.queue[:0], s.ngbs, s.found[:0])
		for _, p := range planes {
			if len(s.found) == 0 {
				p.Values[t] = nan
				continue
			}
			vs := s.values[:0]
			for _, f := range s.found {
				vs = append(vs, p.Values[f])
			}
			p.Values[t] = float32(qsort.Median(vs))
			s.values = vs
		}
		return nil
	})
}

// Breadth-first search from tile t for up to n valid tiles. stamp marks visited
// tiles with the given mark. Returns the valid tiles in the order found
func nearestValid(g *tile.Grid, valid []uint8, t, n int, mark int32, stamp []int32, queue, ngbs, found []int) []int {
	stamp[t] = mark
	queue = append(queue, t)
	for head := 0; head < len(queue) && len(found) < n; head++ {
		ngbs = g.AppendNeighbours(ngbs[:0], queue[head], true)
		for _, nb := range ngbs {
			if stamp[nb] == mark {
				continue
			}
			stamp[nb] = mark
			if valid[nb] != 0 {
				found = append(found, nb)
				if len(found) == n {
					break
				}
			}
			queue = append(queue, nb)
		}
	}
	return found
}

// Smooths the plane values with a flat box of odd width over the spatial tile
// grid. The box is clipped to the tile's channel unless the grid works over
// channels. Blank values are skipped, and blank tiles stay blank
func Smooth(p *Plane, width int, cfg Config) error {
	if width <= 1 {
		return nil
	}
	g := p.Grid
	nd := len(g.TilesPerImage)
	h := width / 2
	src := append([]float32{}, p.Values...)
	numThreads := pool.NumThreads(cfg.NumThreads)
	los, his, cur := make([][]int, numThreads), make([][]int, numThreads), make([][]int, numThreads)
	for i := 0; i < numThreads; i++ {
		los[i], his[i], cur[i] = make([]int, nd), make([]int, nd), make([]int, nd)
	}

	return pool.Run(g.NumTiles(), numThreads, cfg.Cancel, func(thread, t int) error {
		if src[t] != src[t] {
			return nil
		}
		c := g.Coordinates(t)
		lo, hi, at := los[thread], his[thread], cur[thread]
		for d := 0; d < nd; d++ {
			min, max := 0, g.TilesPerImage[d]-1
			if !g.WorkOverChannels {
				tpc := g.TilesPerChannel[d]
				min = (c[d] / tpc) * tpc
				max = min + tpc - 1
			}
			lo[d], hi[d] = c[d]-h, c[d]+h
			if lo[d] < min {
				lo[d] = min
			}
			if hi[d] > max {
				hi[d] = max
			}
		}
		copy(at, lo)
		sum, n := 0.0, 0
		for {
			v := src[g.TileAt(at)]
			if v == v {
				sum += float64(v)
				n++
			}
			// odometer increment over the box
			d := nd - 1
			for ; d >= 0; d-- {
				at[d]++
				if at[d] <= hi[d] {
					break
				}
				at[d] = lo[d]
			}
			if d < 0 {
				break
			}
		}
		p.Values[t] = float32(sum / float64(n))
		return nil
	})
}
