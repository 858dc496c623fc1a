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

// Package label finds connected components in pixel masks, dilates them, and
// lists the pixels of every label. Images of one to three dimensions are
// supported. Pixel indices and labels are int32, so an image holds at most
// 2^31-1 pixels.
package label

import (
	"errors"
	"fmt"
	"math"
)

// Background label
const Background = 0

// Neighbourhood of pixels in an image of up to three dimensions
type Topology struct {
	Dsize   []int
	Conn    int // 1 for orthogonal neighbours, up to the dimensionality for full connectivity
	Size    int
	offsets [][3]int
	lin     []int
}

// Creates the topology for the given shape and connectivity
func NewTopology(dsize []int, conn int) (*Topology, error) {
	nd := len(dsize)
	if nd < 1 || nd > 3 {
		return nil, errors.New(fmt.Sprintf("cannot label %d dimensions", nd))
	}
	if conn < 1 || conn > nd {
		return nil, errors.New(fmt.Sprintf("connectivity %d outside [1,%d]", conn, nd))
	}
	t := &Topology{Dsize: append([]int{}, dsize...), Conn: conn, Size: 1}
	for _, d := range dsize {
		t.Size *= d
		if d < 1 || t.Size > math.MaxInt32 {
			return nil, errors.New(fmt.Sprintf("cannot label an image of size %v", dsize))
		}
	}
	strides := make([]int, nd)
	s := 1
	for d := nd - 1; d >= 0; d-- {
		strides[d] = s
		s *= dsize[d]
	}
	num := 1
	for i := 0; i < nd; i++ {
		num *= 3
	}
	for o := 0; o < num; o++ {
		var off [3]int
		rest, nonZero, lin := o, 0, 0
		for d := nd - 1; d >= 0; d-- {
			off[d] = rest%3 - 1
			rest /= 3
			if off[d] != 0 {
				nonZero++
			}
			lin += off[d] * strides[d]
		}
		if nonZero == 0 || nonZero > conn {
			continue
		}
		t.offsets = append(t.offsets, off)
		t.lin = append(t.lin, lin)
	}
	return t, nil
}

// Number of neighbours of an inner pixel
func (t *Topology) NumNeighbours() int { return len(t.lin) }

// Coordinates of pixel i
func (t *Topology) coords(i int) (c [3]int) {
	for d := len(t.Dsize) - 1; d >= 0; d-- {
		c[d] = i % t.Dsize[d]
		i /= t.Dsize[d]
	}
	return c
}

// Calls fn for every neighbour of pixel i within the image
func (t *Topology) Each(i int, fn func(j int)) {
	c := t.coords(i)
	nd := len(t.Dsize)
	for k, off := range t.offsets {
		ok := true
		for d := 0; d < nd; d++ {
			q := c[d] + off[d]
			if q < 0 || q >= t.Dsize[d] {
				ok = false
				break
			}
		}
		if ok {
			fn(i + t.lin[k])
		}
	}
}

// Appends the neighbours of pixel i within the image to dst
func (t *Topology) Append(dst []int32, i int) []int32 {
	t.Each(i, func(j int) { dst = append(dst, int32(j)) })
	return dst
}

// Labels the connected components of the non-zero pixels of a mask with
// consecutive labels starting at 1, in order of their first pixel. Returns
// the label map and the number of labels
func Connected(mask []uint8, t *Topology) ([]int32, int) {
	labels := make([]int32, len(mask))
	n := ConnectedInto(labels, func(i int) bool { return mask[i] != 0 }, t)
	return labels, n
}

// Labels connected components of pixels where in returns true, writing into
// labels which must be zero where in is false. Returns the number of labels
func ConnectedInto(labels []int32, in func(i int) bool, t *Topology) int {
	var queue []int32
	next := int32(0)
	for i := range labels {
		if labels[i] != 0 || !in(i) {
			continue
		}
		next++
		labels[i] = next
		queue = append(queue[:0], int32(i))
		for head := 0; head < len(queue); head++ {
			t.Each(int(queue[head]), func(j int) {
				if labels[j] == 0 && in(j) {
					labels[j] = next
					queue = append(queue, int32(j))
				}
			})
		}
	}
	return int(next)
}

// Grows the non-zero pixels of a mask by one pixel per iteration
func Dilate(mask []uint8, t *Topology, iterations int) {
	var front []int32
	for i, m := range mask {
		if m != 0 {
			front = append(front, int32(i))
		}
	}
	var next []int32
	for it := 0; it < iterations && len(front) > 0; it++ {
		next = next[:0]
		for _, p := range front {
			t.Each(int(p), func(j int) {
				if mask[j] == 0 {
					mask[j] = 1
					next = append(next, int32(j))
				}
			})
		}
		front, next = next, front
	}
}

// Number of pixels per label, indexed by label. Negative labels are ignored
func Sizes(labels []int32, num int) []int {
	sizes := make([]int, num+1)
	for _, l := range labels {
		if l > 0 && int(l) <= num {
			sizes[l]++
		}
	}
	return sizes
}

// Pixel indices of every label in increasing order, indexed by label
func Pixels(labels []int32, num int) [][]int32 {
	sizes := Sizes(labels, num)
	pix := make([][]int32, num+1)
	for l := 1; l <= num; l++ {
		pix[l] = make([]int32, 0, sizes[l])
	}
	for i, l := range labels {
		if l > 0 && int(l) <= num {
			pix[l] = append(pix[l], int32(i))
		}
	}
	return pix
}

// Renumbers the positive labels consecutively from 1 in order of their first
// pixel. Negative labels are kept. Returns the new number of labels
func Compact(labels []int32) int {
	remap := make(map[int32]int32)
	next := int32(0)
	for i, l := range labels {
		if l <= 0 {
			continue
		}
		n, ok := remap[l]
		if !ok {
			next++
			n = next
			remap[l] = n
		}
		labels[i] = n
	}
	return int(next)
}

// Removes labels with fewer than minSize pixels, then compacts the rest.
// Returns the new number of labels
func RemoveSmall(labels []int32, num, minSize int) int {
	sizes := Sizes(labels, num)
	for i, l := range labels {
		if l > 0 && sizes[l] < minSize {
			labels[i] = Background
		}
	}
	return Compact(labels)
}
