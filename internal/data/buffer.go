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

// Package data provides the typed n-dimensional buffer used throughout skymesh,
// with blank-value semantics, tile views into parent blocks, and an allocator
// which promotes large buffers to memory-mapped temporary files.
package data

import (
	"errors"
	"fmt"

	"github.com/mlnoga/skymesh/internal/wcs"
)

// Buffer state flags
type Flag uint16

const (
	FlagBlankChecked Flag = 1 << iota // HasBlank is authoritative
	FlagHasBlank
	FlagSortedInc
	FlagSortedDec
	FlagBlankIsZero
)

// Display metadata for printing columns
type Display struct {
	Width     int
	Precision int
	Format    byte // 'f', 'e', 'g', 'd' or 's'
}

// A typed n-dimensional buffer. Axis 0 is the slowest varying.
// Either the buffer owns its storage in Array, or it is a view with Block set,
// in which case the view's elements live in Block's storage starting at index Start
type Buffer struct {
	Type     Type
	Dsize    []int // size per axis
	Size     int   // product of Dsize
	Array    any   // typed slice, e.g. []float32. Nil for views
	Block    *Buffer
	Start    int    // linear index of the first element within Block
	MmapName string // backing file if memory-mapped
	Name     string
	Unit     string
	Comment  string
	WCS      wcs.WCS
	Disp     Display
	Flag     Flag
	Alloc    *Allocator // strategy used for this and derived allocations
	Next     *Buffer    // next column when used as a table

	mapping []byte
	nbytes  int64
}

// Allocates a new buffer of the given type and shape with the given strategy.
// A nil allocator allocates in RAM. Go zeroes all fresh storage, so clear is
// only kept for symmetry with the mapped path
func New(t Type, dsize []int, clear bool, alloc *Allocator) (*Buffer, error) {
	if t == TypeInvalid || int(t) >= len(typeNames) {
		return nil, errors.New(fmt.Sprintf("cannot allocate buffer of %v", t))
	}
	size, err := product(dsize)
	if err != nil {
		return nil, err
	}
	b := &Buffer{Type: t, Dsize: append([]int{}, dsize...), Size: size, Alloc: alloc}
	if err := alloc.allocate(b, clear); err != nil {
		return nil, err
	}
	return b, nil
}

// Wraps an existing slice into a buffer of the given shape. The buffer is RAM-backed
// and not tracked by any allocator
func FromSlice[T Number](xs []T, dsize ...int) (*Buffer, error) {
	if len(dsize) == 0 {
		dsize = []int{len(xs)}
	}
	size, err := product(dsize)
	if err != nil {
		return nil, err
	}
	if size != len(xs) {
		return nil, errors.New(fmt.Sprintf("shape %v does not match %d elements", dsize, len(xs)))
	}
	return &Buffer{Type: TypeOf[T](), Dsize: append([]int{}, dsize...), Size: size, Array: xs}, nil
}

// Wraps a string slice as a one-dimensional buffer
func FromStrings(xs []string) *Buffer {
	return &Buffer{Type: TypeString, Dsize: []int{len(xs)}, Size: len(xs), Array: xs}
}

// Creates a view into block, starting at the given linear index of the root storage.
// The view has the same dimensionality as the block
func NewView(block *Buffer, start int, dsize []int) (*Buffer, error) {
	if block == nil {
		return nil, errors.New("view without parent block")
	}
	root := block.Root()
	if len(dsize) != len(root.Dsize) {
		return nil, errors.New(fmt.Sprintf("view of %d dimensions into block of %d", len(dsize), len(root.Dsize)))
	}
	size, err := product(dsize)
	if err != nil {
		return nil, err
	}
	// check the far corner stays within the block
	coord := Coordinates(start, root.Dsize)
	for d := range dsize {
		if coord[d]+dsize[d] > root.Dsize[d] {
			return nil, errors.New(fmt.Sprintf("view %v at %v exceeds block %v", dsize, coord, root.Dsize))
		}
	}
	return &Buffer{Type: root.Type, Dsize: append([]int{}, dsize...), Size: size, Block: root, Start: start,
		WCS: root.WCS, Alloc: root.Alloc}, nil
}

func product(dsize []int) (int, error) {
	if len(dsize) == 0 {
		return 0, errors.New("buffer without dimensions")
	}
	size := 1
	for _, d := range dsize {
		if d < 0 {
			return 0, errors.New(fmt.Sprintf("negative axis length in %v", dsize))
		}
		size *= d
	}
	return size, nil
}

// Number of dimensions
func (b *Buffer) Ndim() int { return len(b.Dsize) }

// True if the buffer is a view which does not own its storage
func (b *Buffer) IsView() bool { return b.Block != nil }

// True if the buffer is backed by a memory-mapped file
func (b *Buffer) IsMapped() bool { return b.mapping != nil }

// Returns the buffer owning the storage
func (b *Buffer) Root() *Buffer {
	for b.Block != nil {
		b = b.Block
	}
	return b
}

// Releases the storage. Views never free their block's storage
func (b *Buffer) Free() error {
	if b == nil || b.Block != nil {
		return nil
	}
	return b.Alloc.release(b)
}

// Frees this buffer and all buffers chained via Next
func (b *Buffer) FreeList() error {
	var first error
	for c := b; c != nil; c = c.Next {
		if err := c.Free(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Clears the sorted and blank flags. Call after changing contents
func (b *Buffer) Touch() {
	b.Flag &^= FlagSortedInc | FlagSortedDec | FlagBlankChecked | FlagHasBlank
}

// Calls fn for each contiguous run of this buffer's elements, given as start index
// and length within the root storage. For owned buffers this is a single run
func (b *Buffer) Rows(fn func(start, n int)) {
	if b.Size == 0 {
		return
	}
	if b.Block == nil {
		fn(0, b.Size)
		return
	}
	bd := b.Block.Dsize
	nd := len(b.Dsize)
	strides := Strides(bd)
	runLen := b.Dsize[nd-1]
	if nd == 1 {
		fn(b.Start, runLen)
		return
	}
	counter := make([]int, nd-1)
	for {
		off := b.Start
		for k, c := range counter {
			off += c * strides[k]
		}
		fn(off, runLen)
		// increment the counter over all but the last axis
		k := nd - 2
		for ; k >= 0; k-- {
			counter[k]++
			if counter[k] < b.Dsize[k] {
				break
			}
			counter[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// Calls fn with the root storage index of every element, in row-major order of the view
func (b *Buffer) Indices(fn func(i int)) {
	b.Rows(func(start, n int) {
		for i := start; i < start+n; i++ {
			fn(i)
		}
	})
}

// Returns the element strides for a row-major shape
func Strides(dsize []int) []int {
	s := make([]int, len(dsize))
	acc := 1
	for k := len(dsize) - 1; k >= 0; k-- {
		s[k] = acc
		acc *= dsize[k]
	}
	return s
}

// Converts a linear index into per-axis coordinates
func Coordinates(index int, dsize []int) []int {
	c := make([]int, len(dsize))
	for k := len(dsize) - 1; k >= 0; k-- {
		if dsize[k] == 0 {
			continue
		}
		c[k] = index % dsize[k]
		index /= dsize[k]
	}
	return c
}

// Converts per-axis coordinates into a linear index
func Index(coord []int, dsize []int) int {
	idx := 0
	for k := range dsize {
		idx = idx*dsize[k] + coord[k]
	}
	return idx
}

// Returns the typed storage of a buffer. For views, the root block's storage is
// returned and elements must be addressed via Rows/Indices
func Slice[T Number](b *Buffer) []T {
	s, _ := b.Root().Array.([]T)
	return s
}

// Returns a string describing type and shape, e.g. "float32 1024x768"
func (b *Buffer) String() string {
	s := b.Type.String() + " "
	for i := len(b.Dsize) - 1; i >= 0; i-- {
		s += fmt.Sprintf("%d", b.Dsize[i])
		if i > 0 {
			s += "x"
		}
	}
	if b.Block != nil {
		s += fmt.Sprintf(" view@%d", b.Start)
	}
	return s
}

// True if both buffers have the same shape
func SameShape(a, b *Buffer) bool {
	if len(a.Dsize) != len(b.Dsize) {
		return false
	}
	for i := range a.Dsize {
		if a.Dsize[i] != b.Dsize[i] {
			return false
		}
	}
	return true
}
