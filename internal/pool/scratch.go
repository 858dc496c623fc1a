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

package pool

import (
	"runtime"
	"sync"
)

// Pools of constant sized arrays of one element type, to reduce memory
// allocation overhead in per-tile and per-label work
type Scratch[T any] struct {
	mu sync.RWMutex
	m  map[int]*sync.Pool
}

// Shared scratch pools
var (
	Float64s Scratch[float64]
	Float32s Scratch[float32]
	Int32s   Scratch[int32]
	Bytes    Scratch[byte]
)

// Returns the pool for arrays of the given size
func (s *Scratch[T]) sized(size int) *sync.Pool {
	s.mu.RLock()
	p := s.m[size]
	s.mu.RUnlock()
	if p != nil {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[int]*sync.Pool)
	}
	if p = s.m[size]; p == nil {
		p = &sync.Pool{New: func() interface{} { return make([]T, size) }}
		s.m[size] = p
	}
	return p
}

// Retrieves an array of given size from the pool. Contents are undefined
func (s *Scratch[T]) Get(size int) []T {
	return s.sized(size).Get().([]T)
}

// Returns an array to the pool
func (s *Scratch[T]) Put(arr []T) {
	if cap(arr) == 0 {
		return
	}
	s.sized(cap(arr)).Put(arr[:cap(arr)])
}

// Clears the pool
func (s *Scratch[T]) Clear() {
	s.mu.Lock()
	s.m = nil
	s.mu.Unlock()
}

// Clears all shared scratch pools and triggers garbage collection
func ClearPools() {
	Float64s.Clear()
	Float32s.Clear()
	Int32s.Clear()
	Bytes.Clear()
	runtime.GC()
}
