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

// Package pool runs bulk-synchronous parallel stages. A contiguous range of
// job indices is split into shards, one per worker goroutine, and the
// dispatcher returns once every worker has passed the barrier.
package pool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Terminates the job list of every shard
const BlankSize = -1

// One worker's slice of the job range. Indices holds ascending job indices
// followed by the BlankSize sentinel. A failing task stores its error in Status
type Shard struct {
	Thread  int
	Indices []int
	Status  error
}

// Barrier shared by the workers and the dispatcher. Each worker holds its own
// party handle, and waiting on it more than once has no further effect
type Barrier struct {
	wg   *sync.WaitGroup
	once sync.Once
}

// Marks this party as arrived
func (b *Barrier) Wait() {
	b.once.Do(b.wg.Done)
}

// Cooperative cancellation flag, checked by tasks between jobs
type Cancel struct {
	flag atomic.Bool
}

// Requests cancellation
func (c *Cancel) Set() {
	if c != nil {
		c.flag.Store(true)
	}
}

// Reports whether cancellation was requested. A nil flag is never set
func (c *Cancel) IsSet() bool {
	return c != nil && c.flag.Load()
}

// Returned for jobs skipped after cancellation
var ErrCancelled = errors.New("cancelled")

// A task processes all jobs of its shard, then waits on the barrier
type Task[C any] func(ctx C, shard *Shard, barrier *Barrier)

// Number of worker threads for a requested count. Zero or less uses all CPUs
func NumThreads(requested int) int {
	if requested <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return requested
}

// Splits the job range [0,numJobs) into at most numThreads contiguous shards of
// nearly equal size, each terminated by BlankSize
func Shards(numJobs, numThreads int) [][]int {
	numThreads = NumThreads(numThreads)
	if numJobs <= 0 {
		return nil
	}
	if numThreads > numJobs {
		numThreads = numJobs
	}
	shards := make([][]int, numThreads)
	base, extra := numJobs/numThreads, numJobs%numThreads
	job := 0
	for t := range shards {
		n := base
		if t < extra {
			n++
		}
		s := make([]int, n+1)
		for i := 0; i < n; i++ {
			s[i] = job
			job++
		}
		s[n] = BlankSize
		shards[t] = s
	}
	return shards
}

// Runs a task over the job range on numThreads goroutines and waits for all of
// them. Returns the per-thread status slots joined into one error, or nil
func SpinOff[C any](task Task[C], ctx C, numJobs, numThreads int) error {
	shards := Shards(numJobs, numThreads)
	if len(shards) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	wg.Add(len(shards))
	slots := make([]Shard, len(shards))
	for t, s := range shards {
		slots[t] = Shard{Thread: t, Indices: s}
		go func(sh *Shard) {
			b := &Barrier{wg: &wg}
			defer b.Wait()
			defer func() {
				if r := recover(); r != nil {
					sh.Status = errors.New(fmt.Sprintf("thread %d: panic: %v", sh.Thread, r))
				}
			}()
			task(ctx, sh, b)
		}(&slots[t])
	}
	wg.Wait()

	var errs []error
	for i := range slots {
		if slots[i].Status != nil {
			errs = append(errs, slots[i].Status)
		}
	}
	return errors.Join(errs...)
}

// Calls fn for each job of the shard in ascending order. Stops at the first
// error, which is stored in the status slot, or when cancel is set
func (s *Shard) Each(cancel *Cancel, fn func(job int) error) {
	for _, job := range s.Indices {
		if job == BlankSize {
			return
		}
		if cancel.IsSet() {
			s.Status = ErrCancelled
			return
		}
		if err := fn(job); err != nil {
			s.Status = err
			return
		}
	}
}

// Runs fn over every job index in parallel. fn receives the worker thread,
// which indexes per-thread scratch
func Run(numJobs, numThreads int, cancel *Cancel, fn func(thread, job int) error) error {
	return SpinOff(func(_ struct{}, shard *Shard, barrier *Barrier) {
		shard.Each(cancel, func(job int) error { return fn(shard.Thread, job) })
		barrier.Wait()
	}, struct{}{}, numJobs, numThreads)
}
