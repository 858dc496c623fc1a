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
	"errors"
	"sync/atomic"
	"testing"
)

type shardTestCase struct {
	NumJobs, NumThreads int
	Lens                []int
}

func TestShards(t *testing.T) {
	tcs := []shardTestCase{
		{10, 3, []int{4, 3, 3}},
		{2, 8, []int{1, 1}},
		{0, 4, nil},
		{9, 1, []int{9}},
	}
	for _, tc := range tcs {
		shards := Shards(tc.NumJobs, tc.NumThreads)
		if len(shards) != len(tc.Lens) {
			t.Errorf("%d/%d: %d shards; want %d", tc.NumJobs, tc.NumThreads, len(shards), len(tc.Lens))
			continue
		}
		next := 0
		for i, s := range shards {
			if s[len(s)-1] != BlankSize || len(s)-1 != tc.Lens[i] {
				t.Errorf("%d/%d: shard %d=%v", tc.NumJobs, tc.NumThreads, i, s)
			}
			for _, j := range s[:len(s)-1] {
				if j != next {
					t.Errorf("shard %d job %d; want %d", i, j, next)
				}
				next++
			}
		}
	}
}

func TestSpinOffVisitsAllJobs(t *testing.T) {
	const n = 1000
	seen := make([]int32, n)
	err := SpinOff(func(ctx []int32, shard *Shard, barrier *Barrier) {
		prev := -1
		shard.Each(nil, func(job int) error {
			if job <= prev {
				return errors.New("jobs out of order")
			}
			prev = job
			atomic.AddInt32(&ctx[job], 1)
			return nil
		})
		barrier.Wait()
		barrier.Wait()
	}, seen, n, 7)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range seen {
		if s != 1 {
			t.Fatalf("job %d ran %d times", i, s)
		}
	}
}

func TestStatusSlots(t *testing.T) {
	boom := errors.New("boom")
	err := Run(100, 4, nil, func(thread, job int) error {
		if job == 42 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err=%v; want %v", err, boom)
	}

	// a task which forgets the barrier or panics still lets the dispatcher return
	err = SpinOff(func(_ int, shard *Shard, _ *Barrier) {
		if shard.Thread == 1 {
			panic("bad tile")
		}
	}, 0, 10, 3)
	if err == nil {
		t.Errorf("panic not reported")
	}
}

func TestCancel(t *testing.T) {
	var c Cancel
	var ran int32
	err := Run(1000, 2, &c, func(thread, job int) error {
		if atomic.AddInt32(&ran, 1) == 10 {
			c.Set()
		}
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("err=%v; want cancelled", err)
	}
	if ran >= 1000 {
		t.Errorf("all %d jobs ran despite cancellation", ran)
	}
}

func TestScratch(t *testing.T) {
	a := Float64s.Get(128)
	if len(a) != 128 {
		t.Fatalf("len=%d; want 128", len(a))
	}
	Float64s.Put(a[:3])
	b := Float64s.Get(128)
	if len(b) != 128 {
		t.Errorf("reused len=%d; want 128", len(b))
	}
	ClearPools()
	if c := Int32s.Get(5); len(c) != 5 {
		t.Errorf("len=%d after clear; want 5", len(c))
	}
}
