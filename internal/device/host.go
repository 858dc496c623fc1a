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

package device

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid"

	"github.com/mlnoga/skymesh/internal/data"
)

// A Go implementation of a device kernel. It processes the whole grid,
// spreading the work groups over numThreads goroutines
type HostKernel func(args []Arg, grid, block []int, numThreads int) error

var hostKernels = struct {
	sync.RWMutex
	m map[string]HostKernel
}{m: make(map[string]HostKernel)}

// Registers a Go implementation for a kernel name
func RegisterHostKernel(name string, k HostKernel) {
	hostKernels.Lock()
	hostKernels.m[name] = k
	hostKernels.Unlock()
}

func lookupHostKernel(name string) HostKernel {
	hostKernels.RLock()
	defer hostKernels.RUnlock()
	return hostKernels.m[name]
}

// Emulates a device on the host CPU
type Host struct {
	NumThreads int
}

// Creates a host backend using all CPUs
func NewHost() *Host {
	return &Host{NumThreads: runtime.GOMAXPROCS(0)}
}

func (h *Host) Name() string { return "host" }

// Describes the CPU the host backend runs on
func (h *Host) Describe() string {
	return fmt.Sprintf("%s, %d logical cores, AVX2 %v, work group %d", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores,
		cpuid.CPU.AVX2(), PreferredWorkGroup())
}

// Preferred work group width in float32 lanes for this CPU
func PreferredWorkGroup() int {
	switch {
	case cpuid.CPU.AVX2(), cpuid.CPU.AVX():
		return 8
	default:
		return 4
	}
}

func (h *Host) CreateContext() (Context, error) {
	n := h.NumThreads
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &hostContext{numThreads: n, built: make(map[string]bool)}, nil
}

type hostContext struct {
	numThreads int
	mu         sync.Mutex
	built      map[string]bool
	svms       int
}

var kernelDecl = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Builds a program by matching its declared kernels to registered Go kernels
func (c *hostContext) Build(source string) error {
	names := kernelDecl.FindAllStringSubmatch(source, -1)
	if len(names) == 0 {
		return errors.New("program declares no kernels")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if lookupHostKernel(n[1]) == nil {
			return errors.New(fmt.Sprintf("kernel %s has no host implementation", n[1]))
		}
		c.built[n[1]] = true
	}
	return nil
}

func (c *hostContext) CreateQueue() (Queue, error) {
	return &hostQueue{ctx: c}, nil
}

func (c *hostContext) SVMAlloc(host *data.Buffer) (*SVM, error) {
	if host == nil || host.IsView() || !host.Type.IsNumeric() {
		return nil, errors.New(fmt.Sprintf("cannot mirror %v on the device", host))
	}
	c.mu.Lock()
	c.svms++
	c.mu.Unlock()
	dev, err := data.New(host.Type, host.Dsize, true, data.RAMOnly())
	if err != nil {
		return nil, err
	}
	return &SVM{Host: host, Device: dev}, nil
}

func (c *hostContext) SVMFree(s *SVM) error {
	if s == nil || s.freed {
		return errors.New("double free of device buffer")
	}
	s.freed = true
	s.Device = nil
	c.mu.Lock()
	c.svms--
	c.mu.Unlock()
	return nil
}

func (c *hostContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svms != 0 {
		return errors.New(fmt.Sprintf("%d device buffers still allocated", c.svms))
	}
	return nil
}

type hostQueue struct {
	ctx *hostContext
}

func (q *hostQueue) CopyToDevice(s *SVM) error {
	if s == nil || s.freed {
		return errors.New("copy to a freed device buffer")
	}
	return copyBuffer(s.Device.(*data.Buffer), s.Host)
}

func (q *hostQueue) CopyToHost(s *SVM) error {
	if s == nil || s.freed {
		return errors.New("copy from a freed device buffer")
	}
	if err := copyBuffer(s.Host, s.Device.(*data.Buffer)); err != nil {
		return err
	}
	s.Host.Touch()
	return nil
}

func copyBuffer(dst, src *data.Buffer) error {
	c, err := data.Copy(src, data.RAMOnly())
	if err != nil {
		return err
	}
	switch d := dst.Array.(type) {
	case []float32:
		copy(d, c.Array.([]float32))
	case []float64:
		copy(d, c.Array.([]float64))
	case []int32:
		copy(d, c.Array.([]int32))
	case []uint8:
		copy(d, c.Array.([]uint8))
	default:
		for i := 0; i < dst.Size; i++ {
			data.SetFloat64(dst, i, data.ValueAt(c, i))
		}
	}
	return nil
}

func (q *hostQueue) Launch(kernel string, args []Arg, grid, block []int) error {
	q.ctx.mu.Lock()
	built := q.ctx.built[kernel]
	q.ctx.mu.Unlock()
	if !built {
		return errors.New(fmt.Sprintf("kernel %s was not built", kernel))
	}
	if len(grid) == 0 || len(block) != len(grid) {
		return errors.New(fmt.Sprintf("kernel %s: grid %v and block %v do not match", kernel, grid, block))
	}
	return lookupHostKernel(kernel)(args, grid, block, q.ctx.numThreads)
}

// Host launches run synchronously
func (q *hostQueue) Finish() error { return nil }

// Device-side typed storage of a buffer argument
func DeviceFloat32(s *SVM) ([]float32, error) {
	if s == nil || s.freed {
		return nil, errors.New("buffer argument is not live")
	}
	b, ok := s.Device.(*data.Buffer)
	if !ok {
		return nil, errors.New("buffer argument is not host memory")
	}
	arr, ok := b.Array.([]float32)
	if !ok {
		return nil, errors.New(fmt.Sprintf("buffer argument of %v; want float32", b.Type))
	}
	return arr, nil
}
