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

// Package device offloads kernels to a compute device through shared
// virtual memory buffers mirroring typed buffers, command queues and named
// kernels built from OpenCL-style sources. A host backend runs registered Go
// kernels on goroutines, so callers always have a device to fall back to.
package device

import (
	"errors"
	"fmt"

	"github.com/mlnoga/skymesh/internal/data"
)

// A compute device
type Backend interface {
	Name() string
	Describe() string
	CreateContext() (Context, error)
}

// Owns device memory and built programs
type Context interface {
	CreateQueue() (Queue, error)
	// Builds a program from kernel source, making its kernels launchable
	Build(source string) error
	// Allocates a device buffer mirroring a typed host buffer
	SVMAlloc(host *data.Buffer) (*SVM, error)
	SVMFree(s *SVM) error
	Release() error
}

// Executes copies and kernel launches in order
type Queue interface {
	CopyToDevice(s *SVM) error
	CopyToHost(s *SVM) error
	// Launches a kernel over an N-D grid of work items, in work groups of size block
	Launch(kernel string, args []Arg, grid, block []int) error
	Finish() error
}

// A shared virtual memory buffer: a device-side mirror of a host buffer
type SVM struct {
	Host   *data.Buffer
	Device any // typed device storage, backend specific
	freed  bool
}

// Kind of a kernel argument
type ArgKind int

const (
	ArgBuffer ArgKind = iota
	ArgInt
	ArgFloat
)

// A typed kernel argument
type Arg struct {
	Kind  ArgKind
	Buf   *SVM
	Int   int64
	Float float64
}

// Buffer argument
func BufferArg(s *SVM) Arg { return Arg{Kind: ArgBuffer, Buf: s} }

// Integer argument
func IntArg(i int) Arg { return Arg{Kind: ArgInt, Int: int64(i)} }

// Floating point argument
func FloatArg(f float64) Arg { return Arg{Kind: ArgFloat, Float: f} }

// Returned when no device is available
var ErrNoDevice = errors.New("no compute device available")

func checkArgs(kernel string, args []Arg, kinds ...ArgKind) error {
	if len(args) != len(kinds) {
		return errors.New(fmt.Sprintf("kernel %s: %d arguments; want %d", kernel, len(args), len(kinds)))
	}
	for i, k := range kinds {
		if args[i].Kind != k {
			return errors.New(fmt.Sprintf("kernel %s: argument %d has kind %d; want %d", kernel, i, args[i].Kind, k))
		}
		if k == ArgBuffer && (args[i].Buf == nil || args[i].Buf.freed) {
			return errors.New(fmt.Sprintf("kernel %s: argument %d is not a live buffer", kernel, i))
		}
	}
	return nil
}

// Checks the arguments of a launch against the expected kinds
func CheckArgs(kernel string, args []Arg, kinds ...ArgKind) error {
	return checkArgs(kernel, args, kinds...)
}
