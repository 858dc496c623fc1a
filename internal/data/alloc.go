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

package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Allocation mode of an allocator
type Mode int

const (
	AllocAuto Mode = iota // RAM, promoted to mmap above MinMapSize or beyond the RAM budget
	AllocRAM              // always RAM
	AllocMmap             // always memory-mapped, except for strings and empty buffers
)

// Default threshold above which buffers are memory-mapped, in bytes
const DefaultMinMapSize = 1 << 20

// Directory for memory-mapped temporary files, relative to the working directory
const MmapDir = "gnuastro_mmap"

// Allocation strategy. Passed explicitly to every buffer constructor, and
// inherited by derived buffers via Buffer.Alloc
type Allocator struct {
	Mode       Mode
	MinMapSize int64     // bytes; negative never maps in auto mode
	Quiet      bool      // suppress promotion messages
	Log        io.Writer // promotion messages go here unless Quiet
	RAMBudget  int64     // bytes of RAM buffers before promotion; 0 is unlimited
	Dir        string    // directory for mapped files, defaults to MmapDir

	inRAM   int64 // atomic
	mu      sync.Mutex
	live    map[string]struct{}
	counter int
}

// Creates an automatic RAM-or-mmap allocator
func NewAllocator(minMapSize int64, quiet bool, log io.Writer) *Allocator {
	return &Allocator{Mode: AllocAuto, MinMapSize: minMapSize, Quiet: quiet, Log: log}
}

// Creates an allocator which never maps
func RAMOnly() *Allocator {
	return &Allocator{Mode: AllocRAM, MinMapSize: -1, Quiet: true}
}

// Creates an allocator which maps every non-empty numeric buffer into files in dir
func MmapOnly(dir string) *Allocator {
	return &Allocator{Mode: AllocMmap, MinMapSize: 0, Quiet: true, Dir: dir}
}

// Number of mapped files created so far
func (a *Allocator) NumMapped() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

// Names of mapped files currently alive
func (a *Allocator) Live() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.live))
	for n := range a.live {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bytes currently held in RAM buffers
func (a *Allocator) InRAM() int64 {
	if a == nil {
		return 0
	}
	return atomic.LoadInt64(&a.inRAM)
}

// Removes all mapped files still alive. Call on program exit; mappings
// themselves go away with the process
func (a *Allocator) Cleanup() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for n := range a.live {
		if err := os.Remove(n); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
		delete(a.live, n)
	}
	return first
}

func (a *Allocator) shouldMap(t Type, nbytes int64) bool {
	if a == nil || nbytes == 0 || t.Size() == 0 {
		return false
	}
	switch a.Mode {
	case AllocRAM:
		return false
	case AllocMmap:
		return true
	}
	if !mmapSupported {
		return false
	}
	if a.MinMapSize >= 0 && nbytes > a.MinMapSize {
		return true
	}
	return a.RAMBudget > 0 && atomic.LoadInt64(&a.inRAM)+nbytes > a.RAMBudget
}

func (a *Allocator) allocate(b *Buffer, clear bool) error {
	nbytes := int64(b.Size) * int64(b.Type.Size())
	b.nbytes = nbytes
	if a.shouldMap(b.Type, nbytes) {
		mapping, name, err := a.mapFile(nbytes)
		if err != nil {
			return err
		}
		b.mapping, b.MmapName = mapping, name
		b.Array = viewBytes(b.Type, mapping, b.Size)
		if !a.Quiet && a.Log != nil {
			fmt.Fprintf(a.Log, "%s: temporary memory-mapped file for %d bytes of %s\n", name, nbytes, b.String())
		}
		return nil
	}
	b.Array = makeSlice(b.Type, b.Size)
	if a != nil {
		atomic.AddInt64(&a.inRAM, nbytes)
	}
	return nil
}

func (a *Allocator) release(b *Buffer) error {
	if b.mapping != nil {
		err := munmap(b.mapping)
		b.mapping, b.Array = nil, nil
		if rerr := os.Remove(b.MmapName); rerr != nil && err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
		if a != nil {
			a.mu.Lock()
			delete(a.live, b.MmapName)
			a.mu.Unlock()
		}
		b.MmapName = ""
		return err
	}
	if b.Array != nil && a != nil {
		atomic.AddInt64(&a.inRAM, -b.nbytes)
	}
	b.Array = nil
	return nil
}

// Creates a uniquely named file under Dir, or a hidden file in the working
// directory if Dir cannot be created, sizes it and maps it shared read/write
func (a *Allocator) mapFile(nbytes int64) (mapping []byte, name string, err error) {
	dir := a.Dir
	if dir == "" {
		dir = MmapDir
	}
	var f *os.File
	if err = os.MkdirAll(dir, 0755); err == nil {
		f, err = os.CreateTemp(dir, "XXXXXX")
	}
	if err != nil {
		f, err = os.CreateTemp(".", "."+filepath.Base(dir)+"_")
		if err != nil {
			return nil, "", errors.New(fmt.Sprintf("cannot create memory-mapped file in '%s' or working directory: %s%s",
				dir, err.Error(), hpcHint))
		}
	}
	name = f.Name()
	defer f.Close()

	// a single byte past the end sizes the file
	if _, err = f.WriteAt([]byte{0}, nbytes-1); err != nil {
		os.Remove(name)
		return nil, "", errors.New(fmt.Sprintf("%s: cannot size memory-mapped file to %d bytes: %s%s",
			name, nbytes, err.Error(), hpcHint))
	}
	mapping, err = mmapFile(f, int(nbytes))
	if err != nil {
		os.Remove(name)
		return nil, "", errors.New(fmt.Sprintf("%s: cannot map %d bytes: %s%s", name, nbytes, err.Error(), hpcHint))
	}

	a.mu.Lock()
	if a.live == nil {
		a.live = map[string]struct{}{}
	}
	a.live[name] = struct{}{}
	a.counter++
	a.mu.Unlock()
	return mapping, name, nil
}

const hpcHint = ". On HPC clusters, job schedulers often limit local disk or virtual memory; " +
	"run from a directory on a large local scratch filesystem, or raise the minimum mapping size"

func makeSlice(t Type, n int) any {
	switch t {
	case TypeBit, TypeUint8:
		return make([]uint8, n)
	case TypeInt8:
		return make([]int8, n)
	case TypeUint16:
		return make([]uint16, n)
	case TypeInt16:
		return make([]int16, n)
	case TypeUint32:
		return make([]uint32, n)
	case TypeInt32:
		return make([]int32, n)
	case TypeUint64:
		return make([]uint64, n)
	case TypeInt64:
		return make([]int64, n)
	case TypeFloat32:
		return make([]float32, n)
	case TypeFloat64:
		return make([]float64, n)
	case TypeComplex64:
		return make([]complex64, n)
	case TypeComplex128:
		return make([]complex128, n)
	case TypeString:
		return make([]string, n)
	}
	return nil
}

// Reinterprets mapped bytes as a typed slice
func viewBytes(t Type, b []byte, n int) any {
	p := unsafe.Pointer(&b[0])
	switch t {
	case TypeBit, TypeUint8:
		return unsafe.Slice((*uint8)(p), n)
	case TypeInt8:
		return unsafe.Slice((*int8)(p), n)
	case TypeUint16:
		return unsafe.Slice((*uint16)(p), n)
	case TypeInt16:
		return unsafe.Slice((*int16)(p), n)
	case TypeUint32:
		return unsafe.Slice((*uint32)(p), n)
	case TypeInt32:
		return unsafe.Slice((*int32)(p), n)
	case TypeUint64:
		return unsafe.Slice((*uint64)(p), n)
	case TypeInt64:
		return unsafe.Slice((*int64)(p), n)
	case TypeFloat32:
		return unsafe.Slice((*float32)(p), n)
	case TypeFloat64:
		return unsafe.Slice((*float64)(p), n)
	case TypeComplex64:
		return unsafe.Slice((*complex64)(p), n)
	case TypeComplex128:
		return unsafe.Slice((*complex128)(p), n)
	}
	return nil
}
