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

// Package ops chains pipeline steps as operators over promises of frames.
// Operators serialize to JSON with a type tag, so that pipelines can be
// described by configuration files or sent to the REST server.
package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/device"
	"github.com/mlnoga/skymesh/internal/fits"
	"github.com/mlnoga/skymesh/internal/pool"
	"github.com/mlnoga/skymesh/internal/tile"
)

// An execution context for operators
type Context struct {
	Log          io.Writer
	MemoryMB     int // memory.TotalMemory()/1024/1024
	BufferMB     int // RAM share for buffers, MemoryMB*7/10 by default
	MaxThreads   int `json:"maxThreads"`
	Alloc        *data.Allocator
	Tile         tile.Config
	Device       device.Backend // nil runs all kernels on the CPU
	Source       *device.KernelSource
	Cancel       *pool.Cancel
	SandboxPaths bool // only relative paths within the working directory
}

// Creates a context from the configuration. Buffers above the minimum map size,
// or beyond the configured share of physical memory held in RAM, are memory-mapped
func NewContext(log io.Writer, cfg *config.Config) (*Context, error) {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	budgetPct := cfg.Memory.BudgetPct
	if budgetPct <= 0 || budgetPct > 100 {
		budgetPct = 70
	}
	bufferMB := memoryMB * budgetPct / 100
	alloc := data.NewAllocator(cfg.Memory.MinMapSize, cfg.Memory.Quiet, log)
	alloc.RAMBudget = int64(bufferMB) << 20
	alloc.Dir = cfg.Memory.MmapDir

	c := &Context{
		Log:        log,
		MemoryMB:   memoryMB,
		BufferMB:   bufferMB,
		MaxThreads: pool.NumThreads(cfg.Threads),
		Alloc:      alloc,
		Tile:       cfg.Tile.Config,
		Cancel:     &pool.Cancel{},
	}
	switch cfg.Convolve.DeviceName {
	case "":
	case "host":
		c.Device = device.NewHost()
		src, err := device.NewKernelSource(cfg.Convolve.KernelDir, 0)
		if err != nil {
			return nil, err
		}
		c.Source = src
	default:
		return nil, errors.New(fmt.Sprintf("unknown compute device '%s'", cfg.Convolve.DeviceName))
	}
	return c, nil
}

// Tessellation for an image, adapting the default dimensionality if needed
func (c *Context) TileConfig(ndim int) tile.Config {
	if len(c.Tile.TileSize) == ndim {
		return c.Tile
	}
	t := tile.DefaultConfig(ndim)
	if len(c.Tile.TileSize) > 0 {
		for i := range t.TileSize {
			t.TileSize[i] = c.Tile.TileSize[len(c.Tile.TileSize)-1]
		}
		t.RemainderFrac = c.Tile.RemainderFrac
	}
	return t
}

// A promise for a frame. Returns a materialized frame, or an error
type Promise func() (f *Frame, err error)

// Materializes all promises with given concurrency limit
func MaterializeAll(ins []Promise, maxThreads int, forget bool) (outs []*Frame, err error) {
	if len(ins) == 0 {
		return nil, nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	if !forget {
		outs = make([]*Frame, len(ins))
	}
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, len(ins))
	for i, in := range ins {
		limiter <- true
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			f, err := theIn() // materialize the promise
			if err != nil {
				errs <- err
				return
			}
			if !forget {
				outs[i] = f
			} else if f != nil {
				f.Free()
			}
			errs <- nil
		}(i, in)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	for i := 0; i < len(ins); i++ { // collect errors
		e := <-errs
		if e != nil {
			if err == nil {
				err = e
			} else {
				err = errors.New(fmt.Sprintf("%s; %s", err.Error(), e.Error()))
			}
		}
	}
	return RemoveNils(outs), err
}

// Remove nils from an array of frames, editing the underlying array in place
func RemoveNils(frames []*Frame) []*Frame {
	o := 0
	for i := 0; i < len(frames); i++ {
		if frames[i] != nil {
			frames[o] = frames[i]
			o++
		}
	}
	for i := o; i < len(frames); i++ {
		frames[i] = nil
	}
	return frames[:o]
}

// An general processing operator: takes n promises as inputs,
// and produces m promises as output or an error
type Operator interface {
	GetType() string
	IsActive() bool
	MakePromises(ins []Promise, c *Context) (outs []Promise, err error)
}

// Base type for operators, including type information for JSON serializing/deserializing
type OpBase struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

func (op *OpBase) GetType() string { return op.Type }
func (op *OpBase) IsActive() bool  { return op.Active }

// Factory method for subclasses of operators. For JSON serializing/deserializing
type OperatorFactory func() Operator

// Mapping from operator type strings to factory method for the type
var operatorFactories = map[string]OperatorFactory{}

// Returns the operator factory for a given type string
func GetOperatorFactory(t string) OperatorFactory {
	return operatorFactories[t]
}

// Registers a given type string for a given type of operator, identified via an exemplar generator
func SetOperatorFactory(f OperatorFactory) {
	op := f()
	t := op.GetType()
	if GetOperatorFactory(t) != nil {
		panic(fmt.Sprintf("error: re-registering operator key %s\n", t))
	}
	operatorFactories[t] = f
}

// Decodes a single operator from JSON, dispatching on its type tag
func UnmarshalOperator(raw []byte) (Operator, error) {
	var base OpBase
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}
	factory := GetOperatorFactory(base.Type)
	if factory == nil {
		return nil, errors.New(fmt.Sprintf("Unknown operator type '%s' in raw JSON message '%s'", base.Type, string(raw)))
	}
	op := factory()
	if err := json.Unmarshal(raw, op); err != nil {
		return nil, err
	}
	return op, nil
}

// A unary operator: given n promises as inputs, applies itself to each of
// them individually and returns n output promises or an error
type OperatorUnary interface {
	Operator
	Apply(f *Frame, c *Context) (fOut *Frame, err error)
}

// Abstract base type for unary operators. Uses golang workaround for abstract classes
// from https://golangbyexample.com/go-abstract-class/
type OpUnaryBase struct {
	OpBase
	Apply func(f *Frame, c *Context) (fOut *Frame, err error) `json:"-"`
}

func (op *OpUnaryBase) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) == 0 {
		return nil, errors.New(fmt.Sprintf("unary operator with %d inputs", len(ins)))
	}
	outs = make([]Promise, len(ins))
	for i, in := range ins {
		outs[i] = op.MakePromise(in, c)
	}
	return outs, nil
}

func (op *OpUnaryBase) MakePromise(in Promise, c *Context) (out Promise) {
	return func() (f *Frame, err error) {
		if f, err = in(); err != nil {
			return nil, err // materialize input promise
		}
		if !op.Active {
			return f, nil
		}
		if c.Cancel != nil && c.Cancel.IsSet() {
			f.Free()
			return nil, pool.ErrCancelled
		}
		fOut, err := op.Apply(f, c)
		if err != nil {
			f.Free()
			return nil, err // apply unary operator
		}
		return fOut, nil // wrap output in promise
	}
}

// Load a single image from an HDU of a file. Takes zero inputs, produces one output
type OpLoad struct {
	OpBase
	ID       int    `json:"id"`
	FileName string `json:"fileName"`
	HDU      string `json:"hdu"` // extension name or index, empty for the first image with data
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadDefault() }) } // register the operator for JSON decoding

func NewOpLoadDefault() *OpLoad { return NewOpLoad(0, "", "") }

func NewOpLoad(id int, fileName, hdu string) *OpLoad {
	return &OpLoad{
		OpBase:   OpBase{Type: "load", Active: true},
		ID:       id,
		FileName: fileName,
		HDU:      hdu,
	}
}

// Load image from a file
func (op *OpLoad) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, errors.New(fmt.Sprintf("%s operator with non-zero input", op.Type))
	}
	if c.SandboxPaths && !IsPathAllowed(op.FileName) {
		return nil, errors.New("Filename outside current directory tree, aborting")
	}
	out := func() (f *Frame, err error) {
		return op.Apply(c)
	}
	return []Promise{out}, nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false // relative paths only
	}
	if strings.Contains(p, "..") {
		return false // no going outside the tree
	}
	return true
}

func (op *OpLoad) Apply(c *Context) (*Frame, error) {
	img, err := LoadImage(op.FileName, op.HDU, c)
	if err != nil {
		return nil, err
	}
	f := &Frame{ID: op.ID, FileName: op.FileName, Image: img}

	warning := ""
	sum := f.Summary()
	if !(sum.Max-sum.Min >= 1e-8) {
		warning = "; WARNING low dynamic range"
	}
	if c.Log != nil {
		fmt.Fprintf(c.Log, "%d: Loaded %s image with %v from %s%s\n",
			f.ID, f.DimensionsToString(), sum, f.FileName, warning)
	}
	return f, nil
}

// Reads an image HDU as a float32 buffer. Without an HDU name, the first
// image HDU with data is used
func LoadImage(fileName, hdu string, c *Context) (*data.Buffer, error) {
	file, err := fits.Open(fileName, c.Log)
	if err != nil {
		return nil, err
	}
	var h *fits.HDU
	if hdu != "" {
		if h, err = file.HDU(hdu); err != nil {
			return nil, err
		}
	} else {
		for _, cand := range file.HDUs {
			if cand.Kind == fits.KindImage && len(cand.Naxisn) > 0 {
				h = cand
				break
			}
		}
		if h == nil {
			return nil, errors.New(fmt.Sprintf("%s: no image HDU with data", fileName))
		}
	}
	img, err := fits.ReadImage(h, c.Alloc, c.Log)
	if err != nil {
		return nil, err
	}
	if img.Type != data.TypeFloat32 {
		conv, err := data.CopyAs(img, data.TypeFloat32, c.Alloc)
		img.Free()
		if err != nil {
			return nil, err
		}
		img = conv
	}
	return img, nil
}

// Load many images from a slice of filename patterns with wildcards.
// Takes zero inputs, produces n outputs
type OpLoadMany struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
	HDU          string   `json:"hdu"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadManyDefault() }) } // register the operator for JSON decoding

func NewOpLoadManyDefault() *OpLoadMany { return NewOpLoadMany(nil, "") }

func NewOpLoadMany(filePatterns []string, hdu string) *OpLoadMany {
	return &OpLoadMany{
		OpBase:       OpBase{Type: "loadMany", Active: true},
		FilePatterns: filePatterns,
		HDU:          hdu,
	}
}

// Turn filename wildcards into list of file load operators
func (op *OpLoadMany) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, errors.New(fmt.Sprintf("%s operator with non-zero input", op.Type))
	}
	for _, pattern := range op.FilePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if c.SandboxPaths && !IsPathAllowed(match) {
				if c.Log != nil {
					fmt.Fprintf(c.Log, "Pattern match outside current directory tree, skipping\n")
				}
				continue
			}
			opLoad := NewOpLoad(len(outs), match, op.HDU)
			promises, err := opLoad.MakePromises(nil, c)
			if err != nil {
				return nil, err
			}
			outs = append(outs, promises...)
		}
	}
	if len(outs) == 0 {
		return nil, errors.New(fmt.Sprintf("%s operator with no files to load from pattern %v",
			op.Type, op.FilePatterns))
	}
	if c.Log != nil {
		fmt.Fprintf(c.Log, "Found %d files.\n", len(outs))
	}
	return outs, nil
}

// Applies a sequence of operators to a promise. Number of inputs, outputs as per the chained steps
type OpSequence struct {
	OpBase
	Steps    []Operator        `json:"-"`     // the actual steps
	StepsRaw []json.RawMessage `json:"steps"` // helper for unmarshaling
}

func init() { SetOperatorFactory(func() Operator { return NewOpSequenceDefault() }) } // register the operator for JSON decoding

func NewOpSequenceDefault() *OpSequence { return NewOpSequence() }

func NewOpSequence(steps ...Operator) *OpSequence {
	return &OpSequence{
		OpBase: OpBase{Type: "seq", Active: len(steps) > 0},
		Steps:  steps,
	}
}

// Unmarshals a sequence of polymorphic operators from JSON.
// Uses temporary op.StepsRaw inspired by https://alexkappa.medium.com/json-polymorphism-in-go-4cade1e58ed1
func (op *OpSequence) UnmarshalJSON(b []byte) error {
	type alias OpSequence
	if err := json.Unmarshal(b, (*alias)(op)); err != nil {
		return err
	}
	op.Steps = op.Steps[:0]
	for _, raw := range op.StepsRaw {
		step, err := UnmarshalOperator(raw)
		if err != nil {
			return err
		}
		op.Steps = append(op.Steps, step)
	}
	op.StepsRaw = nil
	return nil
}

// Appends one or more operators to the existing sequence
func (op *OpSequence) Append(steps ...Operator) {
	op.Steps = append(op.Steps, steps...)
	op.Active = len(op.Steps) > 0
}

// Marshals a sequence with polymorphic operators to JSON.
// Uses the actual op.Steps with label "steps", and ignores op.StepsRaw
func (op *OpSequence) MarshalJSON() (bs []byte, err error) {
	buf := bytes.Buffer{}
	buf.WriteString("{\"type\":")
	inner, err := json.Marshal(op.Type)
	if err != nil {
		return nil, err
	}
	buf.Write(inner)
	fmt.Fprintf(&buf, ", \"active\":%v, \"steps\":", op.Active)
	inner, err = json.Marshal(op.Steps)
	if err != nil {
		return nil, err
	}
	buf.Write(inner)
	buf.WriteRune('}')
	return buf.Bytes(), nil
}

func (op *OpSequence) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	return op.applyRecursive(op.Steps, ins, c)
}

func (op *OpSequence) applyRecursive(steps []Operator, ins []Promise, c *Context) (outs []Promise, err error) {
	if len(steps) == 0 {
		return ins, nil
	}
	ins, err = steps[0].MakePromises(ins, c)
	if err != nil {
		return nil, err
	}
	return op.applyRecursive(steps[1:], ins, c)
}

// Applies a single operator to each input. Takes n inputs, produces n outputs
type OpForEach struct {
	OpBase
	Operation Operator `json:"operation"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpForEachDefault() }) } // register the operator for JSON decoding

func NewOpForEachDefault() *OpForEach { return NewOpForEach(nil) }

func NewOpForEach(operation Operator) *OpForEach {
	return &OpForEach{
		OpBase:    OpBase{Type: "forEach", Active: operation != nil},
		Operation: operation,
	}
}

// Decodes the embedded operation through its type tag
func (op *OpForEach) UnmarshalJSON(b []byte) error {
	var aux struct {
		OpBase
		Operation json.RawMessage `json:"operation"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	op.OpBase = aux.OpBase
	if len(aux.Operation) == 0 || string(aux.Operation) == "null" {
		op.Operation = nil
		return nil
	}
	inner, err := UnmarshalOperator(aux.Operation)
	if err != nil {
		return err
	}
	op.Operation = inner
	return nil
}

// Applies the operation to every input separately
func (op *OpForEach) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) == 0 {
		return ins, nil
	}
	if op.Operation == nil {
		return nil, errors.New(fmt.Sprintf("%s operator has no operation to apply", op.Type))
	}
	for _, in := range ins {
		out, err := op.Operation.MakePromises([]Promise{in}, c)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, errors.New(fmt.Sprintf("%s operator needs exactly one promise from embedded operation", op.Type))
		}
		outs = append(outs, out[0])
	}
	return outs, nil
}
