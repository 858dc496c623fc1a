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

// Package post finds, segments and measures the sources in prepared frames.
package post

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/measure"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/table"
)

// Detects signal above the noise in the convolved image. Needs a preceding
// convolution, and stores the result in the frame's Detection
type OpDetect struct {
	ops.OpUnaryBase
	detect.Config
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpDetectDefault() }) } // register the operator for JSON decoding

func NewOpDetectDefault() *OpDetect { return NewOpDetect(detect.DefaultConfig()) }

func NewOpDetect(cfg detect.Config) *OpDetect {
	op := &OpDetect{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "detect", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpDetect) UnmarshalJSON(b []byte) error {
	type defaults OpDetect
	def := defaults(*NewOpDetectDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	*op = OpDetect(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpDetect) Apply(f *ops.Frame, c *ops.Context) (result *ops.Frame, err error) {
	if f.Conv == nil {
		return nil, errors.New(fmt.Sprintf("%d: detection needs a convolved image", f.ID))
	}
	cfg := op.Config
	cfg.NumThreads, cfg.Log, cfg.Cancel = c.MaxThreads, c.Log, c.Cancel
	cfg.Mesh.NumThreads, cfg.Mesh.Log, cfg.Mesh.Cancel = c.MaxThreads, c.Log, c.Cancel

	res, err := detect.Detect(f.Image, f.Conv, c.TileConfig(f.Image.Ndim()), cfg, c.Alloc)
	if err != nil {
		return nil, errors.New(fmt.Sprintf("%d: %s", f.ID, err.Error()))
	}
	if f.Detection != nil {
		f.Detection.Free()
	}
	f.Detection = res
	f.SkyPlane, f.StdPlane = res.SkyPlane, res.StdPlane
	if c.Log != nil {
		fmt.Fprintf(c.Log, "%d: %d detections after %d sky iterations, S/N cut %.3f\n",
			f.ID, res.NumDetections, res.Iterations, res.SNCut)
	}
	return f, nil
}

// Segments detections into clumps and objects. Needs a preceding detection
type OpSegment struct {
	ops.OpUnaryBase
	segment.Config
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpSegmentDefault() }) } // register the operator for JSON decoding

func NewOpSegmentDefault() *OpSegment { return NewOpSegment(segment.DefaultConfig()) }

func NewOpSegment(cfg segment.Config) *OpSegment {
	op := &OpSegment{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "segment", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSegment) UnmarshalJSON(b []byte) error {
	type defaults OpSegment
	def := defaults(*NewOpSegmentDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	*op = OpSegment(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpSegment) Apply(f *ops.Frame, c *ops.Context) (result *ops.Frame, err error) {
	if f.Detection == nil || f.Conv == nil {
		return nil, errors.New(fmt.Sprintf("%d: segmentation needs a convolved image and detections", f.ID))
	}
	cfg := op.Config
	cfg.NumThreads, cfg.Log, cfg.Cancel = c.MaxThreads, c.Log, c.Cancel

	res, err := segment.Segment(segment.Input{Image: f.Image, Conv: f.Conv, Detection: f.Detection}, cfg, c.Alloc)
	if err != nil {
		return nil, errors.New(fmt.Sprintf("%d: %s", f.ID, err.Error()))
	}
	if f.Segments != nil {
		f.Segments.Free()
	}
	f.Segments = res
	return f, nil
}

// Measures objects and clumps into a catalog, and optionally writes the
// object and clump tables as text. Needs a preceding segmentation
type OpCatalog struct {
	ops.OpUnaryBase
	measure.Config
	FilePattern string `json:"filePattern"` // objects table, may contain %d for the frame ID; empty keeps the catalog in memory
	Clumps      bool   `json:"clumps"`      // also write the clumps table, suffixed _clumps
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpCatalogDefault() }) } // register the operator for JSON decoding

func NewOpCatalogDefault() *OpCatalog { return NewOpCatalog(measure.DefaultConfig(), "", true) }

func NewOpCatalog(cfg measure.Config, filePattern string, clumps bool) *OpCatalog {
	op := &OpCatalog{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "catalog", Active: true}},
		Config:      cfg,
		FilePattern: filePattern,
		Clumps:      clumps,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpCatalog) UnmarshalJSON(b []byte) error {
	type defaults OpCatalog
	def := defaults(*NewOpCatalogDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	*op = OpCatalog(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpCatalog) Apply(f *ops.Frame, c *ops.Context) (result *ops.Frame, err error) {
	if f.Segments == nil || f.Detection == nil {
		return nil, errors.New(fmt.Sprintf("%d: catalog needs a segmentation", f.ID))
	}
	cfg := op.Config
	cfg.NumThreads, cfg.Log, cfg.Cancel = c.MaxThreads, c.Log, c.Cancel
	in := measure.Input{
		Image:      f.Image,
		Sky:        f.Detection.Sky,
		Std:        f.Detection.Std,
		Detections: f.Detection.Labels,
		Segments:   f.Segments,
	}
	cat, err := measure.Measure(in, cfg)
	if err != nil {
		return nil, errors.New(fmt.Sprintf("%d: %s", f.ID, err.Error()))
	}
	f.Catalog = cat

	if op.FilePattern == "" {
		return f, nil
	}
	fileName := op.FilePattern
	if strings.Contains(fileName, "%d") {
		fileName = fmt.Sprintf(op.FilePattern, f.ID)
	}
	if c.SandboxPaths && !ops.IsPathAllowed(fileName) {
		return nil, errors.New("Filename outside current directory tree, aborting")
	}
	if err := op.write(f, false, fileName, c); err != nil {
		return nil, err
	}
	if op.Clumps {
		if err := op.write(f, true, ClumpsFileName(fileName), c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Name of the clumps table accompanying an objects table
func ClumpsFileName(fileName string) string {
	ext := filepath.Ext(fileName)
	return strings.TrimSuffix(fileName, ext) + "_clumps" + ext
}

func (op *OpCatalog) write(f *ops.Frame, clumps bool, fileName string, c *ops.Context) error {
	cols, err := f.Catalog.Columns(clumps)
	if err != nil {
		return err
	}
	comments := CatalogComments(f, op.Config)
	if c.Log != nil {
		kind := "objects"
		if clumps {
			kind = "clumps"
		}
		fmt.Fprintf(c.Log, "%d: Writing %s catalog to %s\n", f.ID, kind, fileName)
	}
	return table.Write(cols, fileName, comments)
}

// Comment lines documenting a catalog's provenance
func CatalogComments(f *ops.Frame, cfg measure.Config) []string {
	cs := []string{
		fmt.Sprintf("Input: %s", f.FileName),
		fmt.Sprintf("Detections: %d, S/N cut %.4f", f.Detection.NumDetections, f.Detection.SNCut),
		fmt.Sprintf("Objects: %d, clumps: %d, clump S/N cut %.4f", f.Segments.NumObjects, f.Segments.NumClumps, f.Segments.ClumpSNCut),
		fmt.Sprintf("Zero point: %g", cfg.ZeroPoint),
	}
	if cfg.UpperLimit {
		cs = append(cs, fmt.Sprintf("Upper limits: %d apertures at %g sigma, seed %d", cfg.UpNum, cfg.UpNSigma, cfg.Seed))
	}
	return cs
}
