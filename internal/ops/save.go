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

package ops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/fits"
	"github.com/mlnoga/skymesh/internal/stats"
)

// Layers of a frame which can be saved, with their FITS extension names
var layerExtNames = map[string]string{
	"image":      "INPUT",
	"conv":       "CONVOLVED",
	"sky":        "SKY",
	"std":        "SKY_STD",
	"detections": "DETECTIONS",
	"objects":    "OBJECTS",
	"clumps":     "CLUMPS",
}

// Default layers to save
var DefaultLayers = []string{"image", "detections", "objects", "clumps"}

// Save layers of a frame to FITS, TIFF or JPEG. Takes n inputs, produces n outputs.
// FITS files receive one extension per available layer. TIFF files receive
// the first available layer as a 16-bit preview, JPEG files the first label layer
type OpSave struct {
	OpUnaryBase
	FilePattern string   `json:"filePattern"` // may contain %d for the frame ID
	Layers      []string `json:"layers"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("", nil) }

func NewOpSave(filePattern string, layers []string) *OpSave {
	if len(layers) == 0 {
		layers = append([]string{}, DefaultLayers...)
	}
	op := OpSave{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "save", Active: filePattern != ""}},
		FilePattern: filePattern,
		Layers:      layers,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Returns the buffer for a layer of the frame, or nil if not yet computed
func (f *Frame) Layer(name string) (*data.Buffer, error) {
	switch name {
	case "image":
		return f.Image, nil
	case "conv":
		return f.Conv, nil
	case "sky":
		if f.Sky == nil && f.Detection != nil {
			return f.Detection.Sky, nil
		}
		return f.Sky, nil
	case "std":
		if f.Std == nil && f.Detection != nil {
			return f.Detection.Std, nil
		}
		return f.Std, nil
	case "detections":
		if f.Detection == nil {
			return nil, nil
		}
		return f.Detection.Labels, nil
	case "objects":
		if f.Segments == nil {
			return nil, nil
		}
		return f.Segments.Objects, nil
	case "clumps":
		if f.Segments == nil {
			return nil, nil
		}
		return f.Segments.Clumps, nil
	}
	return nil, errors.New(fmt.Sprintf("unknown layer '%s'", name))
}

func isFITSName(fnLower string) bool {
	for _, ext := range []string{".fits", ".fit", ".fts"} {
		for _, comp := range []string{"", ".gz", ".gzip"} {
			if strings.HasSuffix(fnLower, ext+comp) {
				return true
			}
		}
	}
	return false
}

func (op *OpSave) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if !op.Active || op.FilePattern == "" {
		return f, nil
	}
	fileName := op.FilePattern
	if strings.Contains(fileName, "%d") {
		fileName = fmt.Sprintf(op.FilePattern, f.ID)
	}
	if c.SandboxPaths && !IsPathAllowed(fileName) {
		return nil, errors.New("Filename outside current directory tree, aborting")
	}
	fnLower := strings.ToLower(fileName)

	if isFITSName(fnLower) {
		err = op.saveFITS(f, fileName, c)
	} else if strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff") {
		err = op.saveTIFF(f, fileName, c)
	} else if strings.HasSuffix(fnLower, ".jpeg") || strings.HasSuffix(fnLower, ".jpg") {
		err = op.saveJPEG(f, fileName, c)
	} else {
		err = errors.New("Unknown suffix")
	}
	if err != nil {
		return nil, errors.New(fmt.Sprintf("%d: Error writing to file %s: %s\n", f.ID, fileName, err.Error()))
	}
	return f, nil
}

func (op *OpSave) saveFITS(f *Frame, fileName string, c *Context) error {
	written := 0
	for _, layer := range op.Layers {
		b, err := f.Layer(layer)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		keys := op.keys(f, layer)
		if c.Log != nil {
			fmt.Fprintf(c.Log, "%d: Writing %s layer %s to %s\n", f.ID, layer, b, fileName)
		}
		if err := fits.WriteImage(b, fileName, layerExtNames[layer], keys); err != nil {
			return err
		}
		written++
	}
	if written == 0 {
		return errors.New(fmt.Sprintf("none of the layers %v is available", op.Layers))
	}
	return nil
}

// Header keywords documenting how a layer was derived
func (op *OpSave) keys(f *Frame, layer string) []fits.Key {
	switch layer {
	case "detections":
		d := f.Detection
		return []fits.Key{
			{Name: "NUMLABS", Value: d.NumDetections, Comment: "Number of detections"},
			{Name: "DETSN", Value: d.SNCut, Comment: "Minimum S/N of true pseudo-detections"},
			{Name: "SKYITER", Value: d.Iterations, Comment: "Sky re-estimations with detections masked"},
		}
	case "objects":
		return []fits.Key{{Name: "NUMLABS", Value: f.Segments.NumObjects, Comment: "Number of objects"}}
	case "clumps":
		return []fits.Key{
			{Name: "NUMLABS", Value: f.Segments.NumClumps, Comment: "Number of clumps"},
			{Name: "CLUMPSN", Value: f.Segments.ClumpSNCut, Comment: "Minimum S/N of true clumps"},
		}
	}
	return nil
}

func (op *OpSave) saveTIFF(f *Frame, fileName string, c *Context) error {
	for _, layer := range op.Layers {
		b, err := f.Layer(layer)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if b.Type != data.TypeFloat32 {
			if b, err = data.CopyAs(b, data.TypeFloat32, c.Alloc); err != nil {
				return err
			}
			defer b.Free()
		}
		if b.Ndim() != 2 {
			return errors.New(fmt.Sprintf("cannot write %s layer %s as TIFF", layer, b))
		}
		s := stats.Describe(b)
		min, max := float32(s.Min), float32(s.Max)
		if !(max > min) {
			max = min + 1
		}
		if c.Log != nil {
			fmt.Fprintf(c.Log, "%d: Writing %s layer %s as 16-bit TIFF to %s\n", f.ID, layer, b, fileName)
		}
		return fits.WriteTIFF16ToFile(b, fileName, min, max, 1)
	}
	return errors.New(fmt.Sprintf("none of the layers %v is available", op.Layers))
}

func (op *OpSave) saveJPEG(f *Frame, fileName string, c *Context) error {
	for _, layer := range op.Layers {
		b, err := f.Layer(layer)
		if err != nil {
			return err
		}
		if b == nil || b.Type != data.TypeInt32 {
			continue
		}
		if b.Ndim() != 2 {
			return errors.New(fmt.Sprintf("cannot write %s layer %s as JPEG", layer, b))
		}
		if c.Log != nil {
			fmt.Fprintf(c.Log, "%d: Writing %s label map %s as JPEG to %s\n", f.ID, layer, b, fileName)
		}
		return fits.WriteLabelsJPGToFile(b, fileName, 95)
	}
	return errors.New(fmt.Sprintf("none of the layers %v is an available label map", op.Layers))
}
