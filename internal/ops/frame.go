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
	"fmt"
	"strings"

	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/measure"
	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/stats"
)

// A frame flowing through a pipeline: the input image plus everything
// derived from it so far. Later steps read the products of earlier ones
type Frame struct {
	ID       int
	FileName string
	Image    *data.Buffer // float32 input, sky-subtracted once OpSky ran with subtraction
	Conv     *data.Buffer // convolved image

	Sky, Std           *data.Buffer // at image resolution
	SkyPlane, StdPlane *mesh.Plane  // per tile

	Detection *detect.Result
	Segments  *segment.Result
	Catalog   *measure.Catalog

	stats *stats.Summary
}

// Releases all buffers held by the frame
func (f *Frame) Free() {
	if f == nil {
		return
	}
	if f.Detection != nil {
		f.Detection.Free()
		f.Detection = nil
	}
	if f.Segments != nil {
		f.Segments.Free()
		f.Segments = nil
	}
	for _, b := range []*data.Buffer{f.Image, f.Conv, f.Sky, f.Std} {
		if b != nil {
			b.Free()
		}
	}
	f.Image, f.Conv, f.Sky, f.Std = nil, nil, nil, nil
	f.stats = nil
}

// Summary statistics of the image, computed on first use
func (f *Frame) Summary() stats.Summary {
	if f.stats == nil {
		s := stats.Describe(f.Image)
		f.stats = &s
	}
	return *f.stats
}

// Forgets cached statistics after the image has changed
func (f *Frame) Touch() {
	f.stats = nil
	f.Image.Touch()
}

// Image dimensions in FITS order, e.g. "1024x768"
func (f *Frame) DimensionsToString() string {
	b := strings.Builder{}
	for i := len(f.Image.Dsize) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%d", f.Image.Dsize[i])
		if i > 0 {
			b.WriteString("x")
		}
	}
	return b.String()
}
