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

package measure

import (
	"math"

	"github.com/mlnoga/skymesh/internal/data"
)

// A catalog column: name, unit, comment and how to extract its value from a row
type column struct {
	name, unit, comment string
	t                   data.Type
	format              byte
	prec                int
	get                 func(r *Row) float64
}

// Axis names in FITS order, fastest varying first
var axisNames = []string{"X", "Y", "Z"}

// Converts the catalog into a chain of table columns. Positions are 1-based
// and in FITS axis order. With a world coordinate system, RA and DEC of the
// brightness weighted centre are added
func (c *Catalog) Columns(clumps bool) (*data.Buffer, error) {
	rows := c.Objects
	idName, idComment := "OBJ_ID", "Object identifier"
	if clumps {
		rows = c.Clumps
		idName, idComment = "CLUMP_ID", "Clump identifier"
	}
	nd := c.Ndim

	cols := []column{
		{idName, "counter", idComment, data.TypeInt32, 'd', 0, func(r *Row) float64 { return float64(r.ID) }},
	}
	if clumps {
		cols = append(cols, column{"HOST_OBJ_ID", "counter", "Object hosting this clump", data.TypeInt32, 'd', 0,
			func(r *Row) float64 { return float64(r.HostObj) }})
	} else {
		cols = append(cols, column{"NUM_CLUMPS", "counter", "Number of clumps in this object", data.TypeInt32, 'd', 0,
			func(r *Row) float64 { return float64(r.NumClumps) }})
	}
	cols = append(cols, column{"AREA", "counter", "Number of non-blank pixels", data.TypeInt32, 'd', 0,
		func(r *Row) float64 { return float64(r.Area) }})
	for a := 0; a < nd && a < len(axisNames); a++ {
		d := nd - 1 - a
		cols = append(cols, column{axisNames[a], "position", "Flux weighted centre (FITS axis " + axisNames[a] + ")",
			data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.Centre[d] + 1 }})
	}
	for a := 0; a < nd && a < len(axisNames); a++ {
		d := nd - 1 - a
		cols = append(cols, column{"GEO_" + axisNames[a], "position", "Geometric centre (FITS axis " + axisNames[a] + ")",
			data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.GeoCentre[d] + 1 }})
	}

	var world [][]float64
	if c.WCS != nil && nd >= 2 {
		world = make([][]float64, len(rows))
		pix := make([]float64, nd)
		for i := range rows {
			for a := 0; a < nd; a++ {
				pix[a] = rows[i].Centre[nd-1-a]
			}
			w, err := c.WCS.PixelToWorld(pix)
			if err != nil {
				return nil, err
			}
			world[i] = w
		}
		cols = append(cols,
			column{"RA", "deg", "Right ascension of the flux weighted centre", data.TypeFloat64, 'f', 7, nil},
			column{"DEC", "deg", "Declination of the flux weighted centre", data.TypeFloat64, 'f', 7, nil})
	}

	cols = append(cols,
		column{"SUM", "input-units", "Sky subtracted sum of pixel values", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Sum }},
		column{"SUM_ERROR", "input-units", "Error of the sum", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.SumErr }},
		column{"SN", "ratio", "Signal to noise ratio", data.TypeFloat32, 'g', 5, func(r *Row) float64 { return r.SN }},
		column{"MAGNITUDE", "log", "Magnitude of the sum", data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.Mag }},
		column{"MAGNITUDE_ERROR", "log", "Magnitude error", data.TypeFloat32, 'f', 4, func(r *Row) float64 { return r.MagErr }},
		column{"MEAN", "input-units", "Mean of sky subtracted values", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Mean }},
		column{"MEDIAN", "input-units", "Median of sky subtracted values", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Median }},
		column{"MAD", "input-units", "Median absolute deviation", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.MAD }},
		column{"STD", "input-units", "Standard deviation of values", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Std }},
		column{"SIGCLIP_MEAN", "input-units", "Sigma clipped mean", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.ClipMean }},
		column{"SIGCLIP_MEDIAN", "input-units", "Sigma clipped median", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.ClipMedian }},
		column{"SIGCLIP_STD", "input-units", "Sigma clipped standard deviation", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.ClipStd }},
		column{"MINIMUM", "input-units", "Minimum sky subtracted value", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Min }},
		column{"MAXIMUM", "input-units", "Maximum sky subtracted value", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.Max }},
		column{"CONCENTRATION", "frac", "Fraction of values near the median", data.TypeFloat32, 'f', 4, func(r *Row) float64 { return r.Concentration }},
	)
	if nd == 2 {
		cols = append(cols,
			column{"SEMI_MAJOR", "pixel", "Flux weighted semi-major axis", data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.SemiMajor }},
			column{"SEMI_MINOR", "pixel", "Flux weighted semi-minor axis", data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.SemiMinor }},
			column{"AXIS_RATIO", "frac", "Ratio of minor to major axis", data.TypeFloat32, 'f', 4, func(r *Row) float64 {
				if !(r.SemiMajor > 0) {
					return math.NaN()
				}
				return r.SemiMinor / r.SemiMajor
			}},
			column{"POSITION_ANGLE", "deg", "Angle of the major axis", data.TypeFloat32, 'f', 2, func(r *Row) float64 { return r.PositionAngle }},
		)
	}
	if !clumps {
		cols = append(cols,
			column{"UPPERLIMIT", "input-units", "Upper limit of the sum", data.TypeFloat32, 'g', 6, func(r *Row) float64 { return r.UpperLimit }},
			column{"UPPERLIMIT_MAG", "log", "Upper limit magnitude", data.TypeFloat32, 'f', 3, func(r *Row) float64 { return r.UpperLimitMag }},
			column{"UPPERLIMIT_NUM", "counter", "Random apertures used", data.TypeInt32, 'd', 0, func(r *Row) float64 { return float64(r.UpperLimitNum) }},
		)
	}

	var first, last *data.Buffer
	for _, col := range cols {
		b, err := data.New(col.t, []int{len(rows)}, true, nil)
		if err != nil {
			return nil, err
		}
		b.Name, b.Unit, b.Comment = col.name, col.unit, col.comment
		b.Disp = data.Display{Format: col.format, Precision: col.prec}
		for i := range rows {
			var v float64
			switch {
			case col.get != nil:
				v = col.get(&rows[i])
			case col.name == "RA":
				v = world[i][0]
			default:
				v = world[i][1]
			}
			data.SetFloat64(b, i, v)
		}
		if first == nil {
			first = b
		} else {
			last.Next = b
		}
		last = b
	}
	return first, nil
}
