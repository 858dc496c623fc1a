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

package fits

import (
	"fmt"
	"strconv"

	"github.com/mlnoga/skymesh/internal/wcs"
)

// Parses a linear world coordinate system from a header. Accepts a CD matrix,
// a PC matrix with CDELT scales, or CDELT alone. Returns nil without error if
// the header carries no reference point
func ParseWCS(h *Header, naxis int) (*wcs.Linear, error) {
	if naxis == 0 {
		return nil, nil
	}
	if _, ok := h.Float("CRVAL1"); !ok {
		return nil, nil
	}
	crpix := make([]float64, naxis)
	crval := make([]float64, naxis)
	cdelt := make([]float64, naxis)
	hasCD, hasPC := false, false
	for i := 0; i < naxis; i++ {
		ax := strconv.Itoa(i + 1)
		crpix[i], _ = h.Float("CRPIX" + ax)
		crval[i], _ = h.Float("CRVAL" + ax)
		d, ok := h.Float("CDELT" + ax)
		if !ok {
			d = 1
		}
		cdelt[i] = d
		for j := 0; j < naxis; j++ {
			if _, ok := h.Float(fmt.Sprintf("CD%d_%d", i+1, j+1)); ok {
				hasCD = true
			}
			if _, ok := h.Float(fmt.Sprintf("PC%d_%d", i+1, j+1)); ok {
				hasPC = true
			}
		}
	}

	cd := make([][]float64, naxis)
	for i := range cd {
		cd[i] = make([]float64, naxis)
		for j := range cd[i] {
			switch {
			case hasCD:
				cd[i][j], _ = h.Float(fmt.Sprintf("CD%d_%d", i+1, j+1))
			case hasPC:
				pc, ok := h.Float(fmt.Sprintf("PC%d_%d", i+1, j+1))
				if !ok && i == j {
					pc = 1
				}
				cd[i][j] = pc * cdelt[i]
			case i == j:
				cd[i][j] = cdelt[i]
			}
		}
	}
	l, err := wcs.NewLinear(crpix, crval, cd)
	if err != nil {
		return nil, err
	}
	l.CType = make([]string, naxis)
	l.CUnit = make([]string, naxis)
	for i := 0; i < naxis; i++ {
		ax := strconv.Itoa(i + 1)
		l.CType[i], _ = h.String("CTYPE" + ax)
		l.CUnit[i], _ = h.String("CUNIT" + ax)
	}
	return l, nil
}
