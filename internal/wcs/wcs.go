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

// Package wcs holds world coordinate handles. Buffers carry them without
// interpreting them; only catalogs convert positions.
package wcs

import (
	"errors"
	"fmt"
	"math"
)

// A world coordinate system handle
type WCS interface {
	PixelToWorld(pix []float64) ([]float64, error)
	WorldToPixel(world []float64) ([]float64, error)
	PixelArea() float64 // in squared world units
	Copy() WCS
}

// Linear world coordinate system: world = crval + CD * (pix - crpix).
// Pixel coordinates are 0-based here, FITS CRPIX is converted on construction
type Linear struct {
	CRPix []float64   // reference pixel, 0-based
	CRVal []float64   // world coordinates at the reference pixel
	CD    [][]float64 // linear transformation matrix, row i is world axis i
	CType []string
	CUnit []string
	inv   [][]float64
}

// Creates a linear WCS from FITS-style (1-based) reference pixels, reference values and CD matrix
func NewLinear(crpix1Based, crval []float64, cd [][]float64) (*Linear, error) {
	n := len(crval)
	if len(crpix1Based) != n || len(cd) != n {
		return nil, errors.New(fmt.Sprintf("wcs: inconsistent dimensions %d/%d/%d", len(crpix1Based), n, len(cd)))
	}
	crpix := make([]float64, n)
	for i, c := range crpix1Based {
		crpix[i] = c - 1
	}
	l := &Linear{CRPix: crpix, CRVal: append([]float64{}, crval...), CD: cd}
	inv, err := invert(cd)
	if err != nil {
		return nil, err
	}
	l.inv = inv
	return l, nil
}

func (l *Linear) PixelToWorld(pix []float64) ([]float64, error) {
	n := len(l.CRVal)
	if len(pix) != n {
		return nil, errors.New(fmt.Sprintf("wcs: %d pixel coordinates for %d axes", len(pix), n))
	}
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		s := l.CRVal[i]
		for j := 0; j < n; j++ {
			s += l.CD[i][j] * (pix[j] - l.CRPix[j])
		}
		w[i] = s
	}
	return w, nil
}

func (l *Linear) WorldToPixel(world []float64) ([]float64, error) {
	n := len(l.CRVal)
	if len(world) != n {
		return nil, errors.New(fmt.Sprintf("wcs: %d world coordinates for %d axes", len(world), n))
	}
	p := make([]float64, n)
	for i := 0; i < n; i++ {
		s := l.CRPix[i]
		for j := 0; j < n; j++ {
			s += l.inv[i][j] * (world[j] - l.CRVal[j])
		}
		p[i] = s
	}
	return p, nil
}

// Area of one pixel, from the determinant of the first two axes
func (l *Linear) PixelArea() float64 {
	if len(l.CD) < 2 {
		if len(l.CD) == 1 {
			return math.Abs(l.CD[0][0])
		}
		return math.NaN()
	}
	return math.Abs(l.CD[0][0]*l.CD[1][1] - l.CD[0][1]*l.CD[1][0])
}

func (l *Linear) Copy() WCS {
	c := &Linear{
		CRPix: append([]float64{}, l.CRPix...),
		CRVal: append([]float64{}, l.CRVal...),
		CType: append([]string{}, l.CType...),
		CUnit: append([]string{}, l.CUnit...),
	}
	c.CD = copyMatrix(l.CD)
	c.inv = copyMatrix(l.inv)
	return c
}

func copyMatrix(m [][]float64) [][]float64 {
	c := make([][]float64, len(m))
	for i := range m {
		c[i] = append([]float64{}, m[i]...)
	}
	return c
}

// Gauss-Jordan inversion with partial pivoting. Matrices here are 2x2 or 3x3
func invert(m [][]float64) ([][]float64, error) {
	n := len(m)
	a := make([][]float64, n)
	for i := range m {
		if len(m[i]) != n {
			return nil, errors.New("wcs: CD matrix is not square")
		}
		a[i] = make([]float64, 2*n)
		copy(a[i], m[i])
		a[i][n+i] = 1
	}
	for c := 0; c < n; c++ {
		p := c
		for r := c + 1; r < n; r++ {
			if math.Abs(a[r][c]) > math.Abs(a[p][c]) {
				p = r
			}
		}
		if math.Abs(a[p][c]) < 1e-300 {
			return nil, errors.New("wcs: singular CD matrix")
		}
		a[c], a[p] = a[p], a[c]
		f := 1 / a[c][c]
		for k := range a[c] {
			a[c][k] *= f
		}
		for r := 0; r < n; r++ {
			if r == c {
				continue
			}
			g := a[r][c]
			for k := range a[r] {
				a[r][k] -= g * a[c][k]
			}
		}
	}
	inv := make([][]float64, n)
	for i := range a {
		inv[i] = append([]float64{}, a[i][n:]...)
	}
	return inv, nil
}
