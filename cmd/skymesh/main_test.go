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

package main

import "testing"

func TestPerFrame(t *testing.T) {
	tcs := []struct {
		Pattern string
		N       int
		Want    string
	}{
		{"out.fits", 1, "out.fits"},
		{"out.fits", 3, "out_%d.fits"},
		{"out.fits.gz", 2, "out_%d.fits.gz"},
		{"out%d.fits", 2, "out%d.fits"},
		{"", 2, ""},
	}
	for _, tc := range tcs {
		if got := perFrame(tc.Pattern, tc.N); got != tc.Want {
			t.Errorf("%s/%d: %s; want %s", tc.Pattern, tc.N, got, tc.Want)
		}
	}
}
