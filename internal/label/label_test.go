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

package label

import "testing"

func TestTopologyNeighbours(t *testing.T) {
	tcs := []struct {
		Dsize []int
		Conn  int
		Num   int
	}{
		{[]int{10}, 1, 2},
		{[]int{5, 5}, 1, 4},
		{[]int{5, 5}, 2, 8},
		{[]int{4, 4, 4}, 1, 6},
		{[]int{4, 4, 4}, 2, 18},
		{[]int{4, 4, 4}, 3, 26},
	}
	for _, tc := range tcs {
		top, err := NewTopology(tc.Dsize, tc.Conn)
		if err != nil {
			t.Fatal(err)
		}
		if n := top.NumNeighbours(); n != tc.Num {
			t.Errorf("%v conn %d: %d neighbours; want %d", tc.Dsize, tc.Conn, n, tc.Num)
		}
	}
	if _, err := NewTopology([]int{1 << 16, 1 << 16}, 2); err == nil {
		t.Errorf("2^32 pixels accepted; want an error")
	}
	if _, err := NewTopology([]int{5, 0}, 1); err == nil {
		t.Errorf("empty axis accepted; want an error")
	}
	top, _ := NewTopology([]int{5, 5}, 2)
	if n := len(top.Append(nil, 0)); n != 3 {
		t.Errorf("corner has %d neighbours; want 3", n)
	}
	if n := len(top.Append(nil, 5)); n != 5 {
		t.Errorf("edge has %d neighbours; want 5", n)
	}
	if _, err := NewTopology([]int{5, 5}, 3); err == nil {
		t.Errorf("connectivity 3 accepted for 2 dimensions")
	}
}

func TestConnected(t *testing.T) {
	mask := []uint8{
		1, 1, 0, 0, 0,
		0, 0, 1, 0, 1,
		0, 0, 0, 0, 1,
		1, 0, 0, 0, 0,
	}
	dsize := []int{4, 5}
	top8, _ := NewTopology(dsize, 2)
	labels, n := Connected(mask, top8)
	if n != 3 {
		t.Errorf("8-connected: %d labels; want 3", n)
	}
	if labels[0] != 1 || labels[7] != 1 || labels[9] != 2 || labels[15] != 3 {
		t.Errorf("8-connected labels %v", labels)
	}

	top4, _ := NewTopology(dsize, 1)
	labels, n = Connected(mask, top4)
	if n != 4 {
		t.Errorf("4-connected: %d labels; want 4", n)
	}
	if labels[7] == labels[0] {
		t.Errorf("diagonal pixel joined under 4-connectivity")
	}

	sizes := Sizes(labels, n)
	if sizes[1] != 2 || sizes[2] != 1 || sizes[3] != 2 || sizes[4] != 1 {
		t.Errorf("sizes=%v", sizes)
	}
	pix := Pixels(labels, n)
	if len(pix[3]) != 2 || pix[3][0] != 9 || pix[3][1] != 14 {
		t.Errorf("pixels of label 3: %v", pix[3])
	}
}

func TestDilate(t *testing.T) {
	mask := make([]uint8, 49)
	mask[24] = 1
	top, _ := NewTopology([]int{7, 7}, 2)
	Dilate(mask, top, 2)
	n := 0
	for _, m := range mask {
		if m != 0 {
			n++
		}
	}
	if n != 25 {
		t.Errorf("dilated area %d; want 25", n)
	}
	if mask[0] != 0 || mask[8] == 0 {
		t.Errorf("dilation reached %v", mask)
	}
}

func TestCompactAndRemoveSmall(t *testing.T) {
	labels := []int32{0, 7, 7, -1, 3, 0, 9, 9, 9}
	if n := Compact(labels); n != 3 {
		t.Errorf("compacted to %d labels; want 3", n)
	}
	want := []int32{0, 1, 1, -1, 2, 0, 3, 3, 3}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels[%d]=%d; want %d", i, labels[i], want[i])
		}
	}
	if n := RemoveSmall(labels, 3, 2); n != 2 {
		t.Errorf("%d labels after removing small ones; want 2", n)
	}
	if labels[4] != 0 || labels[6] != 2 || labels[3] != -1 {
		t.Errorf("labels after removal %v", labels)
	}
}
