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

// Package tile cuts an image into a coarse grid of channels, and each channel
// into a fine grid of tiles. Tiles are views into the image, numbered channel
// by channel and row-major within each channel.
package tile

import (
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
)

// Tessellation parameters
type Config struct {
	TileSize         []int   `json:"tileSize"         yaml:"tile_size"`
	NumChannels      []int   `json:"numChannels"      yaml:"num_channels"`
	RemainderFrac    float64 `json:"remainderFrac"    yaml:"remainder_frac"`
	WorkOverChannels bool    `json:"workOverChannels" yaml:"work_over_channels"`
}

// Default tessellation for n dimensions: 32 pixel tiles, one channel
func DefaultConfig(ndim int) Config {
	c := Config{TileSize: make([]int, ndim), NumChannels: make([]int, ndim), RemainderFrac: 0.1}
	for i := range c.TileSize {
		c.TileSize[i] = 32
		c.NumChannels[i] = 1
	}
	return c
}

// A two-level tessellation of an image
type Grid struct {
	Config
	Image              *data.Buffer
	ChannelSize        []int           // pixels per channel and axis
	TilesPerChannel    []int           // tiles per channel and axis
	TilesPerImage      []int           // tiles per axis across the whole image
	NumTilesPerChannel int
	Tiles              []*data.Buffer  // views into Image, in tile index order
	Permutation        []int           // tile index to row-major spatial index over TilesPerImage
	Inverse            []int           // spatial index to tile index
	FirstTile          []int           // first tile index of each channel
	starts             [][]int         // per axis, tile start offsets within a channel
	lens               [][]int         // per axis, tile lengths
}

// Builds the tessellation of an image
func New(image *data.Buffer, cfg Config) (*Grid, error) {
	nd := image.Ndim()
	if len(cfg.TileSize) != nd || len(cfg.NumChannels) != nd {
		return nil, errors.New(fmt.Sprintf("tile size %v and channels %v do not match %d dimensions",
			cfg.TileSize, cfg.NumChannels, nd))
	}
	if !(cfg.RemainderFrac > 0 && cfg.RemainderFrac <= 1) {
		return nil, errors.New(fmt.Sprintf("remainder fraction %g outside (0,1]", cfg.RemainderFrac))
	}
	g := &Grid{
		Config:          cfg,
		Image:           image,
		ChannelSize:     make([]int, nd),
		TilesPerChannel: make([]int, nd),
		TilesPerImage:   make([]int, nd),
		starts:          make([][]int, nd),
		lens:            make([][]int, nd),
	}
	g.TileSize = append([]int{}, cfg.TileSize...)
	g.NumChannels = append([]int{}, cfg.NumChannels...)

	for d := 0; d < nd; d++ {
		nch, ts := cfg.NumChannels[d], cfg.TileSize[d]
		if nch <= 0 || ts <= 0 {
			return nil, errors.New(fmt.Sprintf("axis %d: channels %d and tile size %d must be positive", d, nch, ts))
		}
		if image.Dsize[d]%nch != 0 {
			return nil, errors.New(fmt.Sprintf("axis %d: image size %d is not a multiple of %d channels",
				d, image.Dsize[d], nch))
		}
		cs := image.Dsize[d] / nch
		if cs == 0 {
			return nil, errors.New(fmt.Sprintf("axis %d: empty channel", d))
		}
		if ts > cs {
			ts = cs
			g.TileSize[d] = cs
		}
		g.ChannelSize[d] = cs
		g.starts[d], g.lens[d] = layoutAxis(cs, ts, cfg.RemainderFrac)
		g.TilesPerChannel[d] = len(g.lens[d])
		g.TilesPerImage[d] = g.TilesPerChannel[d] * nch
	}

	g.NumTilesPerChannel = 1
	numChannels := 1
	for d := 0; d < nd; d++ {
		g.NumTilesPerChannel *= g.TilesPerChannel[d]
		numChannels *= g.NumChannels[d]
	}
	total := g.NumTilesPerChannel * numChannels
	g.Tiles = make([]*data.Buffer, total)
	g.Permutation = make([]int, total)
	g.Inverse = make([]int, total)
	g.FirstTile = make([]int, numChannels)

	idx := 0
	pix := make([]int, nd)
	dsize := make([]int, nd)
	spatial := make([]int, nd)
	for ch := 0; ch < numChannels; ch++ {
		g.FirstTile[ch] = idx
		cc := data.Coordinates(ch, g.NumChannels)
		for t := 0; t < g.NumTilesPerChannel; t++ {
			tc := data.Coordinates(t, g.TilesPerChannel)
			for d := 0; d < nd; d++ {
				pix[d] = cc[d]*g.ChannelSize[d] + g.starts[d][tc[d]]
				dsize[d] = g.lens[d][tc[d]]
				spatial[d] = cc[d]*g.TilesPerChannel[d] + tc[d]
			}
			v, err := data.NewView(image, data.Index(pix, image.Dsize), dsize)
			if err != nil {
				return nil, err
			}
			g.Tiles[idx] = v
			s := data.Index(spatial, g.TilesPerImage)
			g.Permutation[idx] = s
			g.Inverse[s] = idx
			idx++
		}
	}
	return g, nil
}

// Splits a channel axis of length cs into tiles of length ts. A final incomplete
// tile is merged into its predecessor when it is smaller than frac of a tile
func layoutAxis(cs, ts int, frac float64) (starts, lens []int) {
	n, rem := cs/ts, cs%ts
	for i := 0; i < n; i++ {
		starts = append(starts, i*ts)
		lens = append(lens, ts)
	}
	if rem == 0 {
		return starts, lens
	}
	if float64(rem)/float64(ts) < frac {
		lens[n-1] += rem
	} else {
		starts = append(starts, n*ts)
		lens = append(lens, rem)
	}
	return starts, lens
}

// Number of tiles
func (g *Grid) NumTiles() int { return len(g.Tiles) }

// Number of channels
func (g *Grid) NumChannelsTotal() int { return len(g.FirstTile) }

// Channel index of a tile
func (g *Grid) Channel(tile int) int { return tile / g.NumTilesPerChannel }

// Spatial coordinates of a tile in the image-wide tile grid
func (g *Grid) Coordinates(tile int) []int {
	return data.Coordinates(g.Permutation[tile], g.TilesPerImage)
}

// Tile at the given spatial coordinates, or -1 if outside the grid
func (g *Grid) TileAt(coord []int) int {
	for d, c := range coord {
		if c < 0 || c >= g.TilesPerImage[d] {
			return -1
		}
	}
	return g.Inverse[data.Index(coord, g.TilesPerImage)]
}

// Returns the neighbouring tiles of a tile: the 2n orthogonal ones, or all 3^n-1
// with diagonals. Neighbours in other channels are omitted unless working over channels
func (g *Grid) Neighbours(tile int, diag bool) []int {
	return g.AppendNeighbours(nil, tile, diag)
}

// Appends the neighbours of a tile to dst, reusing its storage
func (g *Grid) AppendNeighbours(dst []int, tile int, diag bool) []int {
	nd := len(g.TilesPerImage)
	c := g.Coordinates(tile)
	ch := g.Channel(tile)
	n := make([]int, nd)
	offsets := 1
	for i := 0; i < nd; i++ {
		offsets *= 3
	}
	for o := 0; o < offsets; o++ {
		// decode o into offsets in {-1,0,1} per axis
		rest, nonZero := o, 0
		for d := nd - 1; d >= 0; d-- {
			off := rest%3 - 1
			rest /= 3
			n[d] = c[d] + off
			if off != 0 {
				nonZero++
			}
		}
		if nonZero == 0 || (!diag && nonZero > 1) {
			continue
		}
		t := g.TileAt(n)
		if t < 0 {
			continue
		}
		if !g.WorkOverChannels && g.Channel(t) != ch {
			continue
		}
		dst = append(dst, t)
	}
	return dst
}

// Centre coordinate of the i-th tile along an axis of the image-wide tile grid
func (g *Grid) TileCentre(axis, i int) float64 {
	tpc := g.TilesPerChannel[axis]
	ch, t := i/tpc, i%tpc
	return float64(ch*g.ChannelSize[axis]+g.starts[axis][t]) + float64(g.lens[axis][t]-1)/2
}

// Pixel extent of a tile: start coordinates and lengths per axis
func (g *Grid) Extent(tile int) (start, dsize []int) {
	v := g.Tiles[tile]
	return data.Coordinates(v.Start, g.Image.Dsize), append([]int{}, v.Dsize...)
}

// Pixel extent of the channel containing a tile
func (g *Grid) ChannelExtent(tile int) (start, dsize []int) {
	cc := data.Coordinates(g.Channel(tile), g.NumChannels)
	start = make([]int, len(cc))
	for d := range cc {
		start[d] = cc[d] * g.ChannelSize[d]
	}
	return start, append([]int{}, g.ChannelSize...)
}

// Writes every tile's scalar into all pixels of that tile. The output must have
// the image's shape. If respectBlank is set, pixels blank in the image stay blank
func (g *Grid) FillPlane(plane []float32, out *data.Buffer, respectBlank bool) error {
	if len(plane) != len(g.Tiles) {
		return errors.New(fmt.Sprintf("plane of %d values for %d tiles", len(plane), len(g.Tiles)))
	}
	if !data.SameShape(out, g.Image) || out.IsView() {
		return errors.New(fmt.Sprintf("output %v does not match image %v", out, g.Image))
	}
	nan := float32(math.NaN())
	switch o := out.Array.(type) {
	case []float32:
		for t, v := range g.Tiles {
			val := plane[t]
			v.Indices(func(i int) {
				if respectBlank && data.IsBlankAt(g.Image, i) {
					o[i] = nan
				} else {
					o[i] = val
				}
			})
		}
	default:
		for t, v := range g.Tiles {
			val := float64(plane[t])
			v.Indices(func(i int) {
				if respectBlank && data.IsBlankAt(g.Image, i) {
					data.SetBlankAt(out, i)
				} else {
					data.SetFloat64(out, i, val)
				}
			})
		}
	}
	out.Touch()
	return nil
}
