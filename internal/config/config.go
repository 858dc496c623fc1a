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

// Package config handles configuration loading for skymesh.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlnoga/skymesh/internal/convolve"
	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/measure"
	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/tile"
)

// Config represents the full pipeline configuration.
type Config struct {
	Tile     TileConfig     `yaml:"tile"`
	Mesh     mesh.Config    `yaml:"mesh"`
	Convolve ConvolveConfig `yaml:"convolve"`
	Detect   detect.Config  `yaml:"detect"`
	Segment  segment.Config `yaml:"segment"`
	Measure  measure.Config `yaml:"measure"`
	Memory   MemoryConfig   `yaml:"memory"`
	Server   ServerConfig   `yaml:"server"`
	Threads  int            `yaml:"threads"`
}

// TileConfig holds the tessellation of the input and of the convolved image.
type TileConfig struct {
	tile.Config `yaml:",inline"`
	// 0 tiles the convolution like the input
	ConvolveTileSize []int `yaml:"convolve_tile_size"`
}

// ConvolveConfig holds the kernel and the convolution options.
type ConvolveConfig struct {
	convolve.Options `yaml:",inline"`
	KernelFWHM       float64 `yaml:"kernel_fwhm"`       // Gaussian kernel FWHM in pixels
	KernelTruncation float64 `yaml:"kernel_truncation"` // in units of FWHM
	KernelFile       string  `yaml:"kernel_file"`       // FITS kernel overriding the Gaussian
	KernelDir        string  `yaml:"kernel_dir"`        // sources for device kernels
	DeviceName       string  `yaml:"device"`            // "host", or empty for the CPU path
}

// MemoryConfig controls the allocator.
type MemoryConfig struct {
	MinMapSize int64  `yaml:"min_map_size"` // bytes above which buffers are memory-mapped
	BudgetPct  int    `yaml:"budget_pct"`   // share of physical memory buffers may occupy in RAM
	MmapDir    string `yaml:"mmap_dir"`
	Quiet      bool   `yaml:"quiet"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int `yaml:"port"`
	CacheSizeMB    int `yaml:"cache_size_mb"`
	CacheTTLMinute int `yaml:"cache_ttl_minutes"`
	CacheEntries   int `yaml:"cache_entries"` // recent request keys kept for the index
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults, so that missing booleans
// keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Apply defaults for values explicitly left empty
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration for two-dimensional images.
func DefaultConfig() *Config {
	cfg := &Config{
		Tile:     TileConfig{Config: tile.DefaultConfig(2)},
		Mesh:     mesh.DefaultConfig(),
		Convolve: ConvolveConfig{Options: convolve.DefaultOptions(), KernelFWHM: 2, KernelTruncation: 5},
		Detect:   detect.DefaultConfig(),
		Segment:  segment.DefaultConfig(),
		Measure:  measure.DefaultConfig(),
		Memory:   MemoryConfig{MinMapSize: 1 << 20, BudgetPct: 70},
		Server:   ServerConfig{Port: 8080, CacheSizeMB: 256, CacheTTLMinute: 10, CacheEntries: 128},
	}
	cfg.Detect.Mesh = cfg.Mesh
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if len(cfg.Tile.TileSize) == 0 {
		cfg.Tile.TileSize = defaults.Tile.TileSize
	}
	if len(cfg.Tile.NumChannels) != len(cfg.Tile.TileSize) {
		cfg.Tile.NumChannels = make([]int, len(cfg.Tile.TileSize))
		for i := range cfg.Tile.NumChannels {
			cfg.Tile.NumChannels[i] = 1
		}
	}
	if cfg.Tile.RemainderFrac == 0 {
		cfg.Tile.RemainderFrac = defaults.Tile.RemainderFrac
	}

	if cfg.Mesh.MinFrac == 0 {
		cfg.Mesh.MinFrac = defaults.Mesh.MinFrac
	}
	if cfg.Mesh.MeanQDiff == 0 {
		cfg.Mesh.MeanQDiff = defaults.Mesh.MeanQDiff
	}
	if cfg.Mesh.Clip.Multip == 0 {
		cfg.Mesh.Clip = defaults.Mesh.Clip
	}
	if cfg.Mesh.NumNgb == 0 {
		cfg.Mesh.NumNgb = defaults.Mesh.NumNgb
	}
	if cfg.Mesh.SmoothWidth == 0 {
		cfg.Mesh.SmoothWidth = defaults.Mesh.SmoothWidth
	}
	// the top level mesh section drives detection
	cfg.Detect.Mesh = cfg.Mesh

	if cfg.Convolve.KernelFWHM == 0 {
		cfg.Convolve.KernelFWHM = defaults.Convolve.KernelFWHM
	}
	if cfg.Convolve.KernelTruncation == 0 {
		cfg.Convolve.KernelTruncation = defaults.Convolve.KernelTruncation
	}

	d, dd := &cfg.Detect, defaults.Detect
	if d.QThreshMultip == 0 {
		d.QThreshMultip = dd.QThreshMultip
	}
	if d.QThresh == 0 {
		d.QThresh = dd.QThresh
	}
	if d.MinNumFalse == 0 {
		d.MinNumFalse = dd.MinNumFalse
	}
	if d.StrictSigma == 0 {
		d.StrictSigma = dd.StrictSigma
	}
	if d.SNQuant == 0 {
		d.SNQuant = dd.SNQuant
	}
	if d.MinNoiseSamples == 0 {
		d.MinNoiseSamples = dd.MinNoiseSamples
	}
	if d.SkyIterations == 0 {
		d.SkyIterations = dd.SkyIterations
	}

	s, sd := &cfg.Segment, defaults.Segment
	if s.ClumpSNQuant == 0 {
		s.ClumpSNQuant = sd.ClumpSNQuant
	}
	if s.MinNoiseClumps == 0 {
		s.MinNoiseClumps = sd.MinNoiseClumps
	}
	if s.ObjBorderSN == 0 {
		s.ObjBorderSN = sd.ObjBorderSN
	}
	if s.ObjConn == 0 {
		s.ObjConn = sd.ObjConn
	}

	m, md := &cfg.Measure, defaults.Measure
	if m.Clip.Multip == 0 {
		m.Clip = md.Clip
	}
	if m.ZeroPoint == 0 {
		m.ZeroPoint = md.ZeroPoint
	}
	if m.UpNum == 0 {
		m.UpNum = md.UpNum
	}
	if m.MaxUpFactor == 0 {
		m.MaxUpFactor = md.MaxUpFactor
	}
	if m.UpNSigma == 0 {
		m.UpNSigma = md.UpNSigma
	}
	if m.Seed == 0 {
		m.Seed = md.Seed
	}

	if cfg.Memory.MinMapSize == 0 {
		cfg.Memory.MinMapSize = defaults.Memory.MinMapSize
	}
	if cfg.Memory.BudgetPct == 0 {
		cfg.Memory.BudgetPct = defaults.Memory.BudgetPct
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.CacheSizeMB == 0 {
		cfg.Server.CacheSizeMB = defaults.Server.CacheSizeMB
	}
	if cfg.Server.CacheTTLMinute == 0 {
		cfg.Server.CacheTTLMinute = defaults.Server.CacheTTLMinute
	}
	if cfg.Server.CacheEntries == 0 {
		cfg.Server.CacheEntries = defaults.Server.CacheEntries
	}
}

// Validate checks all sections that carry their own validation.
func (c *Config) Validate() error {
	if err := c.Mesh.Validate(); err != nil {
		return err
	}
	if err := c.Detect.Validate(); err != nil {
		return err
	}
	if err := c.Segment.Validate(); err != nil {
		return err
	}
	return c.Measure.Validate()
}
