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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skymesh.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestLoadPartial(t *testing.T) {
	cfg := loadFromString(t, `
tile:
  tile_size: [64, 64]
  num_channels: [2, 1]
mesh:
  check_signal: false
  mean_q_diff: 0.01
detect:
  sn_quant: 0.95
measure:
  upper_limit: false
  zero_point: 25
server:
  port: 9000
`)
	if cfg.Tile.TileSize[0] != 64 || cfg.Tile.NumChannels[0] != 2 {
		t.Errorf("tile %v channels %v", cfg.Tile.TileSize, cfg.Tile.NumChannels)
	}
	if cfg.Tile.RemainderFrac != 0.1 {
		t.Errorf("remainder fraction %f; want default 0.1", cfg.Tile.RemainderFrac)
	}
	if cfg.Mesh.CheckSignal || cfg.Mesh.MeanQDiff != 0.01 {
		t.Errorf("mesh %+v", cfg.Mesh)
	}
	if cfg.Detect.Mesh.MeanQDiff != 0.01 || cfg.Detect.Mesh.CheckSignal {
		t.Errorf("detection does not follow the mesh section: %+v", cfg.Detect.Mesh)
	}
	if cfg.Detect.SNQuant != 0.95 || cfg.Detect.StrictSigma != 5 {
		t.Errorf("detect %+v", cfg.Detect)
	}
	if cfg.Measure.UpperLimit || cfg.Measure.ZeroPoint != 25 || cfg.Measure.UpNum != 100 {
		t.Errorf("measure %+v", cfg.Measure)
	}
	if !cfg.Convolve.EdgeCorrect || cfg.Convolve.KernelFWHM != 2 {
		t.Errorf("convolve %+v", cfg.Convolve)
	}
	if cfg.Server.Port != 9000 || cfg.Server.CacheSizeMB != 256 {
		t.Errorf("server %+v", cfg.Server)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %s", err.Error())
	}
}

func TestMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || !cfg.Measure.UpperLimit || cfg.Memory.BudgetPct != 70 {
		t.Errorf("defaults %+v", cfg)
	}
}

func TestChannelsFollowDimensions(t *testing.T) {
	cfg, err := Parse([]byte("tile:\n  tile_size: [8, 16, 16]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Tile.NumChannels) != 3 || cfg.Tile.NumChannels[2] != 1 {
		t.Errorf("channels %v for three axes", cfg.Tile.NumChannels)
	}
}

func TestRejectsInvalid(t *testing.T) {
	if _, err := Parse([]byte("tile: [")); err == nil {
		t.Errorf("malformed YAML accepted")
	}
	cfg, _ := Parse([]byte("detect:\n  sn_quant: 1.5\n"))
	if err := cfg.Validate(); err == nil {
		t.Errorf("quantile 1.5 accepted")
	}
}
