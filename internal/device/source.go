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

package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Directory holding kernel sources, relative to the working directory
const KernelDir = "kernels"

var kernelName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loads kernel sources from <Dir>/<name>.cl through an LRU cache
type KernelSource struct {
	Dir   string
	cache *lru.Cache[string, string]
}

// Creates a loader for the given directory, caching up to size sources
func NewKernelSource(dir string, size int) (*KernelSource, error) {
	if dir == "" {
		dir = KernelDir
	}
	if size <= 0 {
		size = 16
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &KernelSource{Dir: dir, cache: c}, nil
}

// Path of the source file for a kernel program
func (k *KernelSource) Path(name string) string {
	return filepath.Join(k.Dir, name+".cl")
}

// Returns the source of a kernel program
func (k *KernelSource) Load(name string) (string, error) {
	if !kernelName.MatchString(name) {
		return "", errors.New(fmt.Sprintf("invalid kernel program name '%s'", name))
	}
	if src, ok := k.cache.Get(name); ok {
		return src, nil
	}
	bs, err := os.ReadFile(k.Path(name))
	if err != nil {
		return "", err
	}
	src := string(bs)
	k.cache.Add(name, src)
	return src, nil
}

// Adds a source directly, for programs embedded in the binary
func (k *KernelSource) Add(name, src string) {
	k.cache.Add(name, src)
}

// Loads a program and builds it in the context
func (k *KernelSource) Build(ctx Context, name string) error {
	src, err := k.Load(name)
	if err != nil {
		return err
	}
	return ctx.Build(src)
}
