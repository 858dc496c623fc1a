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

package rest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/mlnoga/skymesh/internal/data"
)

// Caches zstd-compressed responses by request, and decoded images by file
type Cache struct {
	responses *bigcache.BigCache
	images    *lru.Cache[string, *cachedImage]
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	mu        sync.Mutex // serializes image loads
}

// A decoded image and the modification time of its file
type cachedImage struct {
	img     *data.Buffer
	modTime time.Time
	size    int64
}

// Creates a cache holding up to sizeMB of compressed responses for ttl,
// and up to numImages decoded images
func NewCache(sizeMB int, ttl time.Duration, numImages int) (*Cache, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cfg := bigcache.Config{
		Shards:             64,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}
	responses, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	if numImages <= 0 {
		numImages = 16
	}
	images, err := lru.NewWithEvict[string, *cachedImage](numImages, func(_ string, ci *cachedImage) {
		ci.img.Free()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Cache{responses: responses, images: images, enc: enc, dec: dec}, nil
}

// Returns a cached response
func (c *Cache) GetResponse(key string) ([]byte, bool) {
	compressed, err := c.responses.Get(key)
	if err != nil {
		return nil, false
	}
	payload, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Stores a response
func (c *Cache) SetResponse(key string, payload []byte) error {
	return c.responses.Set(key, c.enc.EncodeAll(payload, nil))
}

// Cache key for a request on an endpoint over an input file. The file's
// size and modification time are part of the key, so changed files miss
func ResponseKey(endpoint string, request []byte, fileName string) (string, error) {
	st, err := os.Stat(fileName)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n%d\n", endpoint, fileName, st.Size(), st.ModTime().UnixNano())
	h.Write(request)
	return endpoint + ":" + hex.EncodeToString(h.Sum(nil))[:32], nil
}

// Returns a private copy of an image, loading it through load on a miss
// or when the file has changed since it was cached
func (c *Cache) Image(fileName, hdu string, alloc *data.Allocator,
	load func(fileName, hdu string) (*data.Buffer, error)) (*data.Buffer, error) {
	st, err := os.Stat(fileName)
	if err != nil {
		return nil, err
	}
	key := fileName + "#" + hdu

	c.mu.Lock()
	ci, ok := c.images.Get(key)
	if !ok || !ci.modTime.Equal(st.ModTime()) || ci.size != st.Size() {
		if ok {
			// Add on an existing key does not evict, so free the stale image here
			c.images.Remove(key)
		}
		img, err := load(fileName, hdu)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		ci = &cachedImage{img: img, modTime: st.ModTime(), size: st.Size()}
		c.images.Add(key, ci)
	}
	// copy under the lock, so eviction cannot free the source meanwhile
	out, err := data.Copy(ci.img, alloc)
	c.mu.Unlock()
	return out, err
}

// Cache statistics
func (c *Cache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"response_cache_len": c.responses.Len(),
		"response_cache_cap": c.responses.Capacity(),
		"image_cache_len":    c.images.Len(),
	}
}

// Releases all cached images and responses
func (c *Cache) Close() error {
	c.mu.Lock()
	c.images.Purge()
	c.mu.Unlock()
	c.dec.Close()
	c.enc.Close()
	return c.responses.Close()
}
