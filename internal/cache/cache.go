// Copyright 2024 PrjFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides path-keyed caches with TTL expiry and
// hierarchical invalidation.
package cache

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Disabled turns every cache into a no-op when PRJFS_CACHE=0.
var Disabled = os.Getenv("PRJFS_CACHE") == "0"

// PathCache maps absolute slash-separated paths to values.
// Safe for concurrent use.
type PathCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type entry[T any] struct {
	value   T
	expires time.Time
}

// New creates a cache. ttl 0 never expires entries; maxSize 0 is unbounded.
func New[T any](ttl time.Duration, maxSize int) *PathCache[T] {
	return &PathCache[T]{
		entries: make(map[string]entry[T], 256),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value for path unless it is missing or expired.
func (c *PathCache[T]) Get(path string) (T, bool) {
	var zero T
	if Disabled {
		return zero, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[path]
	if !ok || c.expired(e) {
		return zero, false
	}
	return e.value, true
}

func (c *PathCache[T]) expired(e entry[T]) bool {
	return !e.expires.IsZero() && c.now().After(e.expires)
}

// Set stores value for path. At capacity, expired entries are swept
// first; if none were, new paths are not added.
func (c *PathCache[T]) Set(path string, value T) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[path]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.sweepLocked()
		if len(c.entries) >= c.maxSize {
			return
		}
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	c.entries[path] = entry[T]{value: value, expires: expires}
}

func (c *PathCache[T]) sweepLocked() {
	for p, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, p)
		}
	}
}

// Invalidate clears all entries.
func (c *PathCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]entry[T], 256)
	}
}

// InvalidateTree removes path and everything below it.
func (c *PathCache[T]) InvalidateTree(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range c.entries {
		if strings.HasPrefix(p, prefix) {
			delete(c.entries, p)
		}
	}
}

// Rename moves the entries at and below oldPath under newPath, replacing
// whatever newPath held.
func (c *PathCache[T]) Rename(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newPrefix := strings.TrimSuffix(newPath, "/") + "/"
	for p := range c.entries {
		if p == newPath || strings.HasPrefix(p, newPrefix) {
			delete(c.entries, p)
		}
	}

	oldPrefix := strings.TrimSuffix(oldPath, "/") + "/"
	moved := make(map[string]entry[T])
	for p, e := range c.entries {
		switch {
		case p == oldPath:
			moved[newPath] = e
		case strings.HasPrefix(p, oldPrefix):
			moved[newPrefix+strings.TrimPrefix(p, oldPrefix)] = e
		default:
			continue
		}
		delete(c.entries, p)
	}
	for p, e := range moved {
		c.entries[p] = e
	}
}

// Size returns the current number of entries, expired ones included.
func (c *PathCache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats describes a cache.
type Stats struct {
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

// Stats returns current cache statistics.
func (c *PathCache[T]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Size: len(c.entries), MaxSize: c.maxSize, TTL: c.ttl}
}
