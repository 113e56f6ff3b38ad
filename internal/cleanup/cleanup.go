// Copyright 2020 The gVisor Authors.
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

// Package cleanup provides scoped acquisition of resources that must be
// released in reverse order when setup fails part way through.
//
// Typical use:
//
//	cu := cleanup.Make(func() { port.Close() })
//	defer cu.Clean()
//	...
//	cu.Add(func() { conn.UnmapMemory(kind, m) })
//	...
//	cu.Release() // setup succeeded; the caller now owns everything
package cleanup

// Cleanup runs its registered functions, most recent first, unless released.
type Cleanup struct {
	cleaners []func()
}

// Make creates a Cleanup with f as its first cleaner. f may be nil.
func Make(f func()) Cleanup {
	c := Cleanup{}
	if f != nil {
		c.cleaners = append(c.cleaners, f)
	}
	return c
}

// Add registers f to run before every cleaner added earlier.
func (c *Cleanup) Add(f func()) {
	if f != nil {
		c.cleaners = append(c.cleaners, f)
	}
}

// Clean runs all cleaners in reverse registration order. It is a no-op after
// Release or a previous Clean.
func (c *Cleanup) Clean() {
	for i := len(c.cleaners) - 1; i >= 0; i-- {
		c.cleaners[i]()
	}
	c.cleaners = nil
}

// Release hands the registered cleaners to the caller without running them.
// The returned function runs them in the same order Clean would.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() {
		for i := len(old) - 1; i >= 0; i-- {
			old[i]()
		}
	}
}

// Len returns the number of pending cleaners.
func (c *Cleanup) Len() int {
	return len(c.cleaners)
}
