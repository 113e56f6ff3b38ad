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

package vnode

import "fmt"

// Handle is a weak reference to a vnode. It never keeps the vnode alive and
// stops resolving once the vnode is recycled or destroyed.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

// Vid returns the vid of the vnode the handle was issued for.
func (h Handle) Vid() uint32 {
	return h.generation
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

type slot struct {
	generation uint32
	vp         *Vnode
}

// arena holds vnodes in reusable slots. Each slot assignment and each
// invalidation draws a fresh generation, so a stale Handle can never match
// a later occupant of the same slot.
type arena struct {
	slots   []slot
	free    []uint32
	lastGen uint32
}

func (a *arena) nextGeneration() uint32 {
	a.lastGen++
	return a.lastGen
}

func (a *arena) alloc(vp *Vnode) Handle {
	gen := a.nextGeneration()
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = slot{generation: gen, vp: vp}
		return Handle{index: idx, generation: gen}
	}
	a.slots = append(a.slots, slot{generation: gen, vp: vp})
	return Handle{index: uint32(len(a.slots) - 1), generation: gen}
}

// invalidate makes every handle issued for the slot stale while leaving the
// occupant in place.
func (a *arena) invalidate(index uint32) {
	a.slots[index].generation = a.nextGeneration()
}

func (a *arena) release(index uint32) {
	a.slots[index] = slot{generation: a.nextGeneration()}
	a.free = append(a.free, index)
}

func (a *arena) resolve(h Handle) (*Vnode, bool) {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.vp == nil || s.generation != h.generation {
		return nil, false
	}
	return s.vp, true
}
