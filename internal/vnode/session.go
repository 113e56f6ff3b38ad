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

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"prjfs/internal/common"
)

// Session owns the live-object set for one test case or one simulated
// kernel. Mounts and vnodes are always created through a Session; there is
// no process-wide registry.
type Session struct {
	log *logrus.Entry

	// mu protects the tables below. Vnode state itself is not guarded.
	mu    sync.Mutex
	arena arena
	live  map[*Vnode]struct{}
	paths map[string]*Vnode
}

// NewSession creates an empty session. A nil logger falls back to the
// standard logrus logger.
func NewSession(log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.WithField("component", "vnode")
	}
	return &Session{
		log:   log,
		live:  make(map[*Vnode]struct{}),
		paths: make(map[string]*Vnode),
	}
}

// CreateMount creates a mount whose inode allocator starts at initialInode.
func (s *Session) CreateMount(typeName string, fsid Fsid, initialInode uint64) *Mount {
	s.log.WithFields(logrus.Fields{
		"type":  typeName,
		"fsid":  fsid.String(),
		"inode": initialInode,
	}).Debug("mount created")
	return &Mount{
		session:   s,
		typeName:  typeName,
		fsid:      fsid,
		nextInode: initialInode,
	}
}

// pathKey is the index key for a vnode path. Absolute paths are compared in
// cleaned form; anything else is indexed as given.
func pathKey(path string) string {
	if clean, err := common.CleanAbsPath(path); err == nil {
		return clean
	}
	return path
}

// Lookup resolves path to the live, non-recycling vnode registered under it.
// The returned vnode carries an extra ioCount which the caller must Put.
func (s *Session) Lookup(path string) (*Vnode, error) {
	s.mu.Lock()
	vp, ok := s.paths[pathKey(path)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", path, common.ErrNotFound)
	}
	vp.Get()
	return vp, nil
}

// Resolve returns the vnode h refers to, if it is still current.
// It does not take any reference.
func (s *Session) Resolve(h Handle) (*Vnode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.resolve(h)
}

// LiveCount returns the number of vnodes not yet destroyed.
func (s *Session) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Live returns the live vnodes ordered by vid.
func (s *Session) Live() []*Vnode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Session) liveLocked() []*Vnode {
	out := make([]*Vnode, 0, len(s.live))
	for vp := range s.live {
		out = append(out, vp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vid < out[j].vid })
	return out
}

// Baseline is a snapshot of the live-object set.
type Baseline map[*Vnode]struct{}

// Snapshot records the currently live vnodes.
func (s *Session) Snapshot() Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make(Baseline, len(s.live))
	for vp := range s.live {
		b[vp] = struct{}{}
	}
	return b
}

// CheckAgainst returns a *LeakError listing vnodes that are alive now but
// were not part of baseline. A nil baseline means "nothing alive".
func (s *Session) CheckAgainst(baseline Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leaked []string
	for _, vp := range s.liveLocked() {
		if _, ok := baseline[vp]; ok {
			continue
		}
		leaked = append(leaked, vp.leakMessage())
	}
	if len(leaked) == 0 {
		return nil
	}
	return &LeakError{Leaked: leaked}
}

// CheckAndClear checks that no vnode is alive, then forcibly destroys any
// that are so the next test case starts from an empty set.
func (s *Session) CheckAndClear() error {
	err := s.CheckAgainst(nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	for vp := range s.live {
		vp.destroyed = true
		s.arena.release(vp.self.index)
	}
	if err != nil {
		s.log.WithError(err).Warn("leak check failed")
	}
	s.live = make(map[*Vnode]struct{})
	s.paths = make(map[string]*Vnode)
	return err
}

func (s *Session) register(vp *Vnode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if other, ok := s.paths[vp.key]; ok && !other.recycling {
		return fmt.Errorf("create %s: %w", vp.path, common.ErrExists)
	}
	for other := range s.live {
		if other.mount == vp.mount && other.inode == vp.inode && !other.recycling {
			return fmt.Errorf("create %s inode %d: %w", vp.path, vp.inode, ErrIdentityInUse)
		}
	}

	vp.self = s.arena.alloc(vp)
	vp.vid = vp.self.generation
	s.live[vp] = struct{}{}
	s.paths[vp.key] = vp
	return nil
}

func (s *Session) unregister(vp *Vnode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[vp]; !ok {
		panic(fmt.Sprintf("vnode %s not found in live-object set", vp))
	}
	delete(s.live, vp)
	if s.paths[vp.key] == vp {
		delete(s.paths, vp.key)
	}
	s.arena.release(vp.self.index)
}

func (s *Session) recycle(vp *Vnode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arena.invalidate(vp.self.index)
	if s.paths[vp.key] == vp {
		delete(s.paths, vp.key)
	}
}

func (s *Session) rename(vp *Vnode, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if other, ok := s.paths[newKey]; ok && other != vp && !other.recycling {
		return common.ErrExists
	}
	if s.paths[vp.key] == vp {
		delete(s.paths, vp.key)
	}
	if !vp.recycling {
		s.paths[newKey] = vp
	}
	return nil
}
