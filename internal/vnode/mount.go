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
	"github.com/sirupsen/logrus"

	"prjfs/internal/common"
)

// Mount is one attached file-system instance. It allocates inode numbers to
// vnodes created without an explicit identity. Vnodes keep their mount
// reachable; a mount has no explicit release.
type Mount struct {
	session   *Session
	typeName  string
	fsid      Fsid
	nextInode uint64
}

// TypeName returns the file-system type name, e.g. "apfs".
func (m *Mount) TypeName() string { return m.typeName }

// Fsid returns the file-system identifier.
func (m *Mount) Fsid() Fsid { return m.fsid }

// NextInode returns the inode the next auto-allocated vnode will receive.
func (m *Mount) NextInode() uint64 { return m.nextInode }

// Session returns the session the mount was created in.
func (m *Mount) Session() *Session { return m.session }

// CreateVnode creates a vnode at path with the mount's next inode. The
// counter advances even if creation fails, so it never hands out the same
// value twice.
func (m *Mount) CreateVnode(path string, vtype Type) (*Vnode, error) {
	inode := m.nextInode
	m.nextInode++
	return m.create(path, vtype, inode)
}

// CreateVnodeWithInode creates a vnode at path with an explicit inode.
// The mount's counter is left untouched.
func (m *Mount) CreateVnodeWithInode(path string, vtype Type, inode uint64) (*Vnode, error) {
	return m.create(path, vtype, inode)
}

func (m *Mount) create(path string, vtype Type, inode uint64) (*Vnode, error) {
	vp := &Vnode{
		session: m.session,
		mount:   m,
		inode:   inode,
		vtype:   vtype,
		path:    path,
		key:     pathKey(path),
		name:    common.BaseName(path),
		owners:  1,
	}
	if err := m.session.register(vp); err != nil {
		return nil, err
	}

	m.session.log.WithFields(logrus.Fields{
		"path":  vp.path,
		"inode": vp.inode,
		"vid":   vp.vid,
		"type":  vtype.String(),
	}).Debug("vnode created")
	return vp, nil
}
