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
	"syscall"

	"github.com/sirupsen/logrus"

	"prjfs/internal/common"
)

// Vnode is one file-system object. Create it through a Mount; the returned
// pointer is an owning reference that must eventually be Released.
type Vnode struct {
	session *Session
	mount   *Mount
	self    Handle

	inode uint64
	vid   uint32
	vtype Type
	path  string
	key   string
	name  string

	owners    int32
	ioCount   int32
	recycling bool
	destroyed bool

	attrFlags  uint32
	getAttrErr error
	getPathErr error
}

// Inode returns the vnode's inode number.
func (vp *Vnode) Inode() uint64 { return vp.inode }

// Vid returns the generation assigned when the vnode was created.
func (vp *Vnode) Vid() uint32 { return vp.vid }

// Handle returns the vnode's weak self reference.
func (vp *Vnode) Handle() Handle { return vp.self }

// Mount returns the mount the vnode belongs to.
func (vp *Vnode) Mount() *Mount { return vp.mount }

// Type returns the object type.
func (vp *Vnode) Type() Type { return vp.vtype }

// Name returns the last path component.
func (vp *Vnode) Name() string { return vp.name }

// IOCount returns the current ioCount.
func (vp *Vnode) IOCount() int32 { return vp.ioCount }

// FsidAndInode returns the mount's fsid paired with the vnode's inode.
func (vp *Vnode) FsidAndInode() FsidInode {
	return FsidInode{Fsid: vp.mount.fsid, Inode: vp.inode}
}

func (vp *Vnode) String() string {
	return fmt.Sprintf("%s(inode=%d vid=%d)", vp.path, vp.inode, vp.vid)
}

// Retain adds an owning reference.
func (vp *Vnode) Retain() *Vnode {
	vp.checkAlive("Retain")
	vp.owners++
	return vp
}

// Release drops an owning reference. Dropping the last one destroys the
// vnode and removes it from the session's live-object set.
func (vp *Vnode) Release() {
	vp.checkAlive("Release")
	vp.owners--
	if vp.owners > 0 {
		return
	}
	vp.destroyed = true
	vp.session.unregister(vp)
	vp.session.log.WithFields(logrus.Fields{
		"path":    vp.path,
		"inode":   vp.inode,
		"vid":     vp.vid,
		"ioCount": vp.ioCount,
	}).Debug("vnode destroyed")
}

// Get takes an ioCount.
func (vp *Vnode) Get() {
	vp.checkAlive("Get")
	vp.ioCount++
}

// Put drops an ioCount. Going below zero is a caller bug and panics.
func (vp *Vnode) Put() {
	vp.checkAlive("Put")
	if vp.ioCount <= 0 {
		panic(fmt.Sprintf("vnode %s: Put with ioCount %d", vp, vp.ioCount))
	}
	vp.ioCount--
}

// GetWithVid takes an ioCount only if the vnode still has identity vid and
// is not recycling.
func (vp *Vnode) GetWithVid(vid uint32) error {
	vp.checkAlive("GetWithVid")
	if vp.recycling || vp.vid != vid {
		return fmt.Errorf("vnode %s (want vid %d): %w", vp, vid, ErrRecycled)
	}
	vp.ioCount++
	return nil
}

// StartRecycling begins reclamation. From now on IsRecycled reports true,
// the weak handle no longer resolves and lookups skip this vnode.
func (vp *Vnode) StartRecycling() {
	vp.checkAlive("StartRecycling")
	if vp.recycling {
		return
	}
	vp.recycling = true
	vp.session.recycle(vp)
	vp.session.log.WithField("vnode", vp.String()).Debug("vnode recycling")
}

// IsRecycled reports whether recycling has started.
func (vp *Vnode) IsRecycled() bool {
	return vp.recycling
}

// SetAttr sets the flags reported by GetAttr.
func (vp *Vnode) SetAttr(flags uint32) {
	vp.attrFlags = flags
}

// SetGetAttrReturnCode makes GetAttr fail with code. Zero restores success.
func (vp *Vnode) SetGetAttrReturnCode(code syscall.Errno) {
	vp.getAttrErr = errnoOrNil(code)
}

// SetGetPathError makes GetPath fail with code. Zero restores success.
func (vp *Vnode) SetGetPathError(code syscall.Errno) {
	vp.getPathErr = errnoOrNil(code)
}

// GetAttr returns the vnode's attributes or the injected error.
func (vp *Vnode) GetAttr() (Attributes, error) {
	if vp.getAttrErr != nil {
		return Attributes{}, vp.getAttrErr
	}
	return Attributes{Flags: vp.attrFlags, FileID: vp.inode, Type: vp.vtype}, nil
}

// SetPath moves the vnode to a new path; its name follows. The path is kept
// exactly as given. It fails with common.ErrExists if another live vnode
// is registered at the same location, leaving the vnode where it was.
func (vp *Vnode) SetPath(path string) error {
	key := pathKey(path)
	if err := vp.session.rename(vp, key); err != nil {
		return fmt.Errorf("set path %q: %w", path, err)
	}
	vp.path = path
	vp.key = key
	vp.name = common.BaseName(path)
	return nil
}

// GetPath returns the cached path, or the injected error.
func (vp *Vnode) GetPath() (string, error) {
	if vp.getPathErr != nil {
		return "", vp.getPathErr
	}
	return vp.path, nil
}

// GetPathInto copies the path plus a terminating NUL into buf, the way
// the kernel fills caller buffers. It returns the number of bytes written
// including the NUL, or ENOSPC if buf is too short.
func (vp *Vnode) GetPathInto(buf []byte) (int, error) {
	p, err := vp.GetPath()
	if err != nil {
		return 0, err
	}
	if len(buf) < len(p)+1 {
		return 0, syscall.ENOSPC
	}
	n := copy(buf, p)
	buf[n] = 0
	return n + 1, nil
}

func (vp *Vnode) leakMessage() string {
	return fmt.Sprintf("[vnode %s type=%s mount=%s] ioCount=%d owners=%d recycling=%t",
		vp, vp.vtype, vp.mount.fsid, vp.ioCount, vp.owners, vp.recycling)
}

func (vp *Vnode) checkAlive(op string) {
	if vp.destroyed {
		panic(fmt.Sprintf("vnode %s: %s after destroy", vp, op))
	}
}

func errnoOrNil(code syscall.Errno) error {
	if code == 0 {
		return nil
	}
	return code
}
