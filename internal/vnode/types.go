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

// Package vnode models kernel file objects (vnodes) and the file systems
// (mounts) they belong to.
//
// The model reproduces the identity and reference-count rules filter code
// relies on inside the kernel:
//
//   - a vnode's identity is the pair (inode, vid); vids come from a
//     session-wide generation counter so identities are never reused while
//     any holder may still compare against them
//   - ioCount guards a vnode against reclamation and must never go negative
//   - once recycling starts, the vnode's weak handle stops resolving and
//     lookups no longer return it, even though strong references stay valid
//
// Every vnode is registered in the live-object set of the Session that
// created it; Session.CheckAndClear reports anything still alive as a leak.
package vnode

import "fmt"

// Type is the kind of file-system object a vnode represents.
type Type int

const (
	TypeNone Type = iota
	TypeRegular
	TypeDirectory
	TypeBlock
	TypeChar
	TypeSymlink
	TypeSocket
	TypeFIFO
	TypeBad
)

var typeNames = [...]string{
	TypeNone:      "none",
	TypeRegular:   "regular",
	TypeDirectory: "directory",
	TypeBlock:     "block",
	TypeChar:      "char",
	TypeSymlink:   "symlink",
	TypeSocket:    "socket",
	TypeFIFO:      "fifo",
	TypeBad:       "bad",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Fsid identifies a mounted file system.
type Fsid [2]int32

func (f Fsid) String() string {
	return fmt.Sprintf("%d:%d", f[0], f[1])
}

// FsidInode identifies a file-system object across all mounts.
type FsidInode struct {
	Fsid  Fsid
	Inode uint64
}

// Attributes is the result of an attribute query on a vnode.
type Attributes struct {
	Flags  uint32
	FileID uint64
	Type   Type
}
