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

// Package message defines the records the filter places on the event
// queue.
package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type Type uint32

const (
	TypeInvalid Type = iota
	TypeEnumerateDirectory
	TypeHydrateFile
	TypeNotifyFileCreated
	TypeNotifyFileModified
	TypeNotifyFileRenamed
	TypeNotifyPreDelete
	TypeNotifyOfflineIO
)

var typeNames = map[Type]string{
	TypeInvalid:            "invalid",
	TypeEnumerateDirectory: "enumerate-directory",
	TypeHydrateFile:        "hydrate-file",
	TypeNotifyFileCreated:  "file-created",
	TypeNotifyFileModified: "file-modified",
	TypeNotifyFileRenamed:  "file-renamed",
	TypeNotifyPreDelete:    "pre-delete",
	TypeNotifyOfflineIO:    "offline-io",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s && t != TypeInvalid {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown message type %q", s)
}

var (
	ErrTruncated = errors.New("message truncated")
	ErrTooLong   = errors.New("message field too long")
	ErrInvalid   = errors.New("invalid message")
)

// Message describes one file-object event.
type Message struct {
	ID       uint64
	Type     Type
	Pid      int32
	ProcName string
	Fsid     [2]int32
	Inode    uint64
	Vid      uint32
	Flags    uint32
	Path     string
	// TargetPath is set for renames.
	TargetPath string
}

type header struct {
	ID        uint64
	Type      uint32
	Pid       int32
	Fsid      [2]int32
	Inode     uint64
	Vid       uint32
	Flags     uint32
	ProcLen   uint16
	PathLen   uint16
	TargetLen uint16
	_         uint16
}

// HeaderSize is the encoded size of the fixed part of a message.
var HeaderSize = binary.Size(header{})

func (m *Message) String() string {
	return fmt.Sprintf("#%d %s %s (inode=%d vid=%d pid=%d)", m.ID, m.Type, m.Path, m.Inode, m.Vid, m.Pid)
}

// Size returns the encoded length of m.
func (m *Message) Size() int {
	return HeaderSize + len(m.ProcName) + len(m.Path) + len(m.TargetPath)
}

// Marshal encodes m in native byte order.
func (m *Message) Marshal() ([]byte, error) {
	if m.Type == TypeInvalid {
		return nil, fmt.Errorf("%w: no type", ErrInvalid)
	}
	for _, f := range []string{m.ProcName, m.Path, m.TargetPath} {
		if len(f) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(f))
		}
	}

	h := header{
		ID:        m.ID,
		Type:      uint32(m.Type),
		Pid:       m.Pid,
		Fsid:      m.Fsid,
		Inode:     m.Inode,
		Vid:       m.Vid,
		Flags:     m.Flags,
		ProcLen:   uint16(len(m.ProcName)),
		PathLen:   uint16(len(m.Path)),
		TargetLen: uint16(len(m.TargetPath)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, m.Size()))
	if err := binary.Write(buf, binary.NativeEndian, &h); err != nil {
		return nil, err
	}
	buf.WriteString(m.ProcName)
	buf.WriteString(m.Path)
	buf.WriteString(m.TargetPath)
	return buf.Bytes(), nil
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	var h header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.NativeEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	rest := data[HeaderSize:]
	need := int(h.ProcLen) + int(h.PathLen) + int(h.TargetLen)
	if len(rest) < need {
		return nil, fmt.Errorf("%w: need %d bytes of strings, have %d", ErrTruncated, need, len(rest))
	}
	if Type(h.Type) == TypeInvalid {
		return nil, fmt.Errorf("%w: no type", ErrInvalid)
	}

	m := &Message{
		ID:    h.ID,
		Type:  Type(h.Type),
		Pid:   h.Pid,
		Fsid:  h.Fsid,
		Inode: h.Inode,
		Vid:   h.Vid,
		Flags: h.Flags,
	}
	m.ProcName = string(rest[:h.ProcLen])
	rest = rest[h.ProcLen:]
	m.Path = string(rest[:h.PathLen])
	rest = rest[h.PathLen:]
	m.TargetPath = string(rest[:h.TargetLen])
	return m, nil
}
