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

// Package dataqueue implements the shared-memory event queue between a
// privileged producer and a user-mode consumer.
//
// The mapped region starts with a header of three native-endian uint32
// values (queueSize, head, tail) followed by queueSize bytes of entries.
// Each entry is a uint32 payload size followed by the payload, padded to a
// four byte boundary. The producer only moves tail and the consumer only
// moves head; both are accessed atomically.
package dataqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the size of the queue header in bytes.
	HeaderSize = 12
	// EntryHeaderSize is the size of the per-entry length prefix.
	EntryHeaderSize = 4

	queueSizeOffset = 0
	headOffset      = 4
	tailOffset      = 8
)

// Status is the result of a queue primitive. StatusOK and StatusEmpty are
// both normal outcomes.
type Status int

const (
	StatusOK Status = iota
	StatusEmpty
	StatusNoSpace
	StatusFull
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusNoSpace:
		return "no space"
	case StatusFull:
		return "full"
	case StatusCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Memory is a view of a mapped queue region.
type Memory []byte

// NewMemory validates the header of an already formatted region.
func NewMemory(region []byte) (Memory, error) {
	if len(region) < HeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes has no header", ErrInvalidQueue, len(region))
	}
	if uintptr(unsafe.Pointer(&region[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: region is not 4-byte aligned", ErrInvalidQueue)
	}
	m := Memory(region)
	qs := m.QueueSize()
	if qs%4 != 0 || uint64(qs)+HeaderSize > uint64(len(region)) {
		return nil, fmt.Errorf("%w: queue size %d does not fit region of %d bytes", ErrInvalidQueue, qs, len(region))
	}
	if h, t := m.head(), m.tail(); h > qs || t > qs {
		return nil, fmt.Errorf("%w: head %d tail %d outside queue of %d bytes", ErrInvalidQueue, h, t, qs)
	}
	return m, nil
}

// Format writes an empty queue header that uses the whole region.
func Format(region []byte) (Memory, error) {
	if len(region) < HeaderSize+EntryHeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes is too small", ErrInvalidQueue, len(region))
	}
	qs := uint32(len(region)-HeaderSize) &^ 3
	binary.NativeEndian.PutUint32(region[queueSizeOffset:], qs)
	m := Memory(region)
	m.storeHead(0)
	m.storeTail(0)
	return NewMemory(region)
}

// QueueSize returns the size of the entry area in bytes.
func (m Memory) QueueSize() uint32 {
	return binary.NativeEndian.Uint32(m[queueSizeOffset:])
}

// IsEmpty reports whether no entries are pending.
func (m Memory) IsEmpty() bool {
	return m.head() == m.tail()
}

func (m Memory) field(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m[off]))
}

func (m Memory) head() uint32 { return atomic.LoadUint32(m.field(headOffset)) }

func (m Memory) tail() uint32 { return atomic.LoadUint32(m.field(tailOffset)) }

func (m Memory) storeHead(v uint32) { atomic.StoreUint32(m.field(headOffset), v) }

func (m Memory) storeTail(v uint32) { atomic.StoreUint32(m.field(tailOffset), v) }

func (m Memory) entries() []byte {
	return m[HeaderSize : HeaderSize+int(m.QueueSize())]
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// oldest locates the entry at head. It returns the offset of the entry
// within the entry area, its payload size and the head value that
// consumes it.
func (m Memory) oldest() (off, size, next uint32, st Status) {
	head, tail := m.head(), m.tail()
	if head == tail {
		return 0, 0, 0, StatusEmpty
	}
	qs := m.QueueSize()
	area := m.entries()

	off = head
	if qs-head < EntryHeaderSize {
		off = 0
	} else {
		size = binary.NativeEndian.Uint32(area[head:])
		if uint64(qs-head) < uint64(align4(size))+EntryHeaderSize {
			// The producer left a wrap marker; the real entry is at 0.
			off = 0
		}
	}
	size = binary.NativeEndian.Uint32(area[off:])
	step := uint64(align4(size)) + EntryHeaderSize
	if uint64(off)+step > uint64(qs) {
		return 0, 0, 0, StatusCorrupt
	}
	return off, size, off + uint32(step), StatusOK
}

// Peek returns the payload of the oldest entry without consuming it, or
// nil when the queue is empty or corrupt. The slice aliases the mapping.
func (m Memory) Peek() []byte {
	off, size, _, st := m.oldest()
	if st != StatusOK {
		return nil
	}
	start := off + EntryHeaderSize
	return m.entries()[start : start+size : start+size]
}

// Dequeue copies the oldest entry into buf and consumes it. When buf is
// too small the entry stays queued and the required size is returned with
// StatusNoSpace. A nil buf drops the entry.
func (m Memory) Dequeue(buf []byte) (int, Status) {
	off, size, next, st := m.oldest()
	if st != StatusOK {
		return 0, st
	}
	if buf != nil {
		if uint32(len(buf)) < size {
			return int(size), StatusNoSpace
		}
		start := off + EntryHeaderSize
		copy(buf, m.entries()[start:start+size])
	}
	m.storeHead(next)
	return int(size), StatusOK
}

// Enqueue appends data as a new entry. wasEmpty is true when the consumer
// may have found the queue empty before the entry became visible, which is
// when the producer must signal it.
func (m Memory) Enqueue(data []byte) (wasEmpty bool, st Status) {
	head, tail := m.head(), m.tail()
	next, st := m.write(head, tail, data)
	if st != StatusOK {
		return false, st
	}
	return m.publish(head, tail, next), StatusOK
}

// write stores data at the free position after tail without publishing it
// and returns the tail that will follow the entry.
func (m Memory) write(head, tail uint32, data []byte) (uint32, Status) {
	qs := m.QueueSize()
	area := m.entries()

	size := uint32(len(data))
	step := uint64(align4(size)) + EntryHeaderSize
	if uint64(len(data)) > uint64(qs) || step > uint64(qs) {
		return 0, StatusFull
	}

	var at, next uint32
	switch {
	case tail >= head && uint64(tail)+step <= uint64(qs):
		at, next = tail, tail+uint32(step)
	case tail >= head && uint64(head) > step:
		// Wrap. Leave a marker at tail so the consumer knows to skip.
		if qs-tail >= EntryHeaderSize {
			binary.NativeEndian.PutUint32(area[tail:], size)
		}
		at, next = 0, uint32(step)
	case tail < head && uint64(tail)+step < uint64(head):
		at, next = tail, tail+uint32(step)
	default:
		return 0, StatusFull
	}

	binary.NativeEndian.PutUint32(area[at:], size)
	copy(area[at+EntryHeaderSize:], data)
	return next, StatusOK
}

// publish stores the new tail. head is re-read afterwards: a consumer that
// drained up to the old tail in the meantime has already seen Empty and
// will not look again until signalled.
func (m Memory) publish(head, tail, next uint32) bool {
	m.storeTail(next)
	return head == tail || m.head() == tail
}
