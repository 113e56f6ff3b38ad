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

package dataqueue

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, queueSize int) Memory {
	t.Helper()
	m, err := Format(make([]byte, HeaderSize+queueSize))
	require.NoError(t, err)
	require.Equal(t, uint32(queueSize), m.QueueSize())
	return m
}

func TestFormat(t *testing.T) {
	m, err := Format(make([]byte, HeaderSize+67))
	require.NoError(t, err)
	assert.Equal(t, uint32(64), m.QueueSize(), "queue size rounds down to 4")
	assert.True(t, m.IsEmpty())

	_, err = Format(make([]byte, HeaderSize))
	assert.ErrorIs(t, err, ErrInvalidQueue)
}

func TestNewMemory_Validation(t *testing.T) {
	_, err := NewMemory(make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidQueue)

	region := make([]byte, HeaderSize+32)
	_, err = Format(region)
	require.NoError(t, err)

	short := region[:HeaderSize+16]
	_, err = NewMemory(short)
	assert.ErrorIs(t, err, ErrInvalidQueue, "queue size larger than region")

	m, err := NewMemory(region)
	require.NoError(t, err)
	m.storeHead(64)
	_, err = NewMemory(region)
	assert.ErrorIs(t, err, ErrInvalidQueue, "head outside queue")
}

func TestDequeue_Empty(t *testing.T) {
	m := newTestMemory(t, 64)

	n, st := m.Dequeue(make([]byte, 8))
	assert.Equal(t, StatusEmpty, st)
	assert.Zero(t, n)
	assert.Nil(t, m.Peek())

	// Empty is stable across repeated polls.
	_, st = m.Dequeue(nil)
	assert.Equal(t, StatusEmpty, st)
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	m := newTestMemory(t, 128)

	msgs := [][]byte{[]byte("a"), []byte("hello"), []byte("four"), {}}
	for i, msg := range msgs {
		wasEmpty, st := m.Enqueue(msg)
		require.Equal(t, StatusOK, st)
		assert.Equal(t, i == 0, wasEmpty, "only the first enqueue sees an empty queue")
	}

	buf := make([]byte, 16)
	for _, want := range msgs {
		assert.Equal(t, want, []byte(m.Peek()))
		n, st := m.Dequeue(buf)
		require.Equal(t, StatusOK, st)
		assert.Equal(t, want, buf[:n])
	}
	_, st := m.Dequeue(buf)
	assert.Equal(t, StatusEmpty, st)
}

func TestEnqueue_SignalsWhenDrainedBeforePublish(t *testing.T) {
	m := newTestMemory(t, 128)
	wasEmpty, st := m.Enqueue([]byte("first"))
	require.Equal(t, StatusOK, st)
	require.True(t, wasEmpty)

	// The producer sees "first" pending, then the consumer drains it
	// before the new tail is stored.
	head, tail := m.head(), m.tail()
	require.NotEqual(t, head, tail)
	next, st := m.write(head, tail, []byte("second"))
	require.Equal(t, StatusOK, st)

	_, st = m.Dequeue(nil)
	require.Equal(t, StatusOK, st)
	_, st = m.Dequeue(nil)
	require.Equal(t, StatusEmpty, st, "unpublished entry is invisible")

	assert.True(t, m.publish(head, tail, next), "consumer went idle, producer must signal")
	assert.Equal(t, []byte("second"), []byte(m.Peek()))

	// Without the drain the consumer is still busy and needs no signal.
	head, tail = m.head(), m.tail()
	next, st = m.write(head, tail, []byte("third"))
	require.Equal(t, StatusOK, st)
	assert.False(t, m.publish(head, tail, next))
}

func TestDequeue_NoSpace(t *testing.T) {
	m := newTestMemory(t, 64)
	_, st := m.Enqueue([]byte("0123456789"))
	require.Equal(t, StatusOK, st)

	n, st := m.Dequeue(make([]byte, 4))
	assert.Equal(t, StatusNoSpace, st)
	assert.Equal(t, 10, n)
	assert.False(t, m.IsEmpty(), "entry stays queued")

	n, st = m.Dequeue(make([]byte, n))
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, 10, n)
}

func TestDequeue_NilBufferDrops(t *testing.T) {
	m := newTestMemory(t, 64)
	m.Enqueue([]byte("drop me"))
	m.Enqueue([]byte("keep"))

	n, st := m.Dequeue(nil)
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, 7, n)
	assert.Equal(t, []byte("keep"), []byte(m.Peek()))
}

func TestEnqueue_Full(t *testing.T) {
	m := newTestMemory(t, 32)

	_, st := m.Enqueue(make([]byte, 64))
	assert.Equal(t, StatusFull, st)

	// Four 8-byte entries fill the queue exactly.
	for i := 0; i < 4; i++ {
		_, st = m.Enqueue([]byte{byte(i), 1, 2, 3})
		require.Equal(t, StatusOK, st)
	}
	_, st = m.Enqueue([]byte{9, 9, 9, 9})
	assert.Equal(t, StatusFull, st)
}

func TestWrapAround(t *testing.T) {
	m := newTestMemory(t, 64)
	buf := make([]byte, 64)

	var sent, got []string
	seq := 0
	for round := 0; round < 50; round++ {
		for {
			msg := fmt.Sprintf("msg-%03d-%s", seq, bytes.Repeat([]byte{'x'}, seq%7))
			if _, st := m.Enqueue([]byte(msg)); st != StatusOK {
				require.Equal(t, StatusFull, st)
				break
			}
			sent = append(sent, msg)
			seq++
		}
		// Drain part of the queue so the producer has to wrap.
		for i := 0; i < 2; i++ {
			n, st := m.Dequeue(buf)
			if st == StatusEmpty {
				break
			}
			require.Equal(t, StatusOK, st)
			got = append(got, string(buf[:n]))
		}
	}
	for {
		n, st := m.Dequeue(buf)
		if st == StatusEmpty {
			break
		}
		require.Equal(t, StatusOK, st)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, sent, got)
	assert.Greater(t, seq, 50)
}

func TestDequeue_Corrupt(t *testing.T) {
	m := newTestMemory(t, 32)
	m.Enqueue([]byte("ok"))

	// Overwrite the entry size with something past the end of the queue.
	m.entries()[0] = 0xff
	m.entries()[1] = 0xff

	_, st := m.Dequeue(make([]byte, 8))
	assert.Equal(t, StatusCorrupt, st)
	assert.Nil(t, m.Peek())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "empty", StatusEmpty.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}
