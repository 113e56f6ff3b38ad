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
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanPort struct {
	sig       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
}

func newChanPort() *chanPort {
	return &chanPort{sig: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (p *chanPort) Signal() {
	select {
	case p.sig <- struct{}{}:
	default:
	}
}

func (p *chanPort) Wait() error {
	select {
	case <-p.sig:
		return nil
	case <-p.closed:
		return ErrPortClosed
	}
}

func (p *chanPort) Close() error {
	p.closes++
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// fakeConn records every call so tests can check unwinding.
type fakeConn struct {
	mu     sync.Mutex
	calls  []string
	port   *chanPort
	region []byte

	allocErr    error
	registerErr error
	mapErr      error
	mapEmpty    bool
}

func newFakeConn(t *testing.T) *fakeConn {
	region := make([]byte, HeaderSize+256)
	_, err := Format(region)
	require.NoError(t, err)
	return &fakeConn{region: region}
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) AllocatePort() (NotificationPort, error) {
	c.record("alloc")
	if c.allocErr != nil {
		return nil, c.allocErr
	}
	c.port = newChanPort()
	return &recordingPort{chanPort: c.port, conn: c}, nil
}

type recordingPort struct {
	*chanPort
	conn *fakeConn
}

func (p *recordingPort) Close() error {
	p.conn.record("close-port")
	return p.chanPort.Close()
}

func (c *fakeConn) SetNotificationPort(kind PortKind, port NotificationPort) error {
	if port == nil {
		c.record("deregister")
		return nil
	}
	c.record("register")
	return c.registerErr
}

func (c *fakeConn) MapMemory(kind MemoryKind) ([]byte, error) {
	c.record("map")
	if c.mapErr != nil {
		return nil, c.mapErr
	}
	if c.mapEmpty {
		return nil, nil
	}
	return c.region, nil
}

func (c *fakeConn) UnmapMemory(kind MemoryKind, region []byte) error {
	c.record("unmap")
	return nil
}

func TestInitQueue_Success(t *testing.T) {
	conn := newFakeConn(t)
	d := NewDispatcher("test")
	defer d.Close()

	q, err := InitQueue(conn, 1, 2, d)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, []string{"alloc", "register", "map"}, conn.Calls())
	assert.Equal(t, uint32(256), q.Memory().QueueSize())

	require.NoError(t, q.Close())
	assert.Equal(t, []string{"alloc", "register", "map", "unmap", "deregister", "close-port"}, conn.Calls())
	assert.Nil(t, q.Memory())
	assert.Nil(t, q.Monitor())

	require.NoError(t, q.Close(), "second close is a no-op")
	assert.Len(t, conn.Calls(), 6)
}

func TestInitQueue_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(c *fakeConn)
		wantErr error
		calls   []string
	}{
		{
			name:    "port allocation",
			setup:   func(c *fakeConn) { c.allocErr = boom },
			wantErr: ErrPortAllocation,
			calls:   []string{"alloc"},
		},
		{
			name:    "port registration",
			setup:   func(c *fakeConn) { c.registerErr = boom },
			wantErr: ErrPortRegistration,
			calls:   []string{"alloc", "register", "close-port"},
		},
		{
			name:    "map error",
			setup:   func(c *fakeConn) { c.mapErr = boom },
			wantErr: ErrMapFailed,
			calls:   []string{"alloc", "register", "map", "deregister", "close-port"},
		},
		{
			name:    "empty mapping",
			setup:   func(c *fakeConn) { c.mapEmpty = true },
			wantErr: ErrMapFailed,
			calls:   []string{"alloc", "register", "map", "deregister", "close-port"},
		},
		{
			name:    "bad header",
			setup:   func(c *fakeConn) { c.region[0] = 0xff; c.region[1] = 0xff },
			wantErr: ErrInvalidQueue,
			calls:   []string{"alloc", "register", "map", "unmap", "deregister", "close-port"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(t)
			tt.setup(conn)
			d := NewDispatcher("test")
			defer d.Close()

			q, err := InitQueue(conn, 1, 2, d)
			assert.Nil(t, q)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.calls, conn.Calls())
		})
	}
}

func TestMonitor_DeliversOnDispatcher(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn(t)
	d := NewDispatcher("test")
	defer d.Close()

	q, err := InitQueue(conn, 1, 2, d)
	require.NoError(t, err)
	defer q.Close()

	mem := q.Memory()
	var mu sync.Mutex
	var got []string
	q.Monitor().Resume(func() {
		buf := make([]byte, 64)
		for {
			n, st := mem.Dequeue(buf)
			if st == StatusEmpty {
				return
			}
			mu.Lock()
			got = append(got, string(buf[:n]))
			mu.Unlock()
		}
	})

	produce := func(msg string) {
		if wasEmpty, st := mem.Enqueue([]byte(msg)); st == StatusOK && wasEmpty {
			conn.port.Signal()
		}
	}
	produce("one")
	produce("two")
	g.Eventually(func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}, time.Second, 5*time.Millisecond).Should(Equal([]string{"one", "two"}))

	produce("three")
	g.Eventually(func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}, time.Second, 5*time.Millisecond).Should(Equal(3))
	g.Expect(mem.IsEmpty()).To(BeTrue())
}

func TestMonitor_NoHandlerAfterClose(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn(t)
	d := NewDispatcher("test")
	defer d.Close()

	q, err := InitQueue(conn, 1, 2, d)
	require.NoError(t, err)

	var mu sync.Mutex
	runs := 0
	m := q.Monitor()
	m.Resume(func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	port := conn.port
	port.Signal()
	g.Eventually(m.Wakes, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

	require.NoError(t, q.Close())
	mu.Lock()
	before := runs
	mu.Unlock()

	port.Signal()
	d.Sync()
	mu.Lock()
	defer mu.Unlock()
	g.Expect(runs).To(Equal(before))
}

func TestMonitor_ResumeAfterCloseIsNoop(t *testing.T) {
	conn := newFakeConn(t)
	d := NewDispatcher("test")
	defer d.Close()

	q, err := InitQueue(conn, 1, 2, d)
	require.NoError(t, err)
	m := q.Monitor()
	require.NoError(t, q.Close())

	m.Resume(func() { t.Error("handler must not run") })
	d.Sync()
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher("serial")

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, d.Submit(func() { order = append(order, i) }))
	}
	d.Sync()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	d.Close()
	assert.False(t, d.Submit(func() {}))
	d.Sync()
	d.Close()
}
