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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"prjfs/internal/cleanup"
)

type (
	PortKind   uint32
	MemoryKind uint32
)

// NotificationPort is woken by the producer when the queue goes from
// empty to non-empty.
type NotificationPort interface {
	// Wait blocks until the port is signalled. It returns ErrPortClosed
	// once the port is closed.
	Wait() error
	Close() error
}

// Connection is the part of a service connection the queue needs.
type Connection interface {
	AllocatePort() (NotificationPort, error)
	// SetNotificationPort registers port for kind; a nil port
	// deregisters it.
	SetNotificationPort(kind PortKind, port NotificationPort) error
	MapMemory(kind MemoryKind) ([]byte, error)
	UnmapMemory(kind MemoryKind, region []byte) error
}

// Queue bundles the resources of one initialized event queue.
type Queue struct {
	mu sync.Mutex

	conn       Connection
	portKind   PortKind
	memoryKind MemoryKind
	port       NotificationPort
	region     []byte
	memory     Memory
	monitor    *Monitor
	log        *logrus.Entry
}

// InitQueue allocates a notification port, registers it with conn, maps
// the queue memory and binds a suspended monitor to dispatcher. On any
// failure everything acquired so far is released in reverse order and a
// nil queue is returned.
func InitQueue(conn Connection, portKind PortKind, memoryKind MemoryKind, dispatcher *Dispatcher) (*Queue, error) {
	log := logrus.WithFields(logrus.Fields{
		"component":  "dataqueue",
		"portKind":   portKind,
		"memoryKind": memoryKind,
	})

	port, err := conn.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortAllocation, err)
	}
	if port == nil {
		return nil, ErrPortAllocation
	}
	cu := cleanup.Make(func() {
		if err := port.Close(); err != nil {
			log.WithError(err).Warn("failed to close notification port")
		}
	})
	defer cu.Clean()

	if err := conn.SetNotificationPort(portKind, port); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortRegistration, err)
	}
	cu.Add(func() {
		if err := conn.SetNotificationPort(portKind, nil); err != nil {
			log.WithError(err).Warn("failed to deregister notification port")
		}
	})

	region, err := conn.MapMemory(memoryKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	if len(region) == 0 {
		return nil, ErrMapFailed
	}
	cu.Add(func() {
		if err := conn.UnmapMemory(memoryKind, region); err != nil {
			log.WithError(err).Warn("failed to unmap queue memory")
		}
	})

	mem, err := NewMemory(region)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		conn:       conn,
		portKind:   portKind,
		memoryKind: memoryKind,
		port:       port,
		region:     region,
		memory:     mem,
		monitor:    newMonitor(port, dispatcher, log),
		log:        log,
	}
	cu.Release()
	log.WithField("queueSize", mem.QueueSize()).Debug("queue initialized")
	return q, nil
}

// Memory returns the mapped queue, or nil after Close.
func (q *Queue) Memory() Memory {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memory
}

// Monitor returns the monitor bound to the queue's port.
func (q *Queue) Monitor() *Monitor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.monitor
}

// Close cancels the monitor, unmaps the memory, deregisters and closes
// the port. It is safe to call more than once. It must not be called from
// the queue's dispatcher.
func (q *Queue) Close() error {
	q.mu.Lock()
	conn, port, region, monitor := q.conn, q.port, q.region, q.monitor
	q.conn, q.port, q.region, q.memory, q.monitor = nil, nil, nil, nil, nil
	q.mu.Unlock()
	if conn == nil {
		return nil
	}

	monitor.cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(conn.UnmapMemory(q.memoryKind, region))
	keep(conn.SetNotificationPort(q.portKind, nil))
	keep(port.Close())
	monitor.wait()

	q.log.Debug("queue closed")
	return firstErr
}
