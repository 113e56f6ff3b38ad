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

package kextsim

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"prjfs/internal/dataqueue"
	"prjfs/internal/service"
)

var errNotReady = errors.New("event queue not ready")

type mapping struct {
	data []byte
	mem  dataqueue.Memory
}

// Connection is a client connection to the simulated service.
type Connection struct {
	svc        *Service
	id         uint64
	clientType service.ClientType

	mu      sync.Mutex
	closed  bool
	ports   map[dataqueue.PortKind]*PipePort
	regions map[dataqueue.MemoryKind]*mapping
}

func newConnection(s *Service, ct service.ClientType) *Connection {
	return &Connection{
		svc:        s,
		id:         s.nextConn.Add(1),
		clientType: ct,
		ports:      make(map[dataqueue.PortKind]*PipePort),
		regions:    make(map[dataqueue.MemoryKind]*mapping),
	}
}

func (c *Connection) ClientType() service.ClientType { return c.clientType }

func (c *Connection) AllocatePort() (dataqueue.NotificationPort, error) {
	if err := c.svc.failureSet().AllocatePort; err != nil {
		return nil, err
	}
	return NewPipePort()
}

func (c *Connection) SetNotificationPort(kind dataqueue.PortKind, port dataqueue.NotificationPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if port == nil {
		delete(c.ports, kind)
		return nil
	}
	if err := c.svc.failureSet().RegisterPort; err != nil {
		return err
	}
	pp, ok := port.(*PipePort)
	if !ok {
		return fmt.Errorf("unsupported notification port %T", port)
	}
	c.ports[kind] = pp
	return nil
}

func (c *Connection) MapMemory(kind dataqueue.MemoryKind) ([]byte, error) {
	f := c.svc.failureSet()
	if f.MapMemory != nil {
		return nil, f.MapMemory
	}
	if f.EmptyMapping {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if m, ok := c.regions[kind]; ok {
		return m.data, nil
	}

	data, err := unix.Mmap(-1, 0, dataqueue.HeaderSize+c.svc.queueSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	mem, err := dataqueue.Format(data)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	c.regions[kind] = &mapping{data: data, mem: mem}
	return data, nil
}

func (c *Connection) UnmapMemory(kind dataqueue.MemoryKind, region []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmapLocked(kind, region)
}

func (c *Connection) unmapLocked(kind dataqueue.MemoryKind, region []byte) error {
	m, ok := c.regions[kind]
	if !ok || (region != nil && &m.data[0] != &region[0]) {
		return fmt.Errorf("memory kind %d is not mapped", kind)
	}
	delete(c.regions, kind)
	if err := unix.Munmap(m.data); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	return nil
}

func (c *Connection) mappedRegions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.regions)
}

// deliver writes data to the event queue and signals the event port on
// an empty to non-empty transition.
func (c *Connection) deliver(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errNotReady
	}
	m, ok := c.regions[service.EventMemoryKind]
	port := c.ports[service.EventPortKind]
	if !ok || port == nil {
		return errNotReady
	}

	wasEmpty, st := m.mem.Enqueue(data)
	switch st {
	case dataqueue.StatusOK:
	case dataqueue.StatusFull:
		return ErrQueueFull
	default:
		return fmt.Errorf("enqueue: %s", st)
	}
	if wasEmpty {
		return port.Signal()
	}
	return nil
}

// Close unmaps anything the client left mapped and detaches from the
// service. Ports belong to the client and are not closed here.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var firstErr error
	for kind := range c.regions {
		if err := c.unmapLocked(kind, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.ports = make(map[dataqueue.PortKind]*PipePort)
	c.mu.Unlock()

	c.svc.detach(c)
	return firstErr
}
