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

// Package kextsim is an in-process stand-in for the privileged prjfs
// service. It publishes a service in a registry, hands out client
// connections backed by anonymous shared mappings and pipe notification
// ports, and produces queue messages from vnode model instances.
package kextsim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"prjfs/internal/message"
	"prjfs/internal/service"
)

var (
	ErrProviderOffline = errors.New("no provider connected")
	ErrQueueFull       = errors.New("event queue full")
	ErrClosed          = errors.New("connection closed")
)

// DefaultQueueSize is the mapped queue region size in bytes.
const DefaultQueueSize = 64 * 1024

// Failures injects errors into the next service operations. Zero fields
// mean no failure.
type Failures struct {
	Open         error
	NilOpen      bool
	AllocatePort error
	RegisterPort error
	MapMemory    error
	EmptyMapping bool
}

// Registry is a service registry keyed by class name.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Publish makes svc discoverable under class.
func (r *Registry) Publish(class string, svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[class] = svc
}

func (r *Registry) Unpublish(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, class)
}

func (r *Registry) MatchService(class string) service.Service {
	r.mu.Lock()
	svc, ok := r.services[class]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	svc.outstanding.Add(1)
	return &serviceHandle{svc: svc}
}

// Options configures a Service.
type Options struct {
	// Version is advertised under service.VersionPropertyKey. Nil leaves
	// the property unset.
	Version   any
	QueueSize int
	Log       *logrus.Entry
}

// Service is the simulated privileged service.
type Service struct {
	log       *logrus.Entry
	queueSize int

	mu       sync.Mutex
	props    map[string]any
	failures Failures
	conns    map[*Connection]struct{}

	outstanding atomic.Int64
	nextID      atomic.Uint64
	delivered   atomic.Uint64
	nextConn    atomic.Uint64
}

func NewService(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "kextsim")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &Service{
		log:       log,
		queueSize: size,
		props:     make(map[string]any),
		conns:     make(map[*Connection]struct{}),
	}
	if opts.Version != nil {
		s.props[service.VersionPropertyKey] = opts.Version
	}
	return s
}

// Start publishes a service advertising the library's interface version
// in a new registry.
func Start(opts Options) (*Registry, *Service) {
	if opts.Version == nil {
		opts.Version = service.InterfaceVersion
	}
	reg := NewRegistry()
	svc := NewService(opts)
	reg.Publish(service.ServiceClass, svc)
	return reg, svc
}

func (s *Service) SetProperty(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.props, key)
		return
	}
	s.props[key] = value
}

// InjectFailures replaces the current failure set.
func (s *Service) InjectFailures(f Failures) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = f
}

func (s *Service) failureSet() Failures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Outstanding is the number of service and property handles not yet
// released by clients.
func (s *Service) Outstanding() int64 {
	return s.outstanding.Load()
}

// Clients returns the number of open connections of the given type.
func (s *Service) Clients(ct service.ClientType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		if c.clientType == ct {
			n++
		}
	}
	return n
}

// Status summarizes the service for diagnostics.
type Status struct {
	Version         string `json:"version"`
	Providers       int    `json:"providers"`
	OfflineIO       int    `json:"offline_io"`
	Delivered       uint64 `json:"delivered"`
	OpenHandles     int64  `json:"open_handles"`
	MappedRegions   int    `json:"mapped_regions"`
	QueueSize       int    `json:"queue_size"`
	ConnectionsOpen int    `json:"connections_open"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Delivered:       s.delivered.Load(),
		OpenHandles:     s.outstanding.Load(),
		QueueSize:       s.queueSize,
		ConnectionsOpen: len(s.conns),
	}
	st.Version, _ = s.props[service.VersionPropertyKey].(string)
	for c := range s.conns {
		switch c.clientType {
		case service.ClientTypeProvider:
			st.Providers++
		case service.ClientTypeOfflineIO:
			st.OfflineIO++
		}
		st.MappedRegions += c.mappedRegions()
	}
	return st
}

func (s *Service) open(ct service.ClientType) (*Connection, error) {
	f := s.failureSet()
	if f.Open != nil {
		return nil, f.Open
	}
	if f.NilOpen {
		return nil, nil
	}
	c := newConnection(s, ct)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.WithField("clientType", ct.String()).Debug("client connected")
	return c, nil
}

func (s *Service) detach(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.log.WithField("clientType", c.clientType.String()).Debug("client disconnected")
}

func (s *Service) providers() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Connection
	for c := range s.conns {
		if c.clientType == service.ClientTypeProvider {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Deliver enqueues msg on the event queue of the first ready provider
// connection and assigns it an ID.
func (s *Service) Deliver(msg *message.Message) error {
	msg.ID = s.nextID.Add(1)
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := s.DeliverRaw(data); err != nil {
		return fmt.Errorf("deliver %s: %w", msg, err)
	}
	s.log.WithField("message", msg.String()).Trace("message delivered")
	return nil
}

// DeliverRaw enqueues data as is.
func (s *Service) DeliverRaw(data []byte) error {
	for _, c := range s.providers() {
		err := c.deliver(data)
		if errors.Is(err, errNotReady) {
			continue
		}
		if err != nil {
			return err
		}
		s.delivered.Add(1)
		return nil
	}
	return ErrProviderOffline
}

type serviceHandle struct {
	svc      *Service
	released atomic.Bool
}

func (h *serviceHandle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.svc.outstanding.Add(-1)
	}
}

func (h *serviceHandle) Property(key string) service.Property {
	h.svc.mu.Lock()
	v, ok := h.svc.props[key]
	h.svc.mu.Unlock()
	if !ok {
		return nil
	}
	h.svc.outstanding.Add(1)
	return &property{svc: h.svc, value: v}
}

func (h *serviceHandle) Open(ct service.ClientType) (service.Connection, error) {
	c, err := h.svc.open(ct)
	if err != nil || c == nil {
		return nil, err
	}
	return c, nil
}

type property struct {
	svc      *Service
	value    any
	released atomic.Bool
}

func (p *property) Value() any { return p.value }

func (p *property) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.svc.outstanding.Add(-1)
	}
}
