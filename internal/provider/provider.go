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

// Package provider is the user-mode consumer of the prjfs event queue.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"prjfs/internal/cleanup"
	"prjfs/internal/dataqueue"
	"prjfs/internal/message"
	"prjfs/internal/service"
)

const defaultBufferSize = 4096

var (
	ErrAlreadyStarted = errors.New("provider already started")
	ErrNotStarted     = errors.New("provider not started")
)

// Handler processes one dequeued message. Handlers run on the provider's
// dispatcher, one at a time.
type Handler interface {
	HandleMessage(msg *message.Message) error
}

type HandlerFunc func(msg *message.Message) error

func (f HandlerFunc) HandleMessage(msg *message.Message) error { return f(msg) }

type Options struct {
	Registry service.Registry
	// ExpectedVersion overrides service.InterfaceVersion when set.
	ExpectedVersion string
	// Resolver picks the queue read primitives. Nil uses the process-wide
	// resolver.
	Resolver   *dataqueue.Resolver
	Handler    Handler
	BufferSize int
	Log        *logrus.Entry
}

// Stats are the provider's counters.
type Stats struct {
	SessionID string    `json:"session_id"`
	Connected bool      `json:"connected"`
	OfflineIO bool      `json:"offline_io"`
	Shimmed   bool      `json:"shimmed"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Wakes     uint64    `json:"wakes"`
	Received  uint64    `json:"received"`
	Handled   uint64    `json:"handled"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	Corrupt   uint64    `json:"corrupt"`
}

type Provider struct {
	id        uuid.UUID
	log       *logrus.Entry
	connector *service.Connector
	resolver  *dataqueue.Resolver
	handler   Handler
	bufSize   int

	mu         sync.Mutex
	conn       service.Connection
	dispatcher *dataqueue.Dispatcher
	queue      *dataqueue.Queue
	offline    service.Connection
	startedAt  time.Time

	received atomic.Uint64
	handled  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	corrupt  atomic.Uint64
}

func New(opts Options) *Provider {
	id := uuid.New()
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "provider")
	}
	log = log.WithField("session", id.String())

	resolver := opts.Resolver
	if resolver == nil {
		resolver = dataqueue.ProcessResolver()
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFunc(func(*message.Message) error { return nil })
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Provider{
		id:  id,
		log: log,
		connector: &service.Connector{
			Registry:        opts.Registry,
			ExpectedVersion: opts.ExpectedVersion,
			Log:             log,
		},
		resolver: resolver,
		handler:  handler,
		bufSize:  bufSize,
	}
}

func (p *Provider) SessionID() uuid.UUID { return p.id }

// Start connects to the service, maps the event queue and begins
// delivering messages to the handler.
func (p *Provider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return ErrAlreadyStarted
	}

	conn, err := p.connector.Connect(service.ClientTypeProvider)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	cu := cleanup.Make(func() { conn.Close() })
	defer cu.Clean()

	d := dataqueue.NewDispatcher("provider-" + p.id.String())
	cu.Add(d.Close)

	q, err := dataqueue.InitQueue(conn, service.EventPortKind, service.EventMemoryKind, d)
	if err != nil {
		return fmt.Errorf("init event queue: %w", err)
	}

	prims := p.resolver.Primitives()
	mem := q.Memory()
	buf := make([]byte, p.bufSize)
	q.Monitor().Resume(func() {
		buf = p.drain(prims, mem, buf)
	})

	cu.Release()
	p.conn, p.dispatcher, p.queue = conn, d, q
	p.startedAt = time.Now()
	p.log.WithField("shimmed", prims.Shimmed).Info("provider started")
	return nil
}

// drain handles every pending entry and returns the buffer, which grows
// to fit the largest entry seen.
func (p *Provider) drain(prims dataqueue.Primitives, mem dataqueue.Memory, buf []byte) []byte {
	for {
		n, st := prims.Dequeue(mem, buf)
		switch st {
		case dataqueue.StatusEmpty:
			return buf
		case dataqueue.StatusNoSpace:
			p.log.WithField("size", n).Debug("growing message buffer")
			buf = make([]byte, n)
			continue
		case dataqueue.StatusCorrupt:
			p.corrupt.Add(1)
			p.log.Error("event queue is corrupt, stopping delivery")
			return buf
		case dataqueue.StatusOK:
		default:
			p.log.WithField("status", st.String()).Warn("unexpected dequeue status")
			return buf
		}

		p.received.Add(1)
		msg, err := message.Unmarshal(buf[:n])
		if err != nil {
			p.dropped.Add(1)
			p.log.WithError(err).Warn("dropping malformed message")
			continue
		}
		if err := p.handler.HandleMessage(msg); err != nil {
			p.failed.Add(1)
			p.log.WithError(err).WithField("message", msg.String()).Warn("handler failed")
			continue
		}
		p.handled.Add(1)
	}
}

// Stop releases the queue, dispatcher and connection.
func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotStarted
	}

	var errs []error
	errs = append(errs, p.queue.Close())
	p.dispatcher.Close()
	errs = append(errs, p.conn.Close())
	p.conn, p.dispatcher, p.queue = nil, nil, nil
	p.log.Info("provider stopped")
	return errors.Join(errs...)
}

// Run starts the provider and stops it when ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

// RegisterForOfflineIO opens an offline IO client so file access is
// allowed while no provider is connected. It is a no-op when already
// registered.
func (p *Provider) RegisterForOfflineIO() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline != nil {
		return nil
	}
	conn, err := p.connector.Connect(service.ClientTypeOfflineIO)
	if err != nil {
		return fmt.Errorf("register for offline IO: %w", err)
	}
	p.offline = conn
	p.log.Info("registered for offline IO")
	return nil
}

func (p *Provider) DeregisterForOfflineIO() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline == nil {
		return nil
	}
	err := p.offline.Close()
	p.offline = nil
	p.log.Info("deregistered for offline IO")
	return err
}

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		SessionID: p.id.String(),
		Connected: p.conn != nil,
		OfflineIO: p.offline != nil,
		Shimmed:   p.resolver.Primitives().Shimmed,
		Received:  p.received.Load(),
		Handled:   p.handled.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Corrupt:   p.corrupt.Load(),
	}
	if p.queue != nil {
		st.StartedAt = p.startedAt
		if m := p.queue.Monitor(); m != nil {
			st.Wakes = m.Wakes()
		}
	}
	return st
}
