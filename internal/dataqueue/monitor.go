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
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Monitor schedules a handler on a dispatcher each time its port is
// signalled. Wakes that arrive while a run is already pending are
// coalesced, so handlers must drain the queue until StatusEmpty.
type Monitor struct {
	port       NotificationPort
	dispatcher *Dispatcher
	log        *logrus.Entry

	mu      sync.Mutex
	started bool
	done    chan struct{}

	cancelled atomic.Bool
	pending   atomic.Bool
	wakes     atomic.Uint64
}

func newMonitor(port NotificationPort, dispatcher *Dispatcher, log *logrus.Entry) *Monitor {
	return &Monitor{
		port:       port,
		dispatcher: dispatcher,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Resume starts delivering wakes to handler. Only the first call has an
// effect.
func (m *Monitor) Resume(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.cancelled.Load() {
		return
	}
	m.started = true
	go m.loop(handler)
}

// Wakes returns the number of port signals observed.
func (m *Monitor) Wakes() uint64 {
	return m.wakes.Load()
}

func (m *Monitor) loop(handler func()) {
	defer close(m.done)
	for {
		if err := m.port.Wait(); err != nil {
			if !errors.Is(err, ErrPortClosed) {
				m.log.WithError(err).Warn("notification port wait failed")
			}
			return
		}
		m.wakes.Add(1)
		if m.cancelled.Load() {
			return
		}
		if !m.pending.CompareAndSwap(false, true) {
			continue
		}
		ok := m.dispatcher.Submit(func() {
			m.pending.Store(false)
			if m.cancelled.Load() {
				return
			}
			handler()
		})
		if !ok {
			m.log.Debug("dispatcher closed, monitor stopping")
			return
		}
	}
}

// cancel stops handler runs. Runs already queued on the dispatcher finish
// before it returns.
func (m *Monitor) cancel() {
	m.cancelled.Store(true)
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		m.dispatcher.Sync()
	}
}

// wait blocks until the wait loop has exited. The port must be closed
// first.
func (m *Monitor) wait() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}
