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
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs submitted work one item at a time on a single goroutine.
type Dispatcher struct {
	name  string
	log   *logrus.Entry
	tasks chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(name string) *Dispatcher {
	d := &Dispatcher{
		name:  name,
		log:   logrus.WithFields(logrus.Fields{"component": "dispatcher", "name": name}),
		tasks: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for f := range d.tasks {
		f()
	}
	d.log.Trace("dispatcher stopped")
}

// Submit queues f. It returns false if the dispatcher is closed.
func (d *Dispatcher) Submit(f func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.tasks <- f
	return true
}

// Sync blocks until everything submitted before it has run.
func (d *Dispatcher) Sync() {
	ch := make(chan struct{})
	if !d.Submit(func() { close(ch) }) {
		<-d.done
		return
	}
	<-ch
}

// Close stops accepting work and waits for queued work to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()
	<-d.done
}
