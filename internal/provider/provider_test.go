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

package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prjfs/internal/dataqueue"
	"prjfs/internal/kextsim"
	"prjfs/internal/message"
	"prjfs/internal/service"
	"prjfs/internal/vnode"
	"prjfs/internal/vnode/vnodetest"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*message.Message
	fail func(*message.Message) error
}

func (r *recorder) HandleMessage(m *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	if r.fail != nil {
		return r.fail(m)
	}
	return nil
}

func (r *recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Path)
	}
	return out
}

func defaultResolver() *dataqueue.Resolver {
	return &dataqueue.Resolver{Release: func() (string, error) { return "20.1.0", nil }}
}

func TestProvider_EndToEnd(t *testing.T) {
	g := NewWithT(t)
	s := vnodetest.NewSession(t)
	m := s.CreateMount("testfs", vnode.Fsid{1, 2}, 100)
	reg, svc := kextsim.Start(kextsim.Options{QueueSize: 1024})
	filter := kextsim.NewFilter(svc, s)

	rec := &recorder{}
	p := New(Options{Registry: reg, Handler: rec, Resolver: defaultResolver(), BufferSize: 16})
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)

	a, err := m.CreateVnode("/a", vnode.TypeRegular)
	require.NoError(t, err)
	b, err := m.CreateVnode("/b", vnode.TypeDirectory)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), a.Inode())
	assert.Equal(t, uint64(101), b.Inode())

	caller := kextsim.Caller{Pid: 1, ProcName: "ls"}
	require.NoError(t, filter.HydrateFile(caller, a.Handle()))
	require.NoError(t, filter.EnumerateDirectory(caller, b.Handle()))
	require.NoError(t, filter.NotifyFileRenamed(caller, a.Handle(), "/renamed"))

	g.Eventually(rec.Paths, time.Second, 5*time.Millisecond).Should(Equal([]string{"/a", "/b", "/a"}))
	rec.mu.Lock()
	first := rec.msgs[0]
	rename := rec.msgs[2]
	rec.mu.Unlock()
	assert.Equal(t, message.TypeHydrateFile, first.Type)
	assert.Equal(t, uint64(100), first.Inode)
	assert.Equal(t, [2]int32{1, 2}, first.Fsid)
	assert.Equal(t, a.Vid(), first.Vid)
	assert.Equal(t, "ls", first.ProcName)
	assert.Equal(t, "/renamed", rename.TargetPath)

	st := p.Stats()
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(3), st.Handled)
	assert.False(t, st.Shimmed)
	assert.NotEmpty(t, st.SessionID)

	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), ErrNotStarted)
	assert.Equal(t, 0, svc.Status().ConnectionsOpen)
	assert.Equal(t, int64(0), svc.Outstanding())

	assert.ErrorIs(t, filter.HydrateFile(caller, a.Handle()), kextsim.ErrProviderOffline)
	a.Release()
	b.Release()
}

func TestProvider_HandlerFailures(t *testing.T) {
	g := NewWithT(t)
	reg, svc := kextsim.Start(kextsim.Options{})
	rec := &recorder{fail: func(m *message.Message) error {
		if m.Path == "/bad" {
			return errors.New("nope")
		}
		return nil
	}}
	p := New(Options{Registry: reg, Handler: rec, Resolver: defaultResolver()})
	require.NoError(t, p.Start())
	defer p.Stop()

	for _, path := range []string{"/ok", "/bad", "/ok2"} {
		require.NoError(t, svc.Deliver(&message.Message{Type: message.TypeNotifyFileCreated, Path: path}))
	}
	g.Eventually(func() uint64 { return p.Stats().Received }, time.Second, 5*time.Millisecond).Should(Equal(uint64(3)))
	st := p.Stats()
	assert.Equal(t, uint64(2), st.Handled)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestProvider_StartFailures(t *testing.T) {
	t.Run("no service", func(t *testing.T) {
		p := New(Options{Registry: kextsim.NewRegistry(), Resolver: defaultResolver()})
		assert.ErrorIs(t, p.Start(), service.ErrServiceNotFound)
		assert.False(t, p.Stats().Connected)
	})
	t.Run("version mismatch", func(t *testing.T) {
		reg, _ := kextsim.Start(kextsim.Options{})
		p := New(Options{Registry: reg, ExpectedVersion: "2.0.0", Resolver: defaultResolver()})
		err := p.Start()
		var mm *service.VersionMismatchError
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, service.InterfaceVersion, mm.Advertised)
		assert.Equal(t, "2.0.0", mm.Expected)
	})
	t.Run("map failure releases connection", func(t *testing.T) {
		reg, svc := kextsim.Start(kextsim.Options{})
		svc.InjectFailures(kextsim.Failures{MapMemory: errors.New("no memory")})
		p := New(Options{Registry: reg, Resolver: defaultResolver()})
		assert.ErrorIs(t, p.Start(), dataqueue.ErrMapFailed)
		assert.Equal(t, 0, svc.Status().ConnectionsOpen)

		svc.InjectFailures(kextsim.Failures{})
		require.NoError(t, p.Start())
		require.NoError(t, p.Stop())
	})
}

func TestProvider_OfflineIO(t *testing.T) {
	reg, svc := kextsim.Start(kextsim.Options{})
	p := New(Options{Registry: reg, Resolver: defaultResolver()})

	require.NoError(t, p.RegisterForOfflineIO())
	require.NoError(t, p.RegisterForOfflineIO())
	assert.Equal(t, 1, svc.Clients(service.ClientTypeOfflineIO))
	assert.True(t, p.Stats().OfflineIO)

	require.NoError(t, p.DeregisterForOfflineIO())
	require.NoError(t, p.DeregisterForOfflineIO())
	assert.Equal(t, 0, svc.Clients(service.ClientTypeOfflineIO))

	reg.Unpublish(service.ServiceClass)
	assert.ErrorIs(t, p.RegisterForOfflineIO(), service.ErrServiceNotFound)
}

func TestProvider_Run(t *testing.T) {
	g := NewWithT(t)
	reg, svc := kextsim.Start(kextsim.Options{})
	p := New(Options{Registry: reg, Resolver: defaultResolver()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	g.Eventually(func() int { return svc.Clients(service.ClientTypeProvider) }, time.Second, 5*time.Millisecond).Should(Equal(1))
	cancel()
	g.Eventually(done, time.Second).Should(Receive(BeNil()))
	assert.Equal(t, 0, svc.Clients(service.ClientTypeProvider))
}

func TestProvider_DropsMalformed(t *testing.T) {
	g := NewWithT(t)
	reg, svc := kextsim.Start(kextsim.Options{})
	rec := &recorder{}
	p := New(Options{Registry: reg, Handler: rec, Resolver: defaultResolver()})
	require.NoError(t, p.Start())
	defer p.Stop()

	// Deliver via the filter path so the message is valid, then a raw
	// malformed entry straight onto the connection's queue.
	require.NoError(t, svc.Deliver(&message.Message{Type: message.TypeNotifyPreDelete, Path: "/x"}))
	require.NoError(t, svc.DeliverRaw([]byte("garbage")))

	g.Eventually(func() uint64 { return p.Stats().Dropped }, time.Second, 5*time.Millisecond).Should(Equal(uint64(1)))
	assert.Equal(t, []string{"/x"}, rec.Paths())
}
