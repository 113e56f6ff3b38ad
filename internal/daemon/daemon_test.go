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

package daemon

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDaemon wires a daemon's components without the process-level
// parts of Run (lock, pid file, socket, signals).
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d := New()
	d.settings = &Settings{QueueSize: 4096, MountType: "testfs", LogLevel: "none"}
	require.NoError(t, d.setup())
	require.NoError(t, d.provider.Start())
	t.Cleanup(func() {
		assert.NoError(t, d.provider.Stop())
		d.teardown()
		assert.Zero(t, d.session.LiveCount(), "teardown leaves no vnodes")
	})
	return d
}

func (d *Daemon) handledEvents(typ string) func() uint64 {
	return func() uint64 { return d.handleStatus().Events[typ] }
}

func vnodePaths(t *testing.T, d *Daemon) []string {
	t.Helper()
	resp := d.handleRequest(&Request{Type: RequestVnodes})
	require.True(t, resp.Success, resp.Error)
	var paths []string
	for _, v := range resp.Vnodes {
		paths = append(paths, v.Path)
	}
	return paths
}

func lastEvent(t *testing.T, d *Daemon, path string) string {
	t.Helper()
	for _, v := range d.handleRequest(&Request{Type: RequestVnodes}).Vnodes {
		if v.Path == path {
			return v.LastEvent
		}
	}
	return ""
}

func TestDaemon_Status(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleRequest(&Request{Type: RequestStatus})
	require.True(t, resp.Success)
	assert.NotZero(t, resp.PID)
	require.NotNil(t, resp.Provider)
	assert.True(t, resp.Provider.Connected)
	assert.Equal(t, d.provider.SessionID().String(), resp.Provider.SessionID)
	require.NotNil(t, resp.Service)
	assert.Equal(t, 1, resp.Service.Providers)
	assert.Equal(t, 4096, resp.Service.QueueSize)
}

func TestDaemon_Inject(t *testing.T) {
	g := NewWithT(t)
	d := newTestDaemon(t)

	resp := d.handleRequest(&Request{Type: RequestInject, Event: "hydrate-file", Path: "/src/a.txt", Pid: 77, ProcName: "cat"})
	require.True(t, resp.Success, resp.Error)
	g.Eventually(d.handledEvents("hydrate-file"), time.Second, 5*time.Millisecond).Should(Equal(uint64(1)))

	resp = d.handleRequest(&Request{Type: RequestInject, Event: "enumerate-directory", Path: "/src"})
	require.True(t, resp.Success, resp.Error)
	g.Eventually(d.handledEvents("enumerate-directory"), time.Second, 5*time.Millisecond).Should(Equal(uint64(1)))

	assert.Equal(t, []string{"/", "/src", "/src/a.txt"}, vnodePaths(t, d))
	g.Eventually(func() string { return lastEvent(t, d, "/src/a.txt") }, time.Second, 5*time.Millisecond).
		Should(Equal("hydrate-file"))
	assert.Empty(t, lastEvent(t, d, "/"))

	resp = d.handleRequest(&Request{Type: RequestVnodes})
	for _, v := range resp.Vnodes {
		assert.Zero(t, v.IOCount, "hooks drop their ioCount: %s", v.Path)
	}
}

func TestDaemon_InjectRenameAndDelete(t *testing.T) {
	g := NewWithT(t)
	d := newTestDaemon(t)

	require.True(t, d.handleRequest(&Request{Type: RequestInject, Event: "file-created", Path: "/a"}).Success)
	require.True(t, d.handleRequest(&Request{Type: RequestInject, Event: "file-created", Path: "/c"}).Success)

	resp := d.handleRequest(&Request{Type: RequestInject, Event: "file-renamed", Path: "/a", Target: "/c"})
	assert.False(t, resp.Success, "target is taken")

	resp = d.handleRequest(&Request{Type: RequestInject, Event: "file-renamed", Path: "/a", Target: "/b"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []string{"/", "/b", "/c"}, vnodePaths(t, d))

	resp = d.handleRequest(&Request{Type: RequestInject, Event: "pre-delete", Path: "/b"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []string{"/", "/c"}, vnodePaths(t, d))

	g.Eventually(d.handledEvents("pre-delete"), time.Second, 5*time.Millisecond).Should(Equal(uint64(1)))
	g.Eventually(d.handledEvents("file-renamed"), time.Second, 5*time.Millisecond).Should(Equal(uint64(1)))
	assert.Equal(t, "file-created", lastEvent(t, d, "/c"))
	_, seen := d.recent.Get("/b")
	assert.False(t, seen, "deleted path dropped from recent events")
}

func TestDaemon_InjectErrors(t *testing.T) {
	d := newTestDaemon(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown event", Request{Event: "explode", Path: "/a"}},
		{"relative path", Request{Event: "hydrate-file", Path: "a"}},
		{"bad vnode type", Request{Event: "hydrate-file", Path: "/a", VnodeType: "pipe-ish"}},
		{"hydrate directory", Request{Event: "hydrate-file", Path: "/", VnodeType: "dir"}},
		{"enumerate file", Request{Event: "enumerate-directory", Path: "/f", VnodeType: "reg"}},
		{"rename without target", Request{Event: "file-renamed", Path: "/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Type = RequestInject
			resp := d.handleRequest(&req)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestDaemon_ExcludePatterns(t *testing.T) {
	d := New()
	d.settings = &Settings{QueueSize: 4096, MountType: "testfs", ExcludePatterns: []string{"*.swp"}}
	require.NoError(t, d.setup())
	t.Cleanup(d.teardown)

	// No provider is running, so only an excluded event can succeed
	resp := d.handleRequest(&Request{Type: RequestInject, Event: "file-modified", Path: "/a.swp"})
	assert.True(t, resp.Success, resp.Error)
	resp = d.handleRequest(&Request{Type: RequestInject, Event: "file-modified", Path: "/a.txt"})
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(1), d.handleStatus().Excluded)
}

func TestDaemon_OfflineIO(t *testing.T) {
	d := newTestDaemon(t)

	require.True(t, d.handleRequest(&Request{Type: RequestOfflineIORegister}).Success)
	assert.Equal(t, 1, d.handleStatus().Service.OfflineIO)
	assert.True(t, d.handleStatus().Provider.OfflineIO)

	require.True(t, d.handleRequest(&Request{Type: RequestOfflineIODereg}).Success)
	assert.Equal(t, 0, d.handleStatus().Service.OfflineIO)
}

func TestDaemon_StopAndUnknown(t *testing.T) {
	d := newTestDaemon(t)

	assert.True(t, d.handleRequest(&Request{Type: RequestStop}).Success)
	assert.True(t, d.handleRequest(&Request{Type: RequestStop}).Success, "second stop is harmless")
	select {
	case <-d.stopCh:
	default:
		t.Fatal("stop channel not closed")
	}

	resp := d.handleRequest(&Request{Type: "bogus"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "bogus")
}

func TestDaemon_ReloadConfig(t *testing.T) {
	t.Setenv("PRJFS_CONFIG_DIR", t.TempDir())
	d := newTestDaemon(t)

	require.NoError(t, SaveSettings(&Settings{LogLevel: "off"}))
	resp := d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "none", d.LogLevel)
	assert.Nil(t, d.logFile)
}

func TestDaemon_ConcurrentReloads(t *testing.T) {
	t.Setenv("PRJFS_CONFIG_DIR", t.TempDir())
	d := newTestDaemon(t)
	require.NoError(t, EnsureConfigDir())
	require.NoError(t, SaveSettings(&Settings{LogLevel: "debug"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp := d.handleRequest(&Request{Type: RequestReloadConfig})
			assert.True(t, resp.Success, resp.Error)
		}()
		go func() {
			defer wg.Done()
			d.handleRequest(&Request{Type: RequestStatus})
		}()
	}
	wg.Wait()

	first := d.logFile
	require.NotNil(t, first)
	assert.Equal(t, "debug", d.handleStatus().LogLevel)

	resp := d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.Same(t, first, d.logFile, "log file is opened once and reused")

	require.NoError(t, SaveSettings(&Settings{LogLevel: "none"}))
	resp = d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.Nil(t, d.logFile)
}
