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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	logrus "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prjfs/internal/cache"
	"prjfs/internal/common"
	"prjfs/internal/dataqueue"
	"prjfs/internal/kextsim"
	"prjfs/internal/message"
	"prjfs/internal/provider"
	"prjfs/internal/vnode"
)

// rootInode is the inode of the mount root; created vnodes count up from it.
const rootInode = 2

// maxRecentEvents bounds the per-path last event cache
const maxRecentEvents = 4096

// Daemon hosts a provider connected to the in-process service, plus a
// simulated mount whose vnodes are driven through the filter over IPC.
type Daemon struct {
	ipcServer *Server
	stopCh    chan struct{}
	stopOnce  sync.Once
	lock      *flock.Flock
	log       *logrus.Entry

	// LogLevel overrides the settings log level when set:
	// trace, debug, info, warn, none. Once Run has started it is read and
	// written under logMu.
	LogLevel string

	// logMu guards LogLevel and logFile against concurrent reloads
	logMu   sync.Mutex
	logFile *os.File

	// SkipCleanup skips removal of a stale pid file and socket at startup
	SkipCleanup bool

	settings *Settings
	registry *kextsim.Registry
	svc      *kextsim.Service
	filter   *kextsim.Filter
	provider *provider.Provider

	// Vnode model state. Vnode reference counts are not atomic, so every
	// access goes through vnodeMu.
	vnodeMu sync.Mutex
	session *vnode.Session
	mount   *vnode.Mount
	owned   map[string]*vnode.Vnode // path -> owning reference

	eventsMu sync.Mutex
	events   map[string]uint64 // message type -> handled count

	// Last event type the provider saw per path
	recent *cache.PathCache[string]
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{
		stopCh: make(chan struct{}),
		log:    logrus.WithField("component", "daemon"),
		owned:  make(map[string]*vnode.Vnode),
		events: make(map[string]uint64),
		recent: cache.New[string](0, maxRecentEvents),
	}
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	settings, err := LoadSettings()
	if err != nil {
		return err
	}
	d.settings = settings

	if !d.SkipCleanup {
		if result := CleanupStale(); result.CleanedPidFile || result.CleanedSocket || len(result.Errors) > 0 {
			fmt.Fprintf(os.Stderr, "Startup cleanup: %s\n", FormatCleanupResult(result))
		}
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	level := d.LogLevel
	if level == "" {
		level = settings.LogLevel
	}
	if err := d.configureLogging(level); err != nil {
		return err
	}
	defer d.closeLog()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	d.log.WithField("pid", os.Getpid()).Info("daemon started")

	if err := d.setup(); err != nil {
		return err
	}
	defer d.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	d.ipcServer = NewServer(d.handleRequest)
	g.Go(func() error { return d.provider.Run(gctx) })
	g.Go(func() error { return d.ipcServer.Serve(gctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.WithField("signal", sig.String()).Info("shutting down")
	case <-d.stopCh:
		d.log.Info("stop requested, shutting down")
	case <-gctx.Done():
		d.log.Warn("component exited, shutting down")
	}
	cancel()

	err = g.Wait()
	d.log.Info("daemon stopped")
	return err
}

// setup publishes the simulated service and mount and builds the provider.
func (d *Daemon) setup() error {
	d.registry, d.svc = kextsim.Start(kextsim.Options{
		QueueSize: d.settings.QueueSize,
		Log:       logrus.WithField("component", "kextsim"),
	})
	d.session = vnode.NewSession(logrus.WithField("component", "vnode"))
	d.filter = kextsim.NewFilter(d.svc, d.session)
	d.filter.SetExcludes(kextsim.CompileExcludes(d.settings.ExcludePatterns))

	d.mount = d.session.CreateMount(d.settings.MountType, vnode.Fsid{int32(os.Getpid()), 1}, rootInode)
	root, err := d.mount.CreateVnode("/", vnode.TypeDirectory)
	if err != nil {
		return fmt.Errorf("failed to create mount root: %w", err)
	}
	d.owned["/"] = root

	resolver := &dataqueue.Resolver{
		Library: d.settings.CompatLibrary,
		Log:     logrus.WithField("component", "shim"),
	}
	d.provider = provider.New(provider.Options{
		Registry:        d.registry,
		ExpectedVersion: d.settings.ExpectedVersion,
		Resolver:        resolver,
		Handler:         provider.HandlerFunc(d.handleMessage),
		BufferSize:      d.settings.QueueSize,
	})
	return nil
}

// teardown drops every vnode the daemon owns and reports leftovers.
func (d *Daemon) teardown() {
	d.vnodeMu.Lock()
	defer d.vnodeMu.Unlock()

	for path, vp := range d.owned {
		vp.Release()
		delete(d.owned, path)
	}
	if err := d.session.CheckAndClear(); err != nil {
		d.log.WithError(err).Warn("vnodes leaked at shutdown")
	}
}

// handleMessage is the provider handler: it records and logs each event.
func (d *Daemon) handleMessage(msg *message.Message) error {
	switch msg.Type {
	case message.TypeNotifyFileRenamed:
		d.recent.Rename(msg.Path, msg.TargetPath)
		d.recent.Set(msg.TargetPath, msg.Type.String())
	case message.TypeNotifyPreDelete:
		d.recent.InvalidateTree(msg.Path)
	default:
		d.recent.Set(msg.Path, msg.Type.String())
	}

	d.eventsMu.Lock()
	d.events[msg.Type.String()]++
	d.eventsMu.Unlock()

	d.log.WithFields(logrus.Fields{
		"id":    msg.ID,
		"type":  msg.Type.String(),
		"path":  msg.Path,
		"inode": msg.Inode,
		"pid":   msg.Pid,
		"proc":  msg.ProcName,
	}).Info("event received")
	return nil
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestStatus:
		return d.handleStatus()
	case RequestStop:
		return d.handleStop()
	case RequestReloadConfig:
		return d.handleReloadConfig()
	case RequestOfflineIORegister:
		return d.handleOfflineIO(true)
	case RequestOfflineIODereg:
		return d.handleOfflineIO(false)
	case RequestInject:
		return d.handleInject(req)
	case RequestVnodes:
		return d.handleVnodes()
	default:
		return errorResponse("unknown request type %q", req.Type)
	}
}

func (d *Daemon) handleStatus() *Response {
	stats := d.provider.Stats()
	status := d.svc.Status()

	d.eventsMu.Lock()
	events := make(map[string]uint64, len(d.events))
	for k, v := range d.events {
		events[k] = v
	}
	d.eventsMu.Unlock()

	return &Response{
		Success:  true,
		PID:      os.Getpid(),
		Provider: &stats,
		Service:  &status,
		LogLevel: d.currentLogLevel(),
		Events:   events,
		Excluded: d.filter.Skipped(),
	}
}

func (d *Daemon) handleStop() *Response {
	d.stopOnce.Do(func() { close(d.stopCh) })
	return &Response{Success: true, Message: "Daemon stopping"}
}

// handleReloadConfig re-reads settings. Only the log level applies to a
// running daemon; the other fields take effect on restart.
func (d *Daemon) handleReloadConfig() *Response {
	settings, err := LoadSettings()
	if err != nil {
		d.log.WithError(err).Warn("failed to reload settings")
		return errorResponse("failed to load settings: %v", err)
	}
	if err := d.configureLogging(settings.LogLevel); err != nil {
		return errorResponse("failed to configure logging: %v", err)
	}
	level := d.currentLogLevel()
	d.log.WithField("level", level).Info("config reloaded")
	return &Response{Success: true, Message: fmt.Sprintf("Config reloaded, log level: %s", level)}
}

func (d *Daemon) handleOfflineIO(register bool) *Response {
	if register {
		if err := d.provider.RegisterForOfflineIO(); err != nil {
			return errorResponse("offline IO registration failed: %v", err)
		}
		return &Response{Success: true, Message: "Registered for offline IO"}
	}
	if err := d.provider.DeregisterForOfflineIO(); err != nil {
		return errorResponse("offline IO deregistration failed: %v", err)
	}
	return &Response{Success: true, Message: "Deregistered from offline IO"}
}

// handleInject runs the filter hook for req.Event against the vnode at
// req.Path, creating it on first use. Renames move the vnode, pre-delete
// recycles it.
func (d *Daemon) handleInject(req *Request) *Response {
	typ, err := message.ParseType(req.Event)
	if err != nil {
		return errorResponse("%v", err)
	}
	path, err := common.CleanAbsPath(req.Path)
	if err != nil {
		return errorResponse("invalid path %q: %v", req.Path, err)
	}

	d.vnodeMu.Lock()
	defer d.vnodeMu.Unlock()

	var target string
	if typ == message.TypeNotifyFileRenamed {
		if target, err = common.CleanAbsPath(req.Target); err != nil {
			return errorResponse("invalid rename target %q: %v", req.Target, err)
		}
		if _, taken := d.owned[target]; taken {
			return errorResponse("rename target %s: %v", target, common.ErrExists)
		}
	}

	vp, err := d.vnodeFor(path, req.VnodeType, typ)
	if err != nil {
		return errorResponse("%v", err)
	}

	caller := kextsim.Caller{Pid: req.Pid, ProcName: req.ProcName}
	if caller.Pid == 0 {
		caller.Pid = int32(os.Getpid())
	}
	if err := d.filter.Send(caller, vp.Handle(), typ, target); err != nil {
		return errorResponse("%s %s: %v", typ, path, err)
	}

	switch typ {
	case message.TypeNotifyFileRenamed:
		delete(d.owned, path)
		d.owned[target] = vp
	case message.TypeNotifyPreDelete:
		delete(d.owned, path)
		vp.StartRecycling()
		vp.Release()
	}
	return &Response{Success: true, Message: fmt.Sprintf("%s %s delivered", typ, path)}
}

// vnodeFor returns the owned vnode at path, creating one of the requested
// type (or the one typ implies) if none exists.
func (d *Daemon) vnodeFor(path, vtype string, typ message.Type) (*vnode.Vnode, error) {
	if vp, ok := d.owned[path]; ok {
		return vp, nil
	}
	t, err := parseVnodeType(vtype, typ)
	if err != nil {
		return nil, err
	}
	vp, err := d.mount.CreateVnode(path, t)
	if err != nil {
		return nil, err
	}
	d.owned[path] = vp
	return vp, nil
}

func parseVnodeType(s string, typ message.Type) (vnode.Type, error) {
	switch strings.ToLower(s) {
	case "":
		if typ == message.TypeEnumerateDirectory {
			return vnode.TypeDirectory, nil
		}
		return vnode.TypeRegular, nil
	case "reg", "regular", "file":
		return vnode.TypeRegular, nil
	case "dir", "directory":
		return vnode.TypeDirectory, nil
	case "lnk", "symlink":
		return vnode.TypeSymlink, nil
	default:
		return vnode.TypeNone, fmt.Errorf("unknown vnode type %q", s)
	}
}

func (d *Daemon) handleVnodes() *Response {
	d.vnodeMu.Lock()
	live := d.session.Live()
	infos := make([]VnodeInfo, 0, len(live))
	for _, vp := range live {
		path, err := vp.GetPath()
		if err != nil {
			path = vp.String()
		}
		infos = append(infos, VnodeInfo{
			Path:      path,
			Inode:     vp.Inode(),
			Vid:       vp.Vid(),
			Type:      vp.Type().String(),
			IOCount:   vp.IOCount(),
			Recycling: vp.IsRecycled(),
		})
		infos[len(infos)-1].LastEvent, _ = d.recent.Get(path)
	}
	d.vnodeMu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return &Response{Success: true, Vnodes: infos}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, common.ErrNotRunning
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
