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
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"prjfs/internal/message"
	"prjfs/internal/service"
	"prjfs/internal/vnode"
)

var ErrWrongType = errors.New("operation not valid for vnode type")

// Caller identifies the process an event is attributed to.
type Caller struct {
	Pid      int32
	ProcName string
}

// Filter turns file-object events on vnodes into queue messages the
// way the kernel filter does. Hooks are handed a vnode handle captured
// when the event was raised; each one resolves it, pins the vnode with an
// ioCount taken against the handle's vid, reads the path and attributes,
// and delivers the message to the provider.
type Filter struct {
	svc      *Service
	session  *vnode.Session
	log      *logrus.Entry
	excludes *Excludes
	skipped  atomic.Uint64
}

func NewFilter(svc *Service, session *vnode.Session) *Filter {
	return &Filter{svc: svc, session: session, log: svc.log.WithField("hook", "filter")}
}

// SetExcludes installs the exclusion matcher. Call it before any hook runs.
func (f *Filter) SetExcludes(e *Excludes) { f.excludes = e }

// Skipped is the number of events dropped by the exclusion matcher.
func (f *Filter) Skipped() uint64 { return f.skipped.Load() }

func (f *Filter) EnumerateDirectory(caller Caller, h vnode.Handle) error {
	return f.hook(caller, h, message.TypeEnumerateDirectory, "")
}

func (f *Filter) HydrateFile(caller Caller, h vnode.Handle) error {
	return f.hook(caller, h, message.TypeHydrateFile, "")
}

func (f *Filter) NotifyFileCreated(caller Caller, h vnode.Handle) error {
	return f.hook(caller, h, message.TypeNotifyFileCreated, "")
}

func (f *Filter) NotifyFileModified(caller Caller, h vnode.Handle) error {
	return f.hook(caller, h, message.TypeNotifyFileModified, "")
}

func (f *Filter) NotifyPreDelete(caller Caller, h vnode.Handle) error {
	return f.hook(caller, h, message.TypeNotifyPreDelete, "")
}

// NotifyFileRenamed reports the vnode moving to target and updates its path.
func (f *Filter) NotifyFileRenamed(caller Caller, h vnode.Handle, target string) error {
	return f.hook(caller, h, message.TypeNotifyFileRenamed, target)
}

// Send dispatches by message type. It is the entry point used for
// injected events.
func (f *Filter) Send(caller Caller, h vnode.Handle, typ message.Type, target string) error {
	switch typ {
	case message.TypeEnumerateDirectory, message.TypeHydrateFile, message.TypeNotifyFileRenamed,
		message.TypeNotifyFileCreated, message.TypeNotifyFileModified, message.TypeNotifyPreDelete:
		return f.hook(caller, h, typ, target)
	default:
		return fmt.Errorf("%w: cannot send %s", message.ErrInvalid, typ)
	}
}

func (f *Filter) hook(caller Caller, h vnode.Handle, typ message.Type, target string) error {
	vp, ok := f.session.Resolve(h)
	if !ok {
		f.log.WithField("handle", h.String()).Debug("vnode recycled, skipping event")
		return fmt.Errorf("%s handle %s: %w", typ, h, vnode.ErrRecycled)
	}
	if err := vp.GetWithVid(h.Vid()); err != nil {
		f.log.WithField("vnode", vp.String()).Debug("vnode recycled, skipping event")
		return err
	}
	defer vp.Put()

	switch {
	case typ == message.TypeEnumerateDirectory && vp.Type() != vnode.TypeDirectory:
		return fmt.Errorf("enumerate %s: %w", vp, ErrWrongType)
	case typ == message.TypeHydrateFile && vp.Type() != vnode.TypeRegular:
		return fmt.Errorf("hydrate %s: %w", vp, ErrWrongType)
	}

	if err := f.send(caller, vp, h.Vid(), typ, target); err != nil {
		return err
	}
	if typ == message.TypeNotifyFileRenamed {
		return vp.SetPath(target)
	}
	return nil
}

func (f *Filter) send(caller Caller, vp *vnode.Vnode, vid uint32, typ message.Type, target string) error {
	path, err := vp.GetPath()
	if err != nil {
		return fmt.Errorf("%s %s: get path: %w", typ, vp, err)
	}
	if f.excludes.Match(path, vp.Type() == vnode.TypeDirectory) {
		f.skipped.Add(1)
		f.log.WithField("path", path).Trace("path excluded, skipping event")
		return nil
	}
	attrs, err := vp.GetAttr()
	if err != nil {
		return fmt.Errorf("%s %s: get attributes: %w", typ, vp, err)
	}

	fi := vp.FsidAndInode()
	msg := &message.Message{
		Type:       typ,
		Pid:        caller.Pid,
		ProcName:   caller.ProcName,
		Fsid:       fi.Fsid,
		Inode:      fi.Inode,
		Vid:        vid,
		Flags:      attrs.Flags,
		Path:       path,
		TargetPath: target,
	}

	err = f.svc.Deliver(msg)
	if errors.Is(err, ErrProviderOffline) && f.svc.Clients(service.ClientTypeOfflineIO) > 0 {
		f.log.WithField("message", msg.String()).Debug("provider offline, allowing offline IO")
		return nil
	}
	return err
}
