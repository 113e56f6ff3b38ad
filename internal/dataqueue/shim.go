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
	"bytes"
	"errors"
	"fmt"
	"plugin"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// CompatLibraryName is the library carrying the fixed read primitives
	// for the affected Darwin releases.
	CompatLibraryName = "libSharedDataQueue.so"

	DequeueSymbol = "IODataQueueDequeue"
	PeekSymbol    = "IODataQueuePeek"
)

var ErrInvalidRelease = errors.New("invalid darwin release")

// DequeueFunc and PeekFunc are the signatures of the read primitives.
type (
	DequeueFunc func(mem Memory, buf []byte) (int, Status)
	PeekFunc    func(mem Memory) []byte
)

// Primitives is a resolved pair of read primitives.
type Primitives struct {
	Dequeue DequeueFunc
	Peek    PeekFunc
	// Shimmed is true when both came from the compatibility library.
	Shimmed bool
}

// DefaultPrimitives reads the queue with this package's implementation.
func DefaultPrimitives() Primitives {
	return Primitives{Dequeue: Memory.Dequeue, Peek: Memory.Peek}
}

type DarwinVersion struct {
	Major, Minor, Revision uint64
}

func (v DarwinVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// ParseDarwinVersion parses a kernel release of the form
// major.minor[.revision]. Every field must be a non-empty run of digits.
func ParseDarwinVersion(release string) (DarwinVersion, error) {
	fields := strings.Split(release, ".")
	if len(fields) < 2 || len(fields) > 3 {
		return DarwinVersion{}, fmt.Errorf("%w: %q", ErrInvalidRelease, release)
	}

	var nums [3]uint64
	for i, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return DarwinVersion{}, fmt.Errorf("%w: %q", ErrInvalidRelease, release)
		}
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return DarwinVersion{}, fmt.Errorf("%w: %q: %v", ErrInvalidRelease, release, err)
		}
		nums[i] = n
	}
	return DarwinVersion{Major: nums[0], Minor: nums[1], Revision: nums[2]}, nil
}

// NeedsQueueShim reports whether v ships the defective read primitives:
// 17.7 and later 17.x, and 18.0.
func NeedsQueueShim(v DarwinVersion) bool {
	return (v.Major == 17 && v.Minor >= 7) || (v.Major == 18 && v.Minor == 0)
}

// KernelRelease returns the running kernel release string.
func KernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return string(bytes.TrimRight(uts.Release[:], "\x00")), nil
}

// Library is an opened shared object.
type Library interface {
	Lookup(symbol string) (any, error)
}

// Loader opens shared objects by name.
type Loader interface {
	Open(name string) (Library, error)
}

// PluginLoader loads Go plugins.
type PluginLoader struct{}

func (PluginLoader) Open(name string) (Library, error) {
	p, err := plugin.Open(name)
	if err != nil {
		return nil, err
	}
	return pluginLibrary{p}, nil
}

type pluginLibrary struct {
	p *plugin.Plugin
}

func (l pluginLibrary) Lookup(symbol string) (any, error) {
	return l.p.Lookup(symbol)
}

// Resolver picks the read primitives for the running OS once and caches
// the result for its lifetime. The zero value uses KernelRelease,
// PluginLoader and CompatLibraryName.
type Resolver struct {
	Release func() (string, error)
	Loader  Loader
	Library string
	Log     *logrus.Entry

	once  sync.Once
	prims Primitives
}

// Primitives returns the resolved primitives, resolving them on first use.
func (r *Resolver) Primitives() Primitives {
	r.once.Do(func() {
		r.prims = r.resolve()
	})
	return r.prims
}

func (r *Resolver) resolve() Primitives {
	log := r.Log
	if log == nil {
		log = logrus.WithField("component", "dataqueue")
	}
	release := r.Release
	if release == nil {
		release = KernelRelease
	}

	rel, err := release()
	if err != nil {
		log.WithError(err).Debug("cannot read OS release, using default queue primitives")
		return DefaultPrimitives()
	}
	v, err := ParseDarwinVersion(rel)
	if err != nil {
		log.WithField("release", rel).Debug("release is not a darwin version, using default queue primitives")
		return DefaultPrimitives()
	}
	if !NeedsQueueShim(v) {
		return DefaultPrimitives()
	}

	loader := r.Loader
	if loader == nil {
		loader = PluginLoader{}
	}
	name := r.Library
	if name == "" {
		name = CompatLibraryName
	}
	log = log.WithFields(logrus.Fields{"version": v.String(), "library": name})

	lib, err := loader.Open(name)
	if err != nil {
		log.WithError(err).Debug("compat library unavailable, using default queue primitives")
		return DefaultPrimitives()
	}
	dq, err := lookupDequeue(lib)
	if err != nil {
		log.WithError(err).Debug("compat dequeue unavailable, using default queue primitives")
		return DefaultPrimitives()
	}
	pk, err := lookupPeek(lib)
	if err != nil {
		log.WithError(err).Debug("compat peek unavailable, using default queue primitives")
		return DefaultPrimitives()
	}
	log.Info("using compat queue primitives")
	return Primitives{Dequeue: dq, Peek: pk, Shimmed: true}
}

func lookupDequeue(lib Library) (DequeueFunc, error) {
	sym, err := lib.Lookup(DequeueSymbol)
	if err != nil {
		return nil, err
	}
	switch f := sym.(type) {
	case func(Memory, []byte) (int, Status):
		return f, nil
	case DequeueFunc:
		return f, nil
	case *DequeueFunc:
		if f != nil && *f != nil {
			return *f, nil
		}
	}
	return nil, fmt.Errorf("symbol %s has type %T", DequeueSymbol, sym)
}

func lookupPeek(lib Library) (PeekFunc, error) {
	sym, err := lib.Lookup(PeekSymbol)
	if err != nil {
		return nil, err
	}
	switch f := sym.(type) {
	case func(Memory) []byte:
		return f, nil
	case PeekFunc:
		return f, nil
	case *PeekFunc:
		if f != nil && *f != nil {
			return *f, nil
		}
	}
	return nil, fmt.Errorf("symbol %s has type %T", PeekSymbol, sym)
}

var processResolver = &Resolver{}

// ProcessResolver returns the resolver behind the package-level Dequeue
// and Peek.
func ProcessResolver() *Resolver {
	return processResolver
}

// Dequeue reads the oldest entry of mem with the process-wide primitives.
func Dequeue(mem Memory, buf []byte) (int, Status) {
	return processResolver.Primitives().Dequeue(mem, buf)
}

// Peek returns the oldest entry of mem with the process-wide primitives.
func Peek(mem Memory) []byte {
	return processResolver.Primitives().Peek(mem)
}
