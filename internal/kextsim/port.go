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
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"prjfs/internal/dataqueue"
)

// PipePort is a notification port backed by a non-blocking pipe. The
// producer writes a byte to signal; Wait drains whatever is pending.
type PipePort struct {
	r   *os.File
	wfd int

	mu     sync.Mutex
	closed bool
}

func NewPipePort() (*PipePort, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	return &PipePort{
		r:   os.NewFile(uintptr(fds[0]), "prjfs-port"),
		wfd: fds[1],
	}, nil
}

// Signal wakes the waiter. A full pipe already has a wake pending.
func (p *PipePort) Signal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return dataqueue.ErrPortClosed
	}
	_, err := unix.Write(p.wfd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *PipePort) Wait() error {
	var buf [64]byte
	for {
		n, err := p.r.Read(buf[:])
		if n > 0 {
			return nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return dataqueue.ErrPortClosed
		default:
			return err
		}
	}
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	werr := unix.Close(p.wfd)
	p.mu.Unlock()

	rerr := p.r.Close()
	if werr != nil {
		return os.NewSyscallError("close", werr)
	}
	return rerr
}
