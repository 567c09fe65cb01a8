// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package poller gives the supervisor a single bounded-timeout wait over
// every listener and every worker control channel at once. Go's net
// package has no "is this readable without consuming it" primitive, so
// this extracts the raw file descriptor from each net.Listener/net.Conn
// once at registration and multiplexes with golang.org/x/sys/unix.Poll.
package poller

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Source is one fd the Poller waits on, tagged with an opaque ID the
// caller assigns (a worker slot index or a listener index).
type Source struct {
	ID int
	fd int
}

// Ready is one fd that had activity, carrying its Source.ID back to the
// caller and whether it is readable/has an error condition.
type Ready struct {
	ID    int
	Error bool
}

// Poller multiplexes a fixed set of raw fds with a single poll(2) call
// per Wait.
type Poller struct {
	sources []Source
}

// New builds an empty Poller.
func New() *Poller {
	return &Poller{}
}

// syscallConner is satisfied by every concrete net.Listener/net.Conn the
// standard library ships (*net.TCPListener, *net.UnixListener,
// *net.TCPConn, *net.UnixConn, ...): all of them implement syscall.Conn.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

func fdFromRawConner(v syscallConner, id int) (Source, error) {
	rc, err := v.SyscallConn()
	if err != nil {
		return Source{}, fmt.Errorf("poller: SyscallConn: %w", err)
	}
	var fd int
	if ctrlErr := rc.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return Source{}, fmt.Errorf("poller: Control: %w", ctrlErr)
	}
	return Source{ID: id, fd: fd}, nil
}

// AddListenerFD resolves ln's raw fd (ln must be backed by a real
// descriptor — *net.TCPListener or *net.UnixListener) and tags it id.
func AddListenerFD(ln net.Listener, id int) (Source, error) {
	sc, ok := ln.(syscallConner)
	if !ok {
		return Source{}, fmt.Errorf("poller: %T does not expose a raw fd", ln)
	}
	return fdFromRawConner(sc, id)
}

// AddConnFD resolves conn's raw fd (conn must be backed by a real
// descriptor, e.g. the *net.UnixConn wrapping a worker's control
// channel) and tags it id.
func AddConnFD(conn net.Conn, id int) (Source, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		return Source{}, fmt.Errorf("poller: %T does not expose a raw fd", conn)
	}
	return fdFromRawConner(sc, id)
}

// Add registers a pre-resolved Source (used by callers that already
// extracted a raw fd some other way, e.g. from os.File.Fd()).
func (p *Poller) Add(src Source) {
	p.sources = append(p.sources, src)
}

// Remove drops the source with the given id, if present.
func (p *Poller) Remove(id int) {
	for i, s := range p.sources {
		if s.ID == id {
			p.sources = append(p.sources[:i], p.sources[i+1:]...)
			return
		}
	}
}

// Wait blocks up to timeoutMillis for any registered fd to become
// readable, returning the IDs that fired. timeoutMillis < 0 blocks
// indefinitely; 0 polls without blocking.
func (p *Poller) Wait(timeoutMillis int) ([]Ready, error) {
	if len(p.sources) == 0 {
		return nil, nil
	}
	pfds := make([]unix.PollFd, len(p.sources))
	for i, s := range p.sources {
		pfds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(pfds, timeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var ready []Ready
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		ready = append(ready, Ready{
			ID:    p.sources[i].ID,
			Error: pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		})
	}
	return ready, nil
}
