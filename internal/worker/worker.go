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

// Package worker implements the worker process main loop: after
// fork/re-exec it sends a ready token, blocks for a listener index from
// the supervisor, accepts on that listener, acks, hands the connection
// to the configured Handler, and repeats until max_requests_per_worker
// iterations or a reload signal, whichever comes first.
package worker

import (
	"fmt"
	"net"
	"os"
	"time"

	"dgproxy/internal/wire"
)

const (
	readyTimeout  = 15 * time.Second
	listenerWait  = 360 * time.Second
	ackTimeout    = 10 * time.Second
	readyToken    = "2"
	ackByte       = 'K'
)

// Handler drives one accepted connection through the rest of the
// pipeline (auth, URL cache, scanning, logging) — the HTTP parsing and
// policy engine are external collaborators outside this core's scope.
type Handler interface {
	Handle(conn net.Conn, listenerIndex int)
}

// Signals is the small atomic-access record the worker polls at the top
// of its loop, written only from its signal handler.
type Signals interface {
	ReloadRequested() bool
}

// Worker runs one worker process's main loop against a single control
// channel and a fixed, ordered set of listeners (index = wire
// identifier).
type Worker struct {
	Ctrl      net.Conn
	Listeners []net.Listener
	Handler   Handler
	Signals   Signals

	MaxRequests int
}

// Run executes the main loop. It returns the exit status the supervisor
// expects: 0 if the loop ran to completion (max_requests_per_worker
// rounds served), 2 if it unwound early because a reload was requested or
// the control channel timed out/closed mid-cycle, 1 if the worker lost a
// listener or its control channel to a hard error.
func (w *Worker) Run() int {
	exhausted := true

	for i := 0; w.MaxRequests <= 0 || i < w.MaxRequests; i++ {
		if w.Signals != nil && w.Signals.ReloadRequested() {
			exhausted = false
			break
		}

		if err := wire.WriteLine(w.Ctrl, readyToken, readyTimeout); err != nil {
			return 1
		}

		idx, err := wire.ReadByte(w.Ctrl, listenerWait)
		if err != nil {
			// A timed-out or errored read here (no handoff within
			// listenerWait, or the supervisor closed the channel) ends
			// the loop at once; Run then reports status 2.
			exhausted = false
			break
		}

		listenerIdx := int(idx)
		if listenerIdx < 0 || listenerIdx >= len(w.Listeners) {
			return 1
		}

		conn, err := w.Listeners[listenerIdx].Accept()
		if err != nil {
			return 1
		}

		if err := wire.WriteByte(w.Ctrl, ackByte, ackTimeout); err != nil {
			conn.Close()
			return 1
		}

		w.Handler.Handle(conn, listenerIdx)
		conn.Close()
	}

	if !exhausted {
		return 2
	}
	return 0
}

// FromInheritedFDs reconstructs a net.Listener from a file descriptor
// inherited across exec, keyed off an env-var-carried fd number.
func FromInheritedFDs(fd uintptr, name string) (net.Listener, error) {
	f := os.NewFile(fd, name)
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("worker: reconstruct listener from fd %d: %w", fd, err)
	}
	return ln, nil
}

// ConnFromInheritedFD reconstructs the control channel net.Conn from an
// inherited socketpair fd.
func ConnFromInheritedFD(fd uintptr, name string) (net.Conn, error) {
	f := os.NewFile(fd, name)
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("worker: reconstruct control conn from fd %d: %w", fd, err)
	}
	return conn, nil
}
