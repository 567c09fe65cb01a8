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

package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Env vars a worker-mode child reads to reconstruct its inherited
// listeners and control channel. cmd/dgproxy's worker subcommand parses
// these.
const (
	EnvMode        = "DGPROXY_MODE"
	EnvCtrlFD      = "DGPROXY_CTRL_FD"
	EnvListenerFDs = "DGPROXY_LISTENER_FDS"
	ModeWorker     = "worker"
)

// spawner forks a fresh worker: a self re-exec carrying the listener set
// and a private control channel across exec via ExtraFiles. Go cannot
// safely fork() a running multi-threaded runtime and keep executing Go
// code in the child, so this is the idiomatic substitute for a prefork
// pool's fork() call.
type spawner struct {
	exePath   string
	args      []string
	listeners []net.Listener
}

func newSpawner(exePath string, args []string, listeners []net.Listener) *spawner {
	return &spawner{exePath: exePath, args: args, listeners: listeners}
}

// spawn starts one worker process and returns the supervisor's end of its
// control channel plus the *exec.Cmd (for Wait/Signal later). The
// listener fds are duplicated into the child; the originals remain open
// and owned by the supervisor.
func (sp *spawner) spawn() (net.Conn, *exec.Cmd, error) {
	parentFD, childFD, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(parentFD), "worker-ctrl-parent")
	ctrlConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		unix.Close(childFD)
		return nil, nil, fmt.Errorf("supervisor: wrap control fd: %w", err)
	}

	childCtrlFile := os.NewFile(uintptr(childFD), "worker-ctrl-child")
	defer childCtrlFile.Close()

	cmd := exec.Command(sp.exePath, sp.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append(cmd.ExtraFiles, childCtrlFile)

	listenerFDNumbers := make([]string, 0, len(sp.listeners))
	for _, ln := range sp.listeners {
		f, lnErr := listenerFile(ln)
		if lnErr != nil {
			ctrlConn.Close()
			return nil, nil, fmt.Errorf("supervisor: listener file: %w", lnErr)
		}
		defer f.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
		// fd 0,1,2 are standard; ExtraFiles are numbered from 3 in the child.
		listenerFDNumbers = append(listenerFDNumbers, strconv.Itoa(2+len(cmd.ExtraFiles)))
	}

	cmd.Env = append(os.Environ(),
		EnvMode+"="+ModeWorker,
		EnvCtrlFD+"=3",
		EnvListenerFDs+"="+strings.Join(listenerFDNumbers, ","),
	)

	if err := cmd.Start(); err != nil {
		ctrlConn.Close()
		return nil, nil, fmt.Errorf("supervisor: start worker: %w", err)
	}

	return ctrlConn, cmd, nil
}

// listenerFile extracts the raw, dup'd *os.File backing ln, the only
// portable way to carry a listener socket across exec.
func listenerFile(ln net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("%T does not support File()", ln)
	}
	return f.File()
}

// watchExit starts the goroutine that reaps slotIdx's child the moment it
// exits (cmd.Wait, the Go equivalent of a periodic waitpid(-1, WNOHANG)
// from the main loop) and reports it on sv.exited without blocking the
// dispatch loop.
func (sv *Supervisor) watchExit(slotIdx int, cmd *exec.Cmd) {
	go func() {
		_ = cmd.Wait()
		sv.exited <- exitEvent{slotIdx: slotIdx}
	}()
}
