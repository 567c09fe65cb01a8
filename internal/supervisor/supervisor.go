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

// Package supervisor owns the listening sockets and the worker pool: it
// preforks and culls workers, multiplexes every worker control channel
// and every listener with a single bounded-timeout wait, dispatches
// accepts by handoff rather than accepting itself, and drives reload and
// shutdown. It never parses HTTP and never scans content — that all
// happens in the worker process on the other end of the handoff.
package supervisor

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"dgproxy/internal/config"
	"dgproxy/internal/dglog"
	"dgproxy/internal/metrics"
	"dgproxy/internal/poller"
	"dgproxy/internal/wire"
)

const (
	pollTimeoutMillis = 60_000
	readyReadTimeout   = 2 * time.Second // the token is already readable when poll reports the slot
	handoffAckTimeout  = 10 * time.Second

	cullAfter              = 2 * time.Minute
	maxConsecutiveFailures = 30

	// Poller IDs at or above this offset identify listeners (id -
	// listenerIDOffset = listener index); IDs below it are slot indices.
	// One Poller, one Wait() call, covers both kinds of descriptor.
	listenerIDOffset = 1_000_000
)

// Args are the fixed inputs a Supervisor needs beyond its live Config:
// where to re-exec itself from, and the extra argv every worker child is
// started with (the "worker" subcommand followed by the flags it needs).
type Args struct {
	ExePath    string
	WorkerArgv []string
}

// exitEvent reports that the child in a given slot has exited, collected
// by a per-child goroutine so drainExits never blocks the dispatch loop.
type exitEvent struct {
	slotIdx int
}

// Supervisor runs the main dispatch loop: prefork, dispatch, reap, cull,
// reload, shut down.
type Supervisor struct {
	cfg       config.Config
	args      Args
	listeners []net.Listener
	log       *dglog.Logger

	signals *Signals

	slots     []*slot
	poller    *poller.Poller
	preforked bool // true while a prefork batch is outstanding

	exited chan exitEvent

	// consecutiveFailures counts prefork/handoff failures toward
	// maxConsecutiveFailures. It resets to 0 the instant any listener
	// fires (onListenerReady), on a successful handoff (dispatch), and on
	// a worker reporting ready (onWorkerReady) — any one of those is
	// treated as evidence the supervisor is still making progress, so a
	// run of failures gets masked rather than accumulating toward a fatal
	// exit the moment something starts working again.
	consecutiveFailures int
}

// New builds a Supervisor ready to Run. listeners must already be bound
// (cmd/dgproxy owns the bind() calls so errors surface before any
// worker is spawned).
func New(cfg config.Config, args Args, listeners []net.Listener, log *dglog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		args:      args,
		listeners: listeners,
		log:       log,
		signals:   &Signals{},
		slots:     make([]*slot, cfg.MaxWorkers),
		poller:    poller.New(),
		exited:    make(chan exitEvent, cfg.MaxWorkers),
	}
}

// Signals exposes the supervisor's signal record, mainly so tests can
// trigger a reload/shutdown path without sending a real OS signal.
func (sv *Supervisor) Signals() *Signals { return sv.signals }

// Run executes the dispatch loop until a full reload or shutdown is
// requested, returning "reload" or "shutdown" to tell the caller which
// one fired.
func (sv *Supervisor) Run() (string, error) {
	for i := range sv.slots {
		sv.slots[i] = &slot{state: StateUnused}
	}

	stopSignals := watchSignals(sv.signals)
	defer stopSignals()

	for i, ln := range sv.listeners {
		src, err := poller.AddListenerFD(ln, listenerIDOffset+i)
		if err != nil {
			return "", fmt.Errorf("supervisor: register listener %d: %w", i, err)
		}
		sv.poller.Add(src)
	}

	if err := sv.prefork(sv.cfg.MinWorkers); err != nil {
		return "", fmt.Errorf("supervisor: initial prefork: %w", err)
	}

	for {
		sv.drainExits()

		if sv.signals.ShuttingDown() {
			sv.shutdown()
			return "shutdown", nil
		}
		if sv.signals.ConsumeFullReload() {
			sv.log.Printf("full reload requested, unwinding workers")
			sv.terminateAll(syscall.SIGTERM)
			sv.waitAllExited(5 * time.Second)
			return "reload", nil
		}
		if sv.signals.ConsumeGentleReload() {
			if err := sv.gentleReload(); err != nil {
				sv.log.Printf("gentle reload failed (%v), falling back to full reload", err)
				sv.terminateAll(syscall.SIGTERM)
				sv.waitAllExited(5 * time.Second)
				return "reload", nil
			}
		}

		ready, err := sv.poller.Wait(pollTimeoutMillis)
		if err != nil {
			return "", fmt.Errorf("supervisor: poll: %w", err)
		}

		if len(ready) == 0 {
			sv.onTimeout()
			continue
		}

		for _, r := range ready {
			if r.ID >= listenerIDOffset {
				sv.onListenerReady(r.ID - listenerIDOffset)
			} else {
				sv.onWorkerReady(r.ID, r.Error)
			}
		}

		sv.drainExits()
	}
}

// onWorkerReady drains a worker's ready token (idempotent: a ready from
// an already-idle slot is a no-op) and transitions it to idle. A failed
// read means the worker is gone or wedged; it is terminated and its slot
// freed on the next reap.
func (sv *Supervisor) onWorkerReady(slotIdx int, pollErr bool) {
	s := sv.slots[slotIdx]
	if !s.active() {
		return
	}

	if pollErr {
		sv.failSlot(slotIdx, "control channel error")
		return
	}

	if _, err := wire.ReadLine(s.ctrl, 16, readyReadTimeout); err != nil {
		sv.failSlot(slotIdx, fmt.Sprintf("ready read: %v", err))
		return
	}

	if s.state == StateIdle {
		return
	}
	wasInitializing := s.state == StateInitializing
	s.state = StateIdle
	s.idleSince = time.Now()
	sv.consecutiveFailures = 0
	if wasInitializing {
		sv.preforked = false
	}
	sv.refreshGauges()
}

// onListenerReady implements the dispatch rule keyed on current idle
// capacity: grow the pool when saturated, else hand off to an idle slot.
func (sv *Supervisor) onListenerReady(listenerIdx int) {
	// A listener firing means something is clearly working; this masks
	// any prior run of prefork/handoff failures before they're even
	// attempted again this round, matching consecutiveFailures's
	// reset-on-any-listener-event behavior (see its declaration above).
	sv.consecutiveFailures = 0

	c := tally(sv.slots)
	if c.numIdle == 0 && c.numWorkers < sv.cfg.MaxWorkers {
		room := sv.cfg.MaxWorkers - c.numWorkers
		batch := sv.cfg.PreforkBatch
		if batch > room {
			batch = room
		}
		if err := sv.prefork(batch); err != nil {
			sv.log.Printf("prefork on listener pressure failed: %v", err)
			sv.consecutiveFailures++
		}
		return
	}

	idx := sv.pickIdleSlot()
	if idx < 0 {
		return // every slot busy or still initializing: backpressure applies
	}
	sv.dispatch(idx, listenerIdx)
}

func (sv *Supervisor) pickIdleSlot() int {
	for i, s := range sv.slots {
		if s.state == StateIdle {
			return i
		}
	}
	return -1
}

// dispatch hands the listener index to an idle worker and waits for its
// ack: one raw byte out, one raw byte ('K') back.
func (sv *Supervisor) dispatch(slotIdx, listenerIdx int) {
	s := sv.slots[slotIdx]
	if err := wire.WriteByte(s.ctrl, byte(listenerIdx), handoffAckTimeout); err != nil {
		sv.failSlot(slotIdx, fmt.Sprintf("handoff write: %v", err))
		sv.consecutiveFailures++
		return
	}
	if _, err := wire.ReadByte(s.ctrl, handoffAckTimeout); err != nil {
		sv.failSlot(slotIdx, fmt.Sprintf("handoff ack: %v", err))
		sv.consecutiveFailures++
		return
	}
	s.state = StateBusy
	sv.consecutiveFailures = 0
	metrics.HandoffsTotal.Inc()
	sv.refreshGauges()
}

// onTimeout runs the 60s-idle housekeeping: top up toward min_spare, and
// cull excess idle capacity that has persisted past cullAfter.
func (sv *Supervisor) onTimeout() {
	c := tally(sv.slots)

	if c.numIdle < sv.cfg.MinSpare {
		room := sv.cfg.MaxWorkers - c.numWorkers
		batch := sv.cfg.PreforkBatch
		if batch > room {
			batch = room
		}
		if batch > 0 {
			if err := sv.prefork(batch); err != nil {
				sv.log.Printf("prefork to min_spare failed: %v", err)
				sv.consecutiveFailures++
			}
		}
	}

	now := time.Now()
	if c.numIdle > sv.cfg.MaxSpare {
		excess := c.numIdle - sv.cfg.MaxSpare
		for _, s := range sv.slots {
			if excess == 0 {
				break
			}
			if s.state == StateIdle && !s.idleSince.IsZero() && now.Sub(s.idleSince) >= cullAfter {
				sv.cullSlot(s)
				excess--
			}
		}
	}

	metrics.ConsecutiveFailures.Set(float64(sv.consecutiveFailures))
	if sv.consecutiveFailures >= maxConsecutiveFailures {
		sv.log.Fatalf("supervisor: %d consecutive failures, exiting", sv.consecutiveFailures)
	}
}

func (sv *Supervisor) cullSlot(s *slot) {
	s.state = StateCulled
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	metrics.WorkersCulledTotal.Inc()
}

// failSlot marks a slot culled and signals the underlying process TERM;
// drainExits frees the slot once the process actually exits.
func (sv *Supervisor) failSlot(slotIdx int, reason string) {
	s := sv.slots[slotIdx]
	sv.log.Printf("slot %d failed (%s), terminating", slotIdx, reason)
	sv.poller.Remove(slotIdx)
	s.state = StateCulled
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	metrics.HandoffFailuresTotal.Inc()
}

// drainExits frees every slot whose child has reported exiting, without
// blocking. Each child is reaped by its own goroutine (see watchExit in
// reexec.go) so this is just bookkeeping.
func (sv *Supervisor) drainExits() {
	for {
		select {
		case ev := <-sv.exited:
			s := sv.slots[ev.slotIdx]
			if s.ctrl != nil {
				s.ctrl.Close()
			}
			sv.poller.Remove(ev.slotIdx)
			sv.slots[ev.slotIdx] = &slot{state: StateUnused}
		default:
			return
		}
	}
}

// waitAllExited blocks up to timeout for every active slot to report
// exited, draining as it goes. Used by the reload/shutdown paths, which
// need the slot table actually empty before returning control.
func (sv *Supervisor) waitAllExited(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sv.drainExits()
		if tally(sv.slots).numWorkers == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (sv *Supervisor) refreshGauges() {
	c := tally(sv.slots)
	metrics.WorkersBusy.Set(float64(c.numBusy))
	metrics.WorkersIdle.Set(float64(c.numIdle))
	metrics.WorkersInitializing.Set(float64(c.numInit))
}

// terminateAll sends sig to every active worker; it does not wait.
func (sv *Supervisor) terminateAll(sig syscall.Signal) {
	for _, s := range sv.slots {
		if s.active() && s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(sig)
		}
	}
}

// shutdown implements the TERM cascade: HUP children first (graceful,
// finish the in-flight request), pause briefly, then TERM any stragglers.
func (sv *Supervisor) shutdown() {
	sv.terminateAll(syscall.SIGHUP)
	time.Sleep(500 * time.Millisecond)
	sv.terminateAll(syscall.SIGTERM)
	sv.waitAllExited(5 * time.Second)
}

// gentleReload HUPs every current worker (they exit after their current
// request) and preforks fresh ones up to min_workers. Reloading filter
// groups and plugin lists is the caller's responsibility before invoking
// this — those policy tables belong to the external collaborators, not
// this package.
func (sv *Supervisor) gentleReload() error {
	sv.terminateAll(syscall.SIGHUP)
	return sv.prefork(sv.cfg.MinWorkers)
}

// prefork starts n fresh workers, capped at the number of unused slots
// available, unless a prefork batch is already outstanding (the
// "preforked" latch, cleared when the first new worker reports ready).
func (sv *Supervisor) prefork(n int) error {
	if sv.preforked || n <= 0 {
		return nil
	}
	sp := newSpawner(sv.args.ExePath, sv.args.WorkerArgv, sv.listeners)

	started := 0
	for i := range sv.slots {
		if started >= n {
			break
		}
		if sv.slots[i].state != StateUnused {
			continue
		}
		ctrl, cmd, err := sp.spawn()
		if err != nil {
			return fmt.Errorf("supervisor: spawn worker: %w", err)
		}
		sv.slots[i] = &slot{state: StateInitializing, cmd: cmd, ctrl: ctrl, pid: cmd.Process.Pid}
		src, err := poller.AddConnFD(ctrl, i)
		if err != nil {
			return fmt.Errorf("supervisor: register worker %d: %w", i, err)
		}
		sv.poller.Add(src)
		sv.watchExit(i, cmd)
		started++
	}
	if started > 0 {
		sv.preforked = true
	}
	sv.refreshGauges()
	return nil
}
