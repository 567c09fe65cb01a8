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
	"io"
	"net"
	"testing"
	"time"

	"dgproxy/internal/config"
	"dgproxy/internal/dglog"
)

func testSupervisor(t *testing.T, maxWorkers int) *Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.MaxWorkers = maxWorkers
	return New(cfg, Args{ExePath: "/bin/true"}, nil, dglog.New("test", io.Discard))
}

func TestTallyCountsSlotsByState(t *testing.T) {
	slots := []*slot{
		{state: StateIdle},
		{state: StateBusy},
		{state: StateBusy},
		{state: StateInitializing},
		{state: StateUnused},
		{state: StateCulled},
	}
	c := tally(slots)
	if c.numWorkers != 4 {
		t.Fatalf("numWorkers = %d, want 4", c.numWorkers)
	}
	if c.numBusy != 2 {
		t.Fatalf("numBusy = %d, want 2", c.numBusy)
	}
	if c.numIdle != 1 {
		t.Fatalf("numIdle = %d, want 1", c.numIdle)
	}
	if c.numInit != 1 {
		t.Fatalf("numInit = %d, want 1", c.numInit)
	}
}

func TestOnWorkerReadyTransitionsInitializingAndClearsPreforkLatch(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	sv.slots[0] = &slot{state: StateInitializing, ctrl: supervisorSide}
	sv.preforked = true

	go func() {
		workerSide.Write([]byte("2\n"))
	}()

	sv.onWorkerReady(0, false)

	if sv.slots[0].state != StateIdle {
		t.Fatalf("slot state = %v, want idle", sv.slots[0].state)
	}
	if sv.preforked {
		t.Fatal("preforked latch should clear on first ready from an initializing slot")
	}
}

func TestOnWorkerReadyFromIdleSlotIsIdempotent(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	idleSince := time.Now().Add(-time.Minute)
	sv.slots[0] = &slot{state: StateIdle, ctrl: supervisorSide, idleSince: idleSince}

	go func() { workerSide.Write([]byte("2\n")) }()
	sv.onWorkerReady(0, false)

	if sv.slots[0].state != StateIdle {
		t.Fatalf("slot state = %v, want idle", sv.slots[0].state)
	}
	if !sv.slots[0].idleSince.Equal(idleSince) {
		t.Fatal("idleSince should not be refreshed by a no-op ready")
	}
}

func TestOnWorkerReadyFailsSlotOnReadError(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	workerSide.Close() // closed peer: the ready read will fail immediately

	sv.slots[0] = &slot{state: StateInitializing, ctrl: supervisorSide}
	sv.onWorkerReady(0, false)

	if sv.slots[0].state != StateCulled {
		t.Fatalf("slot state = %v, want culled after a failed ready read", sv.slots[0].state)
	}
}

func TestDispatchMarksSlotBusyOnSuccessfulHandoff(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	sv.slots[0] = &slot{state: StateIdle, ctrl: supervisorSide}

	go func() {
		buf := make([]byte, 1)
		workerSide.Read(buf)
		workerSide.Write([]byte{'K'})
	}()

	sv.dispatch(0, 2)

	if sv.slots[0].state != StateBusy {
		t.Fatalf("slot state = %v, want busy", sv.slots[0].state)
	}
}

func TestDispatchFailsSlotWhenAckNeverArrives(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()

	sv.slots[0] = &slot{state: StateIdle, ctrl: supervisorSide}

	go func() {
		buf := make([]byte, 1)
		workerSide.Read(buf) // consume the listener index
		workerSide.Close()   // then vanish instead of acking
	}()

	sv.dispatch(0, 0)

	if sv.slots[0].state != StateCulled {
		t.Fatalf("slot state = %v, want culled after a missing ack", sv.slots[0].state)
	}
}

func TestOnListenerReadyPrefersIdleSlotOverPreforking(t *testing.T) {
	sv := testSupervisor(t, 4)
	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	sv.slots[0] = &slot{state: StateIdle, ctrl: supervisorSide}
	for i := 1; i < 4; i++ {
		sv.slots[i] = &slot{state: StateUnused}
	}

	go func() {
		buf := make([]byte, 1)
		workerSide.Read(buf)
		workerSide.Write([]byte{'K'})
	}()

	sv.onListenerReady(0)

	if sv.slots[0].state != StateBusy {
		t.Fatalf("slot state = %v, want busy (dispatched instead of preforking)", sv.slots[0].state)
	}
}

func TestCullSlotSignalsProcessAndMarksCulled(t *testing.T) {
	sv := testSupervisor(t, 1)
	s := &slot{state: StateIdle}
	sv.cullSlot(s)
	if s.state != StateCulled {
		t.Fatalf("state = %v, want culled", s.state)
	}
}

func TestSlotStateStringCoversAllValues(t *testing.T) {
	for _, st := range []SlotState{StateUnused, StateInitializing, StateIdle, StateBusy, StateCulled} {
		if st.String() == "invalid" {
			t.Fatalf("SlotState %d has no String() case", st)
		}
	}
}
