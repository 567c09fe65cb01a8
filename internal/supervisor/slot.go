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
	"net"
	"os/exec"
	"time"
)

// SlotState is one worker slot's position in its lifecycle.
type SlotState int

const (
	StateUnused SlotState = iota
	StateInitializing
	StateIdle
	StateBusy
	StateCulled
)

func (s SlotState) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateCulled:
		return "culled"
	default:
		return "invalid"
	}
}

// slot is one entry in the fixed-size worker array. A slot with
// State == StateUnused carries no process and no channel.
type slot struct {
	state SlotState

	cmd  *exec.Cmd
	ctrl net.Conn // supervisor's end of the control channel
	pid  int

	idleSince time.Time // when this slot last became idle, for cull eligibility
}

func (s *slot) active() bool {
	return s.state == StateInitializing || s.state == StateIdle || s.state == StateBusy
}

// counts tallies slot states across the whole table.
type counts struct {
	numWorkers int
	numBusy    int
	numIdle    int
	numInit    int
}

func tally(slots []*slot) counts {
	var c counts
	for _, s := range slots {
		switch s.state {
		case StateInitializing:
			c.numInit++
			c.numWorkers++
		case StateIdle:
			c.numIdle++
			c.numWorkers++
		case StateBusy:
			c.numBusy++
			c.numWorkers++
		}
	}
	return c
}
