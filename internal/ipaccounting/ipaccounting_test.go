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

package ipaccounting

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T, set *Set, statsPath string) (addr string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipaccounting.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	stop := make(chan struct{})
	go Serve(ln, set, statsPath, stop)
	t.Cleanup(func() {
		close(stop)
		ln.Close()
		os.Remove(path)
	})
	return path
}

func TestQueryAdmitsUntilFull(t *testing.T) {
	set := NewSet(2)
	addr := startServer(t, set, "")
	client := NewClient(addr)

	ok, err := client.Query("10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("first query = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = client.Query("10.0.0.2")
	if err != nil || !ok {
		t.Fatalf("second query = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = client.Query("10.0.0.3")
	if err != nil || ok {
		t.Fatalf("third query = (%v, %v), want (false, nil) since set is full", ok, err)
	}
	// Re-querying an existing member still succeeds even when full.
	ok, err = client.Query("10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("re-query of existing member = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestPurgeRemovesOldEntriesAndTracksHighWater(t *testing.T) {
	set := NewSet(10)
	fixed := time.Now()
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	set.Query("10.0.0.1")
	set.Query("10.0.0.2")

	current, highWater := set.Purge()
	if current != 2 || highWater != 2 {
		t.Fatalf("Purge() = (%d, %d), want (2, 2)", current, highWater)
	}

	// Age everything past the horizon and purge again.
	fixed = fixed.Add(8 * 24 * time.Hour)
	current, highWater = set.Purge()
	if current != 0 {
		t.Fatalf("current after horizon = %d, want 0", current)
	}
	if highWater != 2 {
		t.Fatalf("high water should not decrease, got %d", highWater)
	}
}

func TestWriteStatsFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats")
	if err := WriteStats(path, 3, 7); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "3\n7\n" {
		t.Fatalf("stats file = %q, want %q", data, "3\n7\n")
	}
}
