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

package urlcache

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T, store *Store) (addr string, stop chan struct{}) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urlcache.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	stop = make(chan struct{})
	go func() {
		Serve(ln, store, stop)
	}()
	t.Cleanup(func() {
		close(stop)
		ln.Close()
		os.Remove(path)
	})
	return path, stop
}

func TestRoundTrip(t *testing.T) {
	store := NewStore(2, 4, 60*time.Second)
	addr, _ := startServer(t, store)
	client := NewClient(addr)

	if err := client.Add(1, "http://a/"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hit, err := client.Query(1, "http://a/")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !hit {
		t.Fatal("expected hit for group 1")
	}

	hit, err = client.Query(0, "http://a/")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hit {
		t.Fatal("expected miss for group 0 (entry was added to group 1)")
	}

	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	hit, err = client.Query(1, "http://a/")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hit {
		t.Fatal("expected miss after flush")
	}
}

func TestStoreExpiry(t *testing.T) {
	store := NewStore(1, 4, 10*time.Millisecond)
	store.Add(0, "http://a/")
	if !store.Lookup(0, "http://a/") {
		t.Fatal("expected immediate lookup to hit")
	}
	time.Sleep(20 * time.Millisecond)
	if store.Lookup(0, "http://a/") {
		t.Fatal("expected expired entry to be treated as absent")
	}
}

func TestStoreEvictsOldestWhenFull(t *testing.T) {
	store := NewStore(1, 2, time.Hour)
	store.Add(0, "u1")
	store.Add(0, "u2")
	store.Add(0, "u3") // evicts u1
	if store.Lookup(0, "u1") {
		t.Fatal("expected u1 evicted")
	}
	if !store.Lookup(0, "u2") || !store.Lookup(0, "u3") {
		t.Fatal("expected u2 and u3 still present")
	}
}
