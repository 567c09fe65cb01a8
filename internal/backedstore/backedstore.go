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

// Package backedstore implements a bounded RAM-then-disk append buffer with
// a finalize step that exposes the accumulated bytes as a memory-mapped,
// read-only view. It backs per-response body spooling in the worker: small
// responses never touch disk, large ones spill to a temp file instead of
// growing unbounded in memory, and once complete the whole thing is handed
// to content scanners as a single contiguous read.
package backedstore

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrRefused is returned by Append when the data would exceed disk_cap.
var ErrRefused = errors.New("backedstore: capacity exceeded")

// ErrFinalized is returned by Append once the store has been finalized.
var ErrFinalized = errors.New("backedstore: store already finalized")

type state int

const (
	stateRAM state = iota
	stateFile
	stateFinalized
)

// Store is a bounded RAM-or-disk append buffer with a finalize step. It is
// not safe for concurrent use; callers own one Store per in-flight response.
type Store struct {
	ramCap  int
	diskCap int
	tempDir string

	st         state
	ram        []byte
	file       *os.File
	filePath   string
	diskLength int
	view       []byte

	// finalized marks a RAM-only store that Finalize has closed to
	// further appends; a spilled store uses stateFinalized instead.
	finalized bool
}

// New constructs an empty Store bounded by ramCap bytes in memory and
// diskCap bytes total once spilled. tempDir is where the spill file (if
// any) is created.
func New(ramCap, diskCap int, tempDir string) *Store {
	return &Store{ramCap: ramCap, diskCap: diskCap, tempDir: tempDir, st: stateRAM}
}

// Append adds data to the store. It returns ErrRefused (not an error in the
// Go sense of "something went wrong") when the data would push the store
// past diskCap; any other non-nil error is an unrecoverable I/O failure.
func (s *Store) Append(data []byte) error {
	switch s.st {
	case stateFinalized:
		return ErrFinalized
	case stateRAM:
		if s.finalized {
			return ErrFinalized
		}
		if len(s.ram)+len(data) <= s.ramCap {
			s.ram = append(s.ram, data...)
			return nil
		}
		if len(s.ram)+len(data) > s.diskCap {
			return ErrRefused
		}
		if err := s.spillToDisk(); err != nil {
			return err
		}
		// fall through to file-backed append below
	case stateFile:
		// handled below
	}

	if s.diskLength+len(data) > s.diskCap {
		return ErrRefused
	}
	if err := writeFull(s.file, data); err != nil {
		return fmt.Errorf("backedstore: write temp file: %w", err)
	}
	s.diskLength += len(data)
	return nil
}

// spillToDisk opens a unique temp file under tempDir, writes the current
// RAM contents to it (retrying on short writes), and clears the RAM
// buffer. Only the subsequent append (by the caller) adds the bytes that
// triggered the spill.
func (s *Store) spillToDisk() error {
	f, err := os.CreateTemp(s.tempDir, "__dgbs")
	if err != nil {
		return fmt.Errorf("backedstore: create temp file: %w", err)
	}
	if len(s.ram) > 0 {
		if err := writeFull(f, s.ram); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("backedstore: dump RAM buffer to temp file: %w", err)
		}
	}
	s.file = f
	s.filePath = f.Name()
	s.diskLength = len(s.ram)
	s.ram = nil
	s.st = stateFile
	return nil
}

// writeFull retries Write until all of data has been written, matching the
// original's "interrupted or short write" retry loop.
func writeFull(f *os.File, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := f.Write(data[written:])
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

// Finalize seeks the spill file to the start and establishes a read-only
// private mapping over it. For a store that never spilled to disk no
// mapping is made and the bytes stay in RAM. Either way, later appends
// return ErrFinalized.
func (s *Store) Finalize() error {
	if s.st == stateRAM {
		s.finalized = true
		return nil
	}
	if s.st != stateFile {
		return nil
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("backedstore: seek temp file: %w", err)
	}
	if s.diskLength == 0 {
		s.view = []byte{}
		s.st = stateFinalized
		return nil
	}
	view, err := unix.Mmap(int(s.file.Fd()), 0, s.diskLength, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("backedstore: mmap temp file: %w", err)
	}
	s.view = view
	s.st = stateFinalized
	return nil
}

// Path returns the backing temp file's path. It fails if the store has
// never spilled to disk (still RAM-only).
func (s *Store) Path() (string, error) {
	if s.st == stateRAM {
		return "", errors.New("backedstore: store has no backing file (still RAM-only)")
	}
	return s.filePath, nil
}

// Len reports the number of bytes appended so far.
func (s *Store) Len() int {
	if s.st == stateRAM {
		return len(s.ram)
	}
	return s.diskLength
}

// Data returns a contiguous read-only view of the appended bytes. It fails
// if the store is file-backed but has not been finalized yet.
func (s *Store) Data() ([]byte, error) {
	switch s.st {
	case stateRAM:
		return s.ram, nil
	case stateFinalized:
		return s.view, nil
	default:
		return nil, errors.New("backedstore: store not finalized")
	}
}

// Close releases the mapping (if any) and unlinks the temp file (if any).
// Safe to call on a RAM-only store.
func (s *Store) Close() error {
	var err error
	if s.view != nil {
		if uerr := unix.Munmap(s.view); uerr != nil {
			err = uerr
		}
		s.view = nil
	}
	if s.file != nil {
		s.file.Close()
		if rerr := os.Remove(s.filePath); rerr != nil && err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
		s.file = nil
	}
	return err
}
