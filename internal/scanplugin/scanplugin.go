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

// Package scanplugin defines the content-scan plugin contract and the
// concrete external-scanner plugin: it spawns a configured command with
// the file path appended to argv, captures stdout/stderr, and interprets
// the exit code against a configured precedence of outcomes.
package scanplugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"dgproxy/internal/backedstore"
	"dgproxy/internal/metrics"
)

// Verdict is the terminal result of a content scan.
type Verdict int

const (
	Clean Verdict = iota
	Infected
	ScanError
)

// Result carries the verdict plus the fields the spec names on the two
// non-clean outcomes.
type Result struct {
	Verdict       Verdict
	LastVirusName string // set on Infected
	LastMessage   string // set on ScanError
}

// Request is the per-scan context the plugin contract takes.
type Request struct {
	User        string
	FilterGroup int
	ClientIP    string
	Path        string // path to the file to scan
}

// Plugin is the content-scan plugin contract.
type Plugin interface {
	Init() error
	ScanFile(req Request) (Result, error)
	ScanBuffer(req Request, data []byte) (Result, error)
}

// execReservedExitCode is the exit status the original reserves to mean
// "the exec() of the scanner itself failed", distinct from any exit code
// the scanner binary could legitimately produce.
const execReservedExitCode = 255

// ExternalScanner spawns Command (with the scanned file's path appended)
// and interprets its exit code.
type ExternalScanner struct {
	Command []string // argv[0] and any fixed arguments; the file path is appended

	VirusNameRegexp *regexp.Regexp // optional; submatch VirusNameSubmatch gives the virus name
	VirusNameSubmatch int

	CleanCodes    []int
	InfectedCodes []int

	// DefaultResult is applied when neither CleanCodes nor InfectedCodes
	// match and no virus-name regexp matched either. nil means "no
	// default": falls through to ScanError.
	DefaultResult *Verdict

	Timeout time.Duration // 0 means no timeout
	TempDir string        // where ScanBuffer spills in-memory content
}

// Init validates that the plugin has some basis for interpreting
// results: at least one of {virus regexp, clean codes, infected codes}
// must be configured.
func (s *ExternalScanner) Init() error {
	if s.VirusNameRegexp == nil && len(s.CleanCodes) == 0 && len(s.InfectedCodes) == 0 {
		return errors.New("scanplugin: external scanner requires some mechanism for interpreting results")
	}
	return nil
}

// ScanBuffer spills data to a temp file and scans it: the external
// scanner's argv only ever takes a path, so there is no other way to
// hand it in-memory content. ram_cap=0 forces an immediate spill for any
// non-empty data; an empty buffer is never spilled, so it has no backing
// path and ScanBuffer returns an error for it.
func (s *ExternalScanner) ScanBuffer(req Request, data []byte) (Result, error) {
	store := backedstore.New(0, len(data), s.TempDir)
	if err := store.Append(data); err != nil {
		return Result{}, fmt.Errorf("scanplugin: spill buffer: %w", err)
	}
	defer store.Close()

	path, err := store.Path()
	if err != nil {
		return Result{}, fmt.Errorf("scanplugin: spilled buffer has no backing path: %w", err)
	}
	fileReq := req
	fileReq.Path = path
	return s.ScanFile(fileReq)
}

// ScanFile runs the external command against req.Path and interprets the
// result by this precedence:
//  1. exec failure (reserved exit 255) -> ScanError
//  2. virus-name regexp match against captured output -> Infected
//  3. exit code in CleanCodes -> Clean
//  4. exit code in InfectedCodes -> Infected
//  5. DefaultResult if set, else -> ScanError
func (s *ExternalScanner) ScanFile(req Request) (Result, error) {
	args := append(append([]string{}, s.Command[1:]...), req.Path)

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode, execFailed := exitCodeOf(runErr)
	if execFailed {
		metrics.ScansError.Inc()
		return Result{Verdict: ScanError, LastMessage: "scanner exec failed"}, nil
	}
	if exitCode == execReservedExitCode {
		metrics.ScansError.Inc()
		return Result{Verdict: ScanError, LastMessage: "scanner exec failed"}, nil
	}

	combined := append(append([]byte{}, stdout.Bytes()...), stderr.Bytes()...)

	if s.VirusNameRegexp != nil {
		if m := s.VirusNameRegexp.FindSubmatch(combined); m != nil {
			name := ""
			if s.VirusNameSubmatch < len(m) {
				name = string(m[s.VirusNameSubmatch])
			}
			metrics.ScansInfected.Inc()
			return Result{Verdict: Infected, LastVirusName: name}, nil
		}
	}
	if containsCode(s.CleanCodes, exitCode) {
		metrics.ScansClean.Inc()
		return Result{Verdict: Clean}, nil
	}
	if containsCode(s.InfectedCodes, exitCode) {
		metrics.ScansInfected.Inc()
		return Result{Verdict: Infected}, nil
	}
	if s.DefaultResult != nil {
		v := *s.DefaultResult
		switch v {
		case Clean:
			metrics.ScansClean.Inc()
		case Infected:
			metrics.ScansInfected.Inc()
		default:
			metrics.ScansError.Inc()
		}
		return Result{Verdict: v}, nil
	}
	metrics.ScansError.Inc()
	return Result{Verdict: ScanError, LastMessage: fmt.Sprintf("scanner exited %d with no matching rule", exitCode)}, nil
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// exitCodeOf extracts the child's exit code from exec.Cmd.Run's error,
// reporting execFailed=true when the process never ran at all (exec(2)
// failure), which the original maps to the reserved 255 status.
func exitCodeOf(err error) (code int, execFailed bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), false
	}
	// Not an ExitError: the command could not even be started (missing
	// binary, permission denied, context deadline, etc).
	return execReservedExitCode, true
}
