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

package scanplugin

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFakeScanner writes a tiny /bin/sh script into a fresh temp dir that
// just exits with exitCode (baked into the script), letting us
// drive ScanFile's interpretation logic without depending on any scanner
// actually installed on the test machine.
func writeFakeScanner(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakescan.sh")
	script := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func scannerWithCodes(t *testing.T, exitCode int, clean, infected []int, def *Verdict) Result {
	t.Helper()
	bin := writeFakeScanner(t, exitCode)
	s := &ExternalScanner{
		Command:       []string{"/bin/sh", bin},
		CleanCodes:    clean,
		InfectedCodes: infected,
		DefaultResult: def,
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	target := filepath.Join(t.TempDir(), "payload")
	os.WriteFile(target, []byte("dummy"), 0o644)
	res, err := s.ScanFile(Request{Path: target})
	if err != nil {
		t.Fatalf("ScanFile: %v", err)
	}
	return res
}

func TestScanFileInterpretationPrecedence(t *testing.T) {
	clean := []int{0}
	infected := []int{1}

	if res := scannerWithCodes(t, 0, clean, infected, nil); res.Verdict != Clean {
		t.Errorf("exit 0 = %v, want Clean", res.Verdict)
	}
	if res := scannerWithCodes(t, 1, clean, infected, nil); res.Verdict != Infected {
		t.Errorf("exit 1 = %v, want Infected", res.Verdict)
	}
	if res := scannerWithCodes(t, 2, clean, infected, nil); res.Verdict != ScanError {
		t.Errorf("exit 2 (no default) = %v, want ScanError", res.Verdict)
	}
}

func TestScanFileReservedExitCodeIsAlwaysError(t *testing.T) {
	res := scannerWithCodes(t, 255, []int{255}, nil, nil)
	if res.Verdict != ScanError {
		t.Errorf("exit 255 = %v, want ScanError even though 255 is listed as clean", res.Verdict)
	}
	if res.LastMessage == "" {
		t.Error("expected LastMessage to be set on ScanError")
	}
}

func TestScanFileAppliesDefaultResult(t *testing.T) {
	def := Clean
	res := scannerWithCodes(t, 7, []int{0}, []int{1}, &def)
	if res.Verdict != Clean {
		t.Errorf("unmatched exit code with default=Clean = %v, want Clean", res.Verdict)
	}
}

func TestInitFailsWithoutAnyInterpretationBasis(t *testing.T) {
	s := &ExternalScanner{Command: []string{"/bin/true"}}
	if err := s.Init(); err == nil {
		t.Fatal("expected Init to fail with no clean/infected codes or virus regexp configured")
	}
}

func TestScanFileExecFailureIsError(t *testing.T) {
	s := &ExternalScanner{
		Command:    []string{"/nonexistent/binary/path"},
		CleanCodes: []int{0},
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	res, err := s.ScanFile(Request{Path: "/tmp/whatever"})
	if err != nil {
		t.Fatalf("ScanFile: %v", err)
	}
	if res.Verdict != ScanError {
		t.Errorf("exec failure = %v, want ScanError", res.Verdict)
	}
}

func TestScanBufferSpillsAndScans(t *testing.T) {
	s := &ExternalScanner{
		Command:    []string{"/bin/sh", writeFakeScanner(t, 0)},
		CleanCodes: []int{0},
		TempDir:    t.TempDir(),
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	res, err := s.ScanBuffer(Request{}, []byte("some response body"))
	if err != nil {
		t.Fatalf("ScanBuffer: %v", err)
	}
	if res.Verdict != Clean {
		t.Errorf("ScanBuffer verdict = %v, want Clean", res.Verdict)
	}
}
