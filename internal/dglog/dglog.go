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

// Package dglog is the process's operator-facing logger: a thin wrapper
// around the standard log package that prefixes every line with a
// component tag (plain fmt/log style, no structured logging library).
// An optional syslog backend lets the operator route these lines to the
// host's log facility instead of a file or stream.
package dglog

import (
	"io"
	"log"
	"log/syslog"
	"os"
)

// Logger wraps *log.Logger with a fixed component prefix.
type Logger struct {
	l *log.Logger
}

// New builds a Logger writing to w (os.Stderr is the normal choice),
// tagging every line with "[component]".
func New(component string, w io.Writer) *Logger {
	return &Logger{l: log.New(w, "["+component+"] ", log.LstdFlags)}
}

// NewSyslog builds a Logger that writes to the host syslog daemon instead
// of a file/stream, used when the operator wants logs on the host log
// facility rather than a dedicated file.
func NewSyslog(component string, tag string) (*Logger, error) {
	w, err := syslog.NewLogger(syslog.LOG_INFO|syslog.LOG_DAEMON, 0)
	if err != nil {
		return nil, err
	}
	w.SetPrefix("[" + component + "] ")
	return &Logger{l: w}, nil
}

// Printf logs a formatted line.
func (lg *Logger) Printf(format string, args ...any) {
	lg.l.Printf(format, args...)
}

// Println logs a line.
func (lg *Logger) Println(args ...any) {
	lg.l.Println(args...)
}

// Fatalf logs a formatted line and exits the process with status 1, for
// unrecoverable startup errors.
func (lg *Logger) Fatalf(format string, args ...any) {
	lg.l.Fatalf(format, args...)
}

// Default is a Logger writing to stderr under the "dgproxy" component,
// used by packages that don't carry their own logger reference.
var Default = New("dgproxy", os.Stderr)
