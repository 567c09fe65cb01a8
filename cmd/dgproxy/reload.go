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

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dgproxy/internal/config"
)

func newReloadCommand(cfg *config.Config) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Signal a running supervisor to reload its configuration",
		Long: `reload reads the PID file a running supervisor wrote at startup and sends
it SIGUSR1 for a gentle reload (every worker is sent SIGHUP and exits at
the top of its next loop iteration, so a busy one finishes its request
first, while fresh workers are preforked) or, with --full, SIGHUP for a
full reload (every worker is terminated and a fresh pool is preforked).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendReload(cfg.PIDFile, full)
		},
	}
	cmd.Flags().StringVar(&cfg.PIDFile, "pid_file", cfg.PIDFile, "PID file written by the running supervisor")
	cmd.Flags().BoolVar(&full, "full", false, "send SIGHUP instead of SIGUSR1")
	return cmd
}

func sendReload(pidFile string, full bool) error {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("dgproxy: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("dgproxy: parse pid file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("dgproxy: find process %d: %w", pid, err)
	}

	sig := syscall.SIGUSR1
	if full {
		sig = syscall.SIGHUP
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("dgproxy: signal process %d: %w", pid, err)
	}
	return nil
}
