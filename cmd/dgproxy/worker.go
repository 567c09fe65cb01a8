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
	"net"
	"os"
	"os/signal"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"dgproxy/internal/authplugin"
	"dgproxy/internal/config"
	"dgproxy/internal/dglog"
	"dgproxy/internal/ipaccounting"
	"dgproxy/internal/ipgroup"
	"dgproxy/internal/logsvc"
	"dgproxy/internal/proxyhandler"
	"dgproxy/internal/scanplugin"
	"dgproxy/internal/supervisor"
	"dgproxy/internal/urlcache"
	"dgproxy/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal: run as a pooled worker (launched by the supervisor, never by an operator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runWorker(cfg))
			return nil
		},
	}
	bindRunFlags(cmd, &cfg)
	return cmd
}

// runWorker reconstructs the listeners and control channel this process
// inherited across exec, builds the default handler, and runs the main
// loop to completion, returning the worker's exit status.
func runWorker(cfg config.Config) int {
	log := dglog.New("dgproxy-worker", os.Stderr)

	ctrl, err := inheritedCtrl()
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	listeners, err := inheritedListeners()
	if err != nil {
		log.Printf("%v", err)
		return 1
	}

	handler, err := buildHandler(cfg, log)
	if err != nil {
		log.Printf("build handler: %v", err)
		return 1
	}

	// Signal handlers reset, then privileges dropped, before this worker
	// touches a single connection.
	sig := &reloadFlag{}
	stop := watchWorkerSignals(sig)
	if err := dropPrivileges(cfg.ProxyUser); err != nil {
		log.Printf("drop privileges: %v", err)
		return 1
	}
	defer stop()

	w := &worker.Worker{
		Ctrl:        ctrl,
		Listeners:   listeners,
		Handler:     handler,
		Signals:     sig,
		MaxRequests: cfg.MaxRequestsPerWorker,
	}
	return w.Run()
}

func inheritedCtrl() (net.Conn, error) {
	n, err := strconv.Atoi(os.Getenv(supervisor.EnvCtrlFD))
	if err != nil {
		return nil, fmt.Errorf("worker: bad %s: %w", supervisor.EnvCtrlFD, err)
	}
	return worker.ConnFromInheritedFD(uintptr(n), "ctrl")
}

func inheritedListeners() ([]net.Listener, error) {
	raw := os.Getenv(supervisor.EnvListenerFDs)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	listeners := make([]net.Listener, 0, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("worker: bad fd in %s: %w", supervisor.EnvListenerFDs, err)
		}
		ln, err := worker.FromInheritedFDs(uintptr(n), fmt.Sprintf("listener-%d", i))
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// buildHandler assembles the default worker.Handler: the auth chain, the
// optional content scanner, and the three auxiliary-service clients.
func buildHandler(cfg config.Config, log *dglog.Logger) (*proxyhandler.Handler, error) {
	var plugins []authplugin.Plugin
	if cfg.IPGroupsFile != "" {
		tbl, warnings, err := ipgroup.Load(cfg.IPGroupsFile)
		if err != nil {
			return nil, fmt.Errorf("load ip groups: %w", err)
		}
		for _, w := range warnings {
			log.Printf("ip groups: %s", w)
		}
		plugins = append(plugins, &authplugin.IPAuth{Table: tbl})
	}
	plugins = append(plugins, &authplugin.ProxyAuth{})

	h := &proxyhandler.Handler{
		Auth:        &authplugin.Chain{Plugins: plugins},
		URLCache:    urlcache.NewClient(cfg.URLCacheSocket),
		IPAccount:   ipaccounting.NewClient(cfg.IPAccountingSocket),
		LogClient:   logsvc.NewClient(cfg.LogSocket, logConfig(cfg)),
		MaxScanSize: cfg.MaxScanSize,
		Log:         log,
	}

	if len(cfg.ScanCommand) > 0 {
		scanner := &scanplugin.ExternalScanner{
			Command:       cfg.ScanCommand,
			CleanCodes:    cfg.ScanCleanCodes,
			InfectedCodes: cfg.ScanInfectedCodes,
			Timeout:       cfg.ScanTimeout,
			TempDir:       cfg.TempDir,
		}
		if cfg.ScanVirusRegexp != "" {
			re, err := regexp.Compile(cfg.ScanVirusRegexp)
			if err != nil {
				return nil, fmt.Errorf("compile scan_virus_regexp: %w", err)
			}
			scanner.VirusNameRegexp = re
		}
		if err := scanner.Init(); err != nil {
			return nil, err
		}
		h.Scanner = scanner
	}

	return h, nil
}

// dropPrivileges switches this process to username's uid/gid. It is a
// no-op for an empty username or when the process is not running as
// root, matching a worker started by an already-unprivileged supervisor.
func dropPrivileges(username string) error {
	if username == "" || os.Getuid() != 0 {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid for %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid for %q: %w", username, err)
	}
	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("clear supplementary groups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}

// reloadFlag implements worker.Signals with a single atomic flag flipped
// by a SIGHUP handler; the worker checks it once per loop iteration and
// unwinds instead of asking for another handoff.
type reloadFlag struct {
	hup atomic.Bool
}

func (r *reloadFlag) ReloadRequested() bool { return r.hup.Load() }

func watchWorkerSignals(r *reloadFlag) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				r.hup.Store(true)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
