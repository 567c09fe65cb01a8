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
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"dgproxy/internal/config"
	"dgproxy/internal/dglog"
	"dgproxy/internal/ipaccounting"
	"dgproxy/internal/logsvc"
	"dgproxy/internal/supervisor"
	"dgproxy/internal/urlcache"
)

func newRunCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and its auxiliary services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(*cfg)
		},
	}
	bindRunFlags(cmd, cfg)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()

	f.StringSliceVar(&cfg.ListenAddrs, "listen", cfg.ListenAddrs, "addresses to accept client connections on")
	f.IntVar(&cfg.MaxWorkers, "max_workers", cfg.MaxWorkers, "hard cap on pooled worker processes")
	f.IntVar(&cfg.MinWorkers, "min_workers", cfg.MinWorkers, "workers preforked at startup and after a gentle reload")
	f.IntVar(&cfg.MinSpare, "min_spare", cfg.MinSpare, "idle workers the supervisor tops up to on a poll timeout")
	f.IntVar(&cfg.MaxSpare, "max_spare", cfg.MaxSpare, "idle workers above which excess idle slots become cullable")
	f.IntVar(&cfg.PreforkBatch, "prefork_batch", cfg.PreforkBatch, "workers spawned per prefork batch")
	f.IntVar(&cfg.MaxRequestsPerWorker, "max_requests_per_worker", cfg.MaxRequestsPerWorker, "requests a worker serves before retiring itself")

	f.IntVar(&cfg.RAMCap, "ram_cap", cfg.RAMCap, "bytes a buffer holds in memory before spilling to disk")
	f.IntVar(&cfg.DiskCap, "disk_cap", cfg.DiskCap, "bytes a spilled buffer may grow to before it is rejected")
	f.StringVar(&cfg.TempDir, "temp_dir", cfg.TempDir, "directory for spilled buffers and scan temp files")

	f.IntVar(&cfg.URLCacheNumber, "url_cache_number", cfg.URLCacheNumber, "entries held per filter group in the URL cache")
	f.DurationVar(&cfg.URLCacheAge, "url_cache_age", cfg.URLCacheAge, "age beyond which a cached URL entry is treated as absent")

	f.IntVar(&cfg.MaxIPs, "max_ips", cfg.MaxIPs, "bound on concurrently tracked client addresses")

	f.StringVar(&cfg.LogFile, "log_file", cfg.LogFile, "access log destination path; empty disables file logging")
	f.IntVar(&cfg.LogFileFormat, "log_file_format", cfg.LogFileFormat, "access log line format: 1=plain 2=csv 3=squid 4=tab-extended")
	f.BoolVar(&cfg.LogTimestamp, "log_timestamp", cfg.LogTimestamp, "append a microsecond-precision timestamp after the access log's date/time field")
	f.BoolVar(&cfg.LogUserAgent, "log_user_agent", cfg.LogUserAgent, "append the client User-Agent as a trailing field")
	f.BoolVar(&cfg.AnonymiseLogs, "anonymise_logs", cfg.AnonymiseLogs, "mask client addresses in access log lines")
	f.IntVar(&cfg.MaxLogItemLength, "max_log_item_length", cfg.MaxLogItemLength, "truncate the URL, reason and category log fields beyond this length")

	f.StringVar(&cfg.ProxyUser, "proxy_user", cfg.ProxyUser, "unprivileged user workers run as after startup")
	f.StringVar(&cfg.RootUser, "root_user", cfg.RootUser, "user the supervisor itself runs as, if started as root")

	f.StringVar(&cfg.PIDFile, "pid_file", cfg.PIDFile, "where the supervisor's PID is written")
	f.StringVar(&cfg.URLCacheSocket, "url_cache_socket", cfg.URLCacheSocket, "unix socket for the URL cache service")
	f.StringVar(&cfg.IPAccountingSocket, "ip_accounting_socket", cfg.IPAccountingSocket, "unix socket for the IP accounting service")
	f.StringVar(&cfg.LogSocket, "log_socket", cfg.LogSocket, "unix socket for the log service")
	f.StringVar(&cfg.StatsFile, "stats_file", cfg.StatsFile, "periodic IP accounting stats file")

	f.StringVar(&cfg.IPGroupsFile, "ip_groups_file", cfg.IPGroupsFile, "IP-to-filter-group table; empty disables IP-based auth")

	f.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "if non-empty, expose Prometheus /metrics here")

	f.StringSliceVar(&cfg.ScanCommand, "scan_command", cfg.ScanCommand, "external content scanner argv; empty disables scanning")
	f.DurationVar(&cfg.ScanTimeout, "scan_timeout", cfg.ScanTimeout, "time limit for one scan invocation; 0 means none")
	f.IntSliceVar(&cfg.ScanCleanCodes, "scan_clean_codes", cfg.ScanCleanCodes, "scanner exit codes that mean clean")
	f.IntSliceVar(&cfg.ScanInfectedCodes, "scan_infected_codes", cfg.ScanInfectedCodes, "scanner exit codes that mean infected")
	f.StringVar(&cfg.ScanVirusRegexp, "scan_virus_regexp", cfg.ScanVirusRegexp, "regexp over scanner output that overrides the exit code to infected")
	f.Int64Var(&cfg.MaxScanSize, "max_scan_size", cfg.MaxScanSize, "response bytes buffered for content scanning; 0 disables scanning")
}

// runSupervisor binds listeners, starts the three auxiliary services, and
// runs the supervisor until it reports a final shutdown.
func runSupervisor(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := dglog.New("dgproxy", os.Stderr)

	listeners, err := bindListeners(cfg.ListenAddrs)
	if err != nil {
		return err
	}
	defer closeListeners(listeners)

	if err := writePIDFile(cfg.PIDFile); err != nil {
		log.Printf("pid file: %v", err)
	}
	defer os.Remove(cfg.PIDFile)

	if err := dropPrivileges(cfg.RootUser); err != nil {
		return fmt.Errorf("dgproxy: drop privileges: %w", err)
	}

	stopAux := make(chan struct{})
	defer close(stopAux)
	if err := startAuxServices(cfg, log, stopAux); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("dgproxy: resolve own executable path: %w", err)
	}
	args := supervisor.Args{ExePath: exePath, WorkerArgv: workerArgv(cfg)}

	for {
		sv := supervisor.New(cfg, args, listeners, log)
		status, err := sv.Run()
		if err != nil {
			return err
		}
		log.Printf("supervisor cycle ended: %s", status)
		if status != "reload" {
			return nil
		}
	}
}

// workerArgv is the extra argv every worker child is started with; the
// worker subcommand reads its listeners and control channel from
// inherited file descriptors, not flags, but it still needs the scan,
// auth, and logging configuration repeated so it can build its own
// proxyhandler.Handler.
func workerArgv(cfg config.Config) []string {
	argv := []string{"worker"}
	for _, addr := range cfg.ListenAddrs {
		argv = append(argv, "--listen", addr)
	}
	argv = append(argv,
		"--url_cache_socket", cfg.URLCacheSocket,
		"--ip_accounting_socket", cfg.IPAccountingSocket,
		"--log_socket", cfg.LogSocket,
		"--ip_groups_file", cfg.IPGroupsFile,
		"--proxy_user", cfg.ProxyUser,
		"--temp_dir", cfg.TempDir,
		"--max_requests_per_worker", strconv.Itoa(cfg.MaxRequestsPerWorker),
		"--log_file_format", strconv.Itoa(cfg.LogFileFormat),
		"--max_scan_size", strconv.FormatInt(cfg.MaxScanSize, 10),
		"--scan_timeout", cfg.ScanTimeout.String(),
		"--scan_virus_regexp", cfg.ScanVirusRegexp,
	)
	if cfg.LogUserAgent {
		argv = append(argv, "--log_user_agent")
	}
	if cfg.AnonymiseLogs {
		argv = append(argv, "--anonymise_logs")
	}
	for _, c := range cfg.ScanCommand {
		argv = append(argv, "--scan_command", c)
	}
	for _, c := range cfg.ScanCleanCodes {
		argv = append(argv, "--scan_clean_codes", strconv.Itoa(c))
	}
	for _, c := range cfg.ScanInfectedCodes {
		argv = append(argv, "--scan_infected_codes", strconv.Itoa(c))
	}
	return argv
}

func bindListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("dgproxy: listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// startAuxServices binds the three unix-socket services the worker
// processes depend on and runs each one's accept loop in its own
// goroutine until stop closes.
func startAuxServices(cfg config.Config, log *dglog.Logger, stop <-chan struct{}) error {
	urlLn, err := listenUnix(cfg.URLCacheSocket)
	if err != nil {
		return err
	}
	store := urlcache.NewStore(maxFilterGroup, cfg.URLCacheNumber, cfg.URLCacheAge)
	go func() {
		if err := urlcache.Serve(urlLn, store, stop); err != nil {
			log.Printf("url cache service: %v", err)
		}
	}()

	ipLn, err := listenUnix(cfg.IPAccountingSocket)
	if err != nil {
		return err
	}
	ipSet := ipaccounting.NewSet(cfg.MaxIPs)
	go func() {
		if err := ipaccounting.Serve(ipLn, ipSet, cfg.StatsFile, stop); err != nil {
			log.Printf("ip accounting service: %v", err)
		}
	}()

	logLn, err := listenUnix(cfg.LogSocket)
	if err != nil {
		return err
	}
	sink, err := logSink(cfg)
	if err != nil {
		return err
	}
	logCfg := logConfig(cfg)
	go func() {
		if err := logsvc.Serve(logLn, logCfg, sink, stop); err != nil {
			log.Printf("log service: %v", err)
		}
	}()

	return nil
}

// maxFilterGroup bounds the URL cache's per-group ring count; filter
// groups themselves come from the IP-group table or proxy-auth mapping,
// whichever resolves a request's group, and both top out well under this.
const maxFilterGroup = 256

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("dgproxy: unix socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dgproxy: create socket directory: %w", err)
	}
	os.Remove(path) // a stale socket from a prior crash blocks Listen
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dgproxy: listen on %s: %w", path, err)
	}
	return ln, nil
}

func logSink(cfg config.Config) (logsvc.Sink, error) {
	if cfg.LogFile == "" {
		return logsvc.NewSyslogSink("dgproxy")
	}
	return logsvc.NewFileSink(cfg.LogFile)
}

func logConfig(cfg config.Config) logsvc.Config {
	return logsvc.Config{
		Format:           logsvc.Format(cfg.LogFileFormat),
		Timestamp:        cfg.LogTimestamp,
		LogUserAgent:     cfg.LogUserAgent,
		AnonymiseLogs:    cfg.AnonymiseLogs,
		MaxLogItemLength: cfg.MaxLogItemLength,
		ProxyIP:          firstHost(cfg.ListenAddrs),
	}
}

func firstHost(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	host, _, err := net.SplitHostPort(addrs[0])
	if err != nil {
		return addrs[0]
	}
	return host
}

func serveMetrics(addr string, log *dglog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}
