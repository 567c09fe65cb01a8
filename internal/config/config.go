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

// Package config holds the flag/env surface the core consumes: the
// ambient flag/env wiring a runnable binary needs, with flags doubling
// as documentation for each tunable.
package config

import (
	"fmt"
	"time"
)

// Config collects every runtime tunable the proxy core exposes.
type Config struct {
	ListenAddrs []string

	MaxWorkers           int
	MinWorkers           int
	MinSpare             int
	MaxSpare             int
	PreforkBatch         int
	MaxRequestsPerWorker int

	RAMCap  int
	DiskCap int
	TempDir string

	URLCacheNumber int
	URLCacheAge    time.Duration

	MaxIPs int

	LogFile          string
	LogFileFormat    int
	LogTimestamp     bool
	LogUserAgent     bool
	AnonymiseLogs    bool
	MaxLogItemLength int

	ProxyUser string
	RootUser  string

	PIDFile           string
	URLCacheSocket    string
	IPAccountingSocket string
	LogSocket         string
	StatsFile         string

	IPGroupsFile string

	MetricsAddr string

	// ScanCommand is the external content scanner's argv[0] plus fixed
	// arguments; empty disables content scanning entirely.
	ScanCommand       []string
	ScanTimeout       time.Duration
	ScanCleanCodes    []int
	ScanInfectedCodes []int
	ScanVirusRegexp   string
	MaxScanSize       int64
}

// Default returns the out-of-the-box configuration: flag defaults
// doubling as the documented baseline behavior.
func Default() Config {
	return Config{
		ListenAddrs: []string{":8080"},

		MaxWorkers:           16,
		MinWorkers:           4,
		MinSpare:             2,
		MaxSpare:             6,
		PreforkBatch:         2,
		MaxRequestsPerWorker: 1000,

		RAMCap:  1 << 20,
		DiskCap: 64 << 20,
		TempDir: "/tmp",

		URLCacheNumber: 10000,
		URLCacheAge:    10 * time.Minute,

		MaxIPs: 10000,

		LogFileFormat:    1,
		MaxLogItemLength: 4096,

		ProxyUser: "nobody",

		PIDFile:            "/var/run/dgproxy.pid",
		URLCacheSocket:     "/var/run/dgproxy/urlcache.sock",
		IPAccountingSocket: "/var/run/dgproxy/ipaccounting.sock",
		LogSocket:          "/var/run/dgproxy/log.sock",
		StatsFile:          "/var/run/dgproxy/ipaccounting.stats",
	}
}

// Validate checks the invariants the supervisor depends on before it
// starts preforking: min_workers <= max_workers, min_spare <= max_spare,
// and positive capacities.
func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("config: max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("config: min_workers (%d) exceeds max_workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.MinSpare > c.MaxSpare {
		return fmt.Errorf("config: min_spare (%d) exceeds max_spare (%d)", c.MinSpare, c.MaxSpare)
	}
	if c.MaxSpare > c.MaxWorkers {
		return fmt.Errorf("config: max_spare (%d) exceeds max_workers (%d)", c.MaxSpare, c.MaxWorkers)
	}
	if c.RAMCap <= 0 || c.DiskCap <= 0 {
		return fmt.Errorf("config: ram_cap and disk_cap must be positive")
	}
	if c.RAMCap > c.DiskCap {
		return fmt.Errorf("config: ram_cap (%d) exceeds disk_cap (%d)", c.RAMCap, c.DiskCap)
	}
	if c.LogFileFormat < 1 || c.LogFileFormat > 4 {
		return fmt.Errorf("config: log_file_format must be in {1,2,3,4}, got %d", c.LogFileFormat)
	}
	if len(c.ListenAddrs) == 0 {
		return fmt.Errorf("config: at least one listen address is required")
	}
	return nil
}
