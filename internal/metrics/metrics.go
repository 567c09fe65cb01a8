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

// Package metrics declares the process's Prometheus instrumentation as
// package-level vars registered once at import time, the same shape the
// teacher uses for its churn counters: declare, MustRegister in init,
// increment from call sites with no further ceremony.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WorkersBusy, WorkersIdle, and WorkersInitializing track the
	// supervisor's worker-slot state machine.
	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "workers",
		Name:      "busy",
		Help:      "Number of worker slots currently handling a connection.",
	})
	WorkersIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "workers",
		Name:      "idle",
		Help:      "Number of worker slots waiting for a handoff.",
	})
	WorkersInitializing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "workers",
		Name:      "initializing",
		Help:      "Number of worker slots forked but not yet ready.",
	})

	// HandoffsTotal counts successful supervisor dispatches;
	// HandoffFailuresTotal counts worker slots the supervisor failed
	// (handoff or ack lost, ready token lost, control channel error).
	HandoffsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "supervisor",
		Name:      "handoffs_total",
		Help:      "Listener handoffs dispatched to a worker.",
	})
	HandoffFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "supervisor",
		Name:      "handoff_failures_total",
		Help:      "Worker slots failed by the supervisor: handoff or ack lost, ready token lost, or control channel error.",
	})
	ConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "supervisor",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure count (fatal at 30).",
	})
	WorkersCulledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "supervisor",
		Name:      "workers_culled_total",
		Help:      "Worker slots terminated for being idle past max_spare.",
	})

	// Scan outcome counters, one per terminal classification from
	// internal/scanplugin.
	ScansClean = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "scan",
		Name:      "clean_total",
		Help:      "Content scans that resolved clean.",
	})
	ScansInfected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "scan",
		Name:      "infected_total",
		Help:      "Content scans that resolved infected.",
	})
	ScansError = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "scan",
		Name:      "error_total",
		Help:      "Content scans that could not reach a decision.",
	})

	// URL cache counters (internal/urlcache).
	URLCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "urlcache",
		Name:      "hits_total",
		Help:      "URL cache queries that matched an unexpired entry.",
	})
	URLCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "urlcache",
		Name:      "misses_total",
		Help:      "URL cache queries with no unexpired entry.",
	})
	URLCacheAdd = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "urlcache",
		Name:      "add_total",
		Help:      "Entries added to the URL cache.",
	})
	URLCacheFlush = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "urlcache",
		Name:      "flush_total",
		Help:      "Flush commands processed by the URL cache service.",
	})

	// IP accounting gauges (internal/ipaccounting).
	IPAccountingCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "ipaccounting",
		Name:      "current",
		Help:      "Current count of tracked active IPs.",
	})
	IPAccountingHighWater = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dgproxy",
		Subsystem: "ipaccounting",
		Name:      "high_water",
		Help:      "High-water count of tracked active IPs since process start.",
	})
	IPAccountingRefusedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "ipaccounting",
		Name:      "refused_total",
		Help:      "Accounting queries refused because the set was full.",
	})

	// Log service counters (internal/logsvc).
	LogRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dgproxy",
		Subsystem: "logsvc",
		Name:      "records_total",
		Help:      "Log records received and emitted.",
	})
)

func init() {
	prometheus.MustRegister(
		WorkersBusy,
		WorkersIdle,
		WorkersInitializing,
		HandoffsTotal,
		HandoffFailuresTotal,
		ConsecutiveFailures,
		WorkersCulledTotal,
		ScansClean,
		ScansInfected,
		ScansError,
		URLCacheHits,
		URLCacheMisses,
		URLCacheAdd,
		URLCacheFlush,
		IPAccountingCurrent,
		IPAccountingHighWater,
		IPAccountingRefusedTotal,
		LogRecordsTotal,
	)
}
