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

// Package logsvc implements the asynchronous log writer: a fixed-schema
// record, decorator/format assembly, and the single-threaded server loop
// that receives records over freshly accepted connections and a client
// that sends them.
package logsvc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format selects one of the four line shapes the service can emit.
type Format int

const (
	FormatPlain Format = 1 + iota
	FormatCSV
	FormatSquid
	FormatTabExtended
)

// Record is the fixed 23/24-field tuple delivered per request.
// UserAgent is only emitted (as the 24th field) when Config.LogUserAgent is
// set; it is always populated on the struct regardless.
type Record struct {
	Exception       bool
	Category        string
	Naughty         bool
	NaughtinessScore int
	URL             string
	Reason          string
	Method          string
	User            string
	SourceIP        string
	Port            int
	Scanned         bool
	Infected        bool
	ContentModified bool
	URLModified     bool
	HeaderModified  bool
	Size            int64
	FilterGroup     int
	HTTPCode        int
	CacheHit        bool
	MimeType        string
	Seconds         int64
	Microseconds    int64
	ClientHost      string
	UserAgent       string
}

// Config governs record assembly and output shaping.
type Config struct {
	Format            Format
	Timestamp         bool // append a µs-precision stamp to "when" in formats 1/2/4
	LogUserAgent      bool
	AnonymiseLogs     bool
	MaxLogItemLength  int
	ProxyIP           string
}

// decoratedReason prepends the flag-driven decorators to rec.Reason, in
// the fixed order the original applies them: denied, exception,
// infected-or-scanned, content-modified, url-modified, header-modified.
// "Denied" is rec.Naughty: the GLOSSARY defines naughtiness crossing the
// configured threshold as the block decision itself, so the flag that
// already crossed that threshold is what drives the *DENIED* decoration.
func decoratedReason(rec Record) string {
	var b strings.Builder
	if rec.Naughty {
		b.WriteString("*DENIED* ")
	}
	if rec.Exception {
		b.WriteString("*EXCEPTION* ")
	}
	if rec.Infected {
		b.WriteString("*INFECTED* ")
	} else if rec.Scanned {
		b.WriteString("*SCANNED* ")
	}
	if rec.ContentModified {
		b.WriteString("*CONTENTMOD* ")
	}
	if rec.URLModified {
		b.WriteString("*URLMOD* ")
	}
	if rec.HeaderModified {
		b.WriteString("*HEADERMOD* ")
	}
	b.WriteString(rec.Reason)
	return b.String()
}

// decoratedURL appends ":port" when port is set and is neither 0 nor 80.
func decoratedURL(rec Record) string {
	if rec.Port != 0 && rec.Port != 80 {
		return fmt.Sprintf("%s:%d", rec.URL, rec.Port)
	}
	return rec.URL
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// formatWhen renders the "when" field for formats 1/2/4: a localtime
// "year.month.day hour:min:sec" stamp, with a µs-precision
// "seconds.microseconds" suffix appended when cfg.Timestamp is set.
func formatWhen(rec Record, cfg Config) string {
	when := time.Unix(rec.Seconds, 0).Local().Format("2006.01.02 15:04:05")
	if cfg.Timestamp {
		when += fmt.Sprintf(" %d.%06d", rec.Seconds, rec.Microseconds)
	}
	return when
}

// groupLabel stands in for the original's named-group table: dgproxy's
// internal/ipgroup only assigns numeric groups, so the "groupname" slot
// carries the same 1-based group number as "stringgroup".
func groupLabel(group int) string {
	return strconv.Itoa(group + 1)
}

// fields returns the ordered field values for formats 1/2/4: when, who,
// from, where, what, how, ssize, sweight, cat, stringgroup, stringcode,
// mimetype, clienthost, groupname, and optionally useragent — the same
// reduced field list the original composes for these three formats. Only
// cat, what (the decorated reason), and where (the decorated URL) are
// truncated; every other field is left at full length.
func fields(rec Record, cfg Config) []string {
	clientHost := rec.ClientHost
	sourceIP := rec.SourceIP
	user := rec.User
	if cfg.AnonymiseLogs {
		clientHost = ""
		sourceIP = "0.0.0.0"
		user = ""
	}

	max := cfg.MaxLogItemLength
	out := []string{
		formatWhen(rec, cfg),
		user,
		sourceIP,
		truncate(decoratedURL(rec), max),
		truncate(decoratedReason(rec), max),
		rec.Method,
		fmt.Sprintf("%d", rec.Size),
		fmt.Sprintf("%d", rec.NaughtinessScore),
		truncate(rec.Category, max),
		strconv.Itoa(rec.FilterGroup + 1),
		fmt.Sprintf("%d", rec.HTTPCode),
		rec.MimeType,
		clientHost,
		groupLabel(rec.FilterGroup),
	}
	if cfg.LogUserAgent {
		out = append(out, rec.UserAgent)
	}
	return out
}

// FieldCount returns how many raw wire fields a record produces under
// cfg: 23 or 24 depending on LogUserAgent. This governs the undecorated
// transport tuple (rawFields/parseRecord), not the on-disk line fields()
// assembles, which carry fewer, decorated and reordered values.
func FieldCount(cfg Config) int {
	if cfg.LogUserAgent {
		return 24
	}
	return 23
}

// FormatLine renders rec as one line per cfg.Format. now is the wall-clock
// time at log emission, used only by the Squid format's duration
// computation.
func FormatLine(rec Record, cfg Config, now time.Time) string {
	f := fields(rec, cfg)
	switch cfg.Format {
	case FormatCSV:
		quoted := make([]string, len(f))
		for i, v := range f {
			quoted[i] = `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
		}
		return strings.Join(quoted, ",")
	case FormatSquid:
		return squidLine(rec, cfg, now)
	case FormatTabExtended:
		return strings.Join(f, "\t")
	default: // FormatPlain
		return strings.Join(f, " ")
	}
}

// squidLine renders the Squid-compatible format:
//   <utime> <duration-ms> <client> <hitmiss>/<code> <size> <method> <url> <user> DEFAULT_PARENT/<proxy-ip> <mime>
func squidLine(rec Record, cfg Config, now time.Time) string {
	reqTime := time.Unix(rec.Seconds, rec.Microseconds*1000)
	durationMs := now.Sub(reqTime).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	hitmiss := "TCP_MISS"
	if rec.CacheHit {
		hitmiss = "TCP_HIT"
	}

	clientHost := rec.ClientHost
	user := rec.User
	if cfg.AnonymiseLogs {
		clientHost = ""
		user = ""
	}

	return fmt.Sprintf("%d.%03d %6d %s %s/%d %d %s %s %s DEFAULT_PARENT/%s %s",
		rec.Seconds, rec.Microseconds/1000,
		durationMs,
		clientHost,
		hitmiss, rec.HTTPCode,
		rec.Size,
		rec.Method,
		decoratedURL(rec),
		user,
		cfg.ProxyIP,
		rec.MimeType,
	)
}
