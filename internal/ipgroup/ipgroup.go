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

// Package ipgroup resolves client IPv4 addresses to filter group numbers
// using a melange of three list shapes read from one text file: bare IPs,
// CIDR-style "address/netmask" subnets, and "start-end" ranges. It is the
// table behind the IP-based auth plugin.
package ipgroup

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	reIP     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	reSubnet = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	reRange  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}-\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	reDigits = regexp.MustCompile(`\d+`)
)

type singleton struct {
	addr  uint32
	group int
}

type subnet struct {
	masked uint32
	mask   uint32
	group  int
}

type ipRange struct {
	start, end uint32
	group      int
}

// Table resolves IPv4 addresses to filter groups via exact match, subnet
// match, or range match, checked in that order.
type Table struct {
	singles []singleton
	subnets []subnet
	ranges  []ipRange
}

// Load reads filename and builds a Table. It returns an error only when the
// file cannot be opened; malformed individual lines are skipped with a
// warning recorded in warnings, matching readIPMelangeList's "warn but keep
// going" behavior.
func Load(filename string) (tbl *Table, warnings []string, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("ipgroup: open %s: %w", filename, err)
	}
	defer f.Close()

	tbl = &Table{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 2048), 2048)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			warnings = append(warnings, fmt.Sprintf("line %d: no filter group given: %q", lineNo, line))
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := line[eq+1:]
		group, ok := parseGroup(value)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %d: no filter group given: %q", lineNo, line))
			continue
		}

		switch {
		case reIP.MatchString(key):
			addr, ok := parseIPv4(key)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("line %d: unparseable address: %q", lineNo, key))
				continue
			}
			tbl.singles = append(tbl.singles, singleton{addr: addr, group: group})
		case reSubnet.MatchString(key):
			parts := strings.SplitN(key, "/", 2)
			addr, ok1 := parseIPv4(parts[0])
			mask, ok2 := parseIPv4(parts[1])
			if !ok1 || !ok2 {
				warnings = append(warnings, fmt.Sprintf("line %d: unparseable subnet: %q", lineNo, key))
				continue
			}
			tbl.subnets = append(tbl.subnets, subnet{masked: addr & mask, mask: mask, group: group})
		case reRange.MatchString(key):
			parts := strings.SplitN(key, "-", 2)
			start, ok1 := parseIPv4(parts[0])
			end, ok2 := parseIPv4(parts[1])
			if !ok1 || !ok2 {
				warnings = append(warnings, fmt.Sprintf("line %d: unparseable range: %q", lineNo, key))
				continue
			}
			tbl.ranges = append(tbl.ranges, ipRange{start: start, end: end, group: group})
		default:
			warnings = append(warnings, fmt.Sprintf("line %d: entry %q was not recognised as an IP address, subnet or range", lineNo, key))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("ipgroup: read %s: %w", filename, err)
	}

	sort.Slice(tbl.singles, func(i, j int) bool { return tbl.singles[i].addr < tbl.singles[j].addr })
	return tbl, warnings, nil
}

// parseGroup extracts the filter group number from a value field shaped
// like " filter 2" and converts it to the zero-based group index the rest
// of the system uses.
func parseGroup(value string) (int, bool) {
	m := reDigits.FindString(value)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n - 1, true
}

func parseIPv4(s string) (uint32, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), true
}

// Lookup resolves addr to a filter group: exact match, then subnet, then
// range. It returns ok=false if none match.
func (t *Table) Lookup(addr net.IP) (group int, ok bool) {
	v4 := addr.To4()
	if v4 == nil {
		return 0, false
	}
	a := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])

	if g, ok := t.inSingles(a); ok {
		return g, true
	}
	if g, ok := t.inSubnets(a); ok {
		return g, true
	}
	if g, ok := t.inRanges(a); ok {
		return g, true
	}
	return 0, false
}

func (t *Table) inSingles(a uint32) (int, bool) {
	i := sort.Search(len(t.singles), func(i int) bool { return t.singles[i].addr >= a })
	if i < len(t.singles) && t.singles[i].addr == a {
		return t.singles[i].group, true
	}
	return 0, false
}

func (t *Table) inSubnets(a uint32) (int, bool) {
	for _, s := range t.subnets {
		if s.masked == a&s.mask {
			return s.group, true
		}
	}
	return 0, false
}

func (t *Table) inRanges(a uint32) (int, bool) {
	for _, r := range t.ranges {
		if a >= r.start && a <= r.end {
			return r.group, true
		}
	}
	return 0, false
}

// String renders the table contents for debug logging, mirroring the
// DGDEBUG dump in the original.
func (t *Table) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "ipgroup: %d singles, %d subnets, %d ranges", len(t.singles), len(t.subnets), len(t.ranges))
	return b.String()
}
