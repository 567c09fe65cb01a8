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

// Package authplugin defines the auth-plugin contract (init/quit/identify)
// and the two concrete plugins the core specifies: proxy-auth (reads the
// Proxy-Authorization user) and ip (resolves via internal/ipgroup).
package authplugin

import (
	"net"

	"dgproxy/internal/ipgroup"
)

// Outcome is the result of Plugin.Identify.
type Outcome int

const (
	// OK means filter_group and user were resolved; stop consulting
	// further plugins.
	OK Outcome = iota
	// NoMatch means this plugin had no opinion; try the next plugin.
	NoMatch
	// NoUser is a deliberate terminal outcome: this plugin resolved that
	// no further plugin should be consulted, even though it found no
	// user. Rare in practice — neither concrete plugin here returns it.
	NoUser
	// Error means the plugin failed outright.
	Error
)

// Request is the subset of per-connection context an auth plugin needs to
// identify a client: the client's address and whatever the HTTP header
// parser (an external collaborator) has already extracted.
type Request struct {
	ClientAddr          net.IP
	ProxyAuthorizationUser string
}

// Plugin is the auth-plugin contract. Init/Quit bracket the process
// lifetime; Identify runs once per connection.
type Plugin interface {
	Init() error
	Quit() error
	Identify(req Request) (outcome Outcome, filterGroup int, user string, err error)
}

// ProxyAuth resolves the filter group from the Proxy-Authorization user.
// It never returns NoUser: only OK (when a user string is present) or
// NoMatch, letting a later plugin such as IPAuth decide instead of
// terminating the chain.
type ProxyAuth struct {
	// GroupForUser maps an authenticated user name to a filter group. A
	// nil map or missing entry resolves to group 0, the default group.
	GroupForUser map[string]int
}

func (p *ProxyAuth) Init() error { return nil }
func (p *ProxyAuth) Quit() error { return nil }

// Identify returns OK with the resolved group when req carries a
// Proxy-Authorization user, else NoMatch.
func (p *ProxyAuth) Identify(req Request) (Outcome, int, string, error) {
	if req.ProxyAuthorizationUser == "" {
		return NoMatch, 0, "", nil
	}
	group := 0
	if p.GroupForUser != nil {
		if g, ok := p.GroupForUser[req.ProxyAuthorizationUser]; ok {
			group = g
		}
	}
	return OK, group, req.ProxyAuthorizationUser, nil
}

// IPAuth resolves the filter group from the client's address via an
// IP-group table, using the dotted-quad address itself as the "user"
// string. It never returns NoUser: it has no user list to fail to match
// against.
type IPAuth struct {
	Table *ipgroup.Table
}

func (p *IPAuth) Init() error { return nil }
func (p *IPAuth) Quit() error { return nil }

// Identify resolves req.ClientAddr via the IP-group table.
func (p *IPAuth) Identify(req Request) (Outcome, int, string, error) {
	group, ok := p.Table.Lookup(req.ClientAddr)
	if !ok {
		return NoMatch, 0, req.ClientAddr.String(), nil
	}
	return OK, group, req.ClientAddr.String(), nil
}

// Chain runs a sequence of plugins in order, per identify: OK or NoUser
// stop the chain; NoMatch tries the next plugin; Error stops the chain
// and propagates.
type Chain struct {
	Plugins []Plugin
}

// Identify runs the chain, returning the first OK/NoUser/Error outcome,
// or NoMatch if every plugin passed.
func (c *Chain) Identify(req Request) (outcome Outcome, filterGroup int, user string, err error) {
	for _, p := range c.Plugins {
		outcome, filterGroup, user, err = p.Identify(req)
		if err != nil {
			return Error, 0, "", err
		}
		switch outcome {
		case OK, NoUser:
			return outcome, filterGroup, user, nil
		case NoMatch:
			continue
		}
	}
	return NoMatch, 0, "", nil
}
