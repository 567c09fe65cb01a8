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

// Package proxyhandler is the default worker.Handler: it parses one HTTP
// request off the accepted connection, resolves a filter group and user
// via the auth plugin chain, consults the URL cache and IP accounting
// services, forwards the request, optionally scans the response body,
// and emits one log record. The HTTP parsing here is intentionally bare
// bones — header rewriting, a real classification engine, and anything
// past a single request per connection stay out of this core's scope.
package proxyhandler

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dgproxy/internal/authplugin"
	"dgproxy/internal/dglog"
	"dgproxy/internal/ipaccounting"
	"dgproxy/internal/logsvc"
	"dgproxy/internal/scanplugin"
	"dgproxy/internal/urlcache"
)

// Naughtiness is the external classification engine's contract: given a
// parsed request it returns a score and whether that score crosses the
// configured threshold, plus a category list. Its internals are not
// specified; dgproxy only consumes the result.
type Naughtiness interface {
	Classify(req *http.Request) (score int, naughty bool, category string)
}

// Handler wires one accepted connection through auth, cache, scanning,
// and logging.
type Handler struct {
	Auth        *authplugin.Chain
	Scanner     scanplugin.Plugin
	Classifier  Naughtiness
	URLCache    *urlcache.Client
	IPAccount   *ipaccounting.Client
	LogClient   *logsvc.Client
	MaxScanSize int64 // response bytes buffered for content scanning; 0 disables scanning
	Transport   http.RoundTripper
	Log         *dglog.Logger
}

// Handle implements worker.Handler.
func (h *Handler) Handle(conn net.Conn, listenerIndex int) {
	start := time.Now()
	br := bufio.NewReader(conn)

	req, err := http.ReadRequest(br)
	if err != nil {
		return // malformed/empty request: nothing worth logging, the worker just closes
	}
	defer req.Body.Close()

	clientIP := hostOf(conn.RemoteAddr())
	rec := logsvc.Record{
		URL:        req.URL.String(),
		Method:     req.Method,
		SourceIP:   clientIP,
		ClientHost: clientIP,
		Port:       portOf(req.URL),
		UserAgent:  req.Header.Get("User-Agent"),
	}

	if h.IPAccount != nil {
		if admitted, err := h.IPAccount.Query(clientIP); err == nil && !admitted {
			h.deny(conn, rec, "too many tracked addresses", start)
			return
		}
	}

	group, user := h.authenticate(clientIP, req)
	rec.User = user
	rec.FilterGroup = group

	if h.Classifier != nil {
		score, naughty, category := h.Classifier.Classify(req)
		rec.NaughtinessScore = score
		rec.Naughty = naughty
		rec.Category = category
	}

	if h.URLCache != nil {
		if cached, err := h.URLCache.Query(group, rec.URL); err == nil && cached {
			rec.Naughty = true
		}
	}

	if rec.Naughty {
		h.deny(conn, rec, "blocked by filter policy", start)
		if h.URLCache != nil {
			_ = h.URLCache.Add(group, rec.URL)
		}
		return
	}

	h.forward(conn, req, rec, start)
}

func (h *Handler) authenticate(clientIP string, req *http.Request) (group int, user string) {
	if h.Auth == nil {
		return 0, ""
	}
	authReq := authplugin.Request{
		ClientAddr:             net.ParseIP(clientIP),
		ProxyAuthorizationUser: proxyAuthUser(req),
	}
	outcome, g, u, err := h.Auth.Identify(authReq)
	if err != nil || outcome == authplugin.Error {
		return 0, ""
	}
	return g, u
}

func proxyAuthUser(req *http.Request) string {
	hdr := req.Header.Get("Proxy-Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.Fields(hdr)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return ""
	}
	return parts[1] // caller wants a user identifier, not a decoded credential
}

// forward round-trips req through h.Transport, scans a bounded prefix of
// the response body if a scanner is configured, streams the response
// back to conn, and logs the outcome.
func (h *Handler) forward(conn net.Conn, req *http.Request, rec logsvc.Record, start time.Time) {
	transport := h.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	req.RequestURI = ""
	resp, err := transport.RoundTrip(req)
	if err != nil {
		rec.Exception = true
		rec.Reason = err.Error()
		rec.HTTPCode = http.StatusBadGateway
		h.writeSimple(conn, http.StatusBadGateway, nil)
		h.log(rec, start)
		return
	}
	defer resp.Body.Close()

	rec.HTTPCode = resp.StatusCode
	rec.MimeType = resp.Header.Get("Content-Type")
	rec.Size = resp.ContentLength

	if h.Scanner != nil && h.MaxScanSize > 0 {
		buf := make([]byte, h.MaxScanSize)
		n, _ := io.ReadFull(resp.Body, buf)
		buf = buf[:n]
		rec.Scanned = true

		result, scanErr := h.Scanner.ScanBuffer(scanplugin.Request{
			User:        rec.User,
			FilterGroup: rec.FilterGroup,
			ClientIP:    rec.SourceIP,
			Path:        rec.URL,
		}, buf)
		if scanErr == nil && result.Verdict == scanplugin.Infected {
			rec.Infected = true
			rec.Reason = result.LastVirusName
			h.deny(conn, rec, "infected content", start)
			return
		}
		// Graft the already-consumed prefix back in front of what's left
		// of the body so the client still gets the full response.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
	}

	if err := resp.Write(conn); err != nil && h.Log != nil {
		h.Log.Printf("write response: %v", err)
	}

	h.log(rec, start)
}

// deny writes a minimal 403 response and logs rec with Naughty forced true.
func (h *Handler) deny(conn net.Conn, rec logsvc.Record, reason string, start time.Time) {
	rec.Naughty = true
	rec.Reason = reason
	rec.HTTPCode = http.StatusForbidden
	h.writeSimple(conn, http.StatusForbidden, []byte(reason))
	h.log(rec, start)
}

func (h *Handler) writeSimple(conn net.Conn, code int, body []byte) {
	resp := &http.Response{
		StatusCode:    code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Header:        http.Header{},
	}
	_ = resp.Write(conn)
}

func (h *Handler) log(rec logsvc.Record, start time.Time) {
	rec.Seconds = start.Unix()
	rec.Microseconds = int64(start.Nanosecond() / 1000)
	if h.LogClient != nil {
		if err := h.LogClient.Send(rec); err != nil && h.Log != nil {
			h.Log.Printf("log send: %v", err)
		}
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
