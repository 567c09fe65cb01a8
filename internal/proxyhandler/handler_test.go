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

package proxyhandler

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"dgproxy/internal/dglog"
	"dgproxy/internal/scanplugin"
)

// fakeTransport answers every RoundTrip with a canned response, recording
// the request it was handed.
type fakeTransport struct {
	status int
	body   string
	header http.Header

	lastReq *http.Request
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	header := f.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
	}, nil
}

// fakeScanner returns a fixed Result regardless of input.
type fakeScanner struct {
	result scanplugin.Result
}

func (f *fakeScanner) Init() error { return nil }
func (f *fakeScanner) ScanFile(req scanplugin.Request) (scanplugin.Result, error) {
	return f.result, nil
}
func (f *fakeScanner) ScanBuffer(req scanplugin.Request, data []byte) (scanplugin.Result, error) {
	return f.result, nil
}

func readResponse(t *testing.T, conn net.Conn) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func runHandle(h *Handler, raw string) (client net.Conn) {
	serverSide, clientSide := net.Pipe()
	go func() {
		h.Handle(serverSide, 0)
		serverSide.Close()
	}()
	go func() {
		clientSide.Write([]byte(raw))
	}()
	return clientSide
}

func TestHandleForwardsCleanRequest(t *testing.T) {
	transport := &fakeTransport{body: "hello world"}
	h := &Handler{
		Transport: transport,
		Log:       dglog.New("test", io.Discard),
	}

	client := runHandle(h, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := readResponse(t, client)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
	if transport.lastReq == nil || transport.lastReq.URL.Host != "example.com" {
		t.Fatalf("request not forwarded correctly: %+v", transport.lastReq)
	}
}

func TestHandleBlocksNaughtyRequestWithoutForwarding(t *testing.T) {
	transport := &fakeTransport{body: "should never be seen"}
	h := &Handler{
		Transport:  transport,
		Classifier: classifyFunc(func(*http.Request) (int, bool, string) { return 100, true, "test" }),
		Log:        dglog.New("test", io.Discard),
	}

	client := runHandle(h, "GET http://example.com/bad HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := readResponse(t, client)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if transport.lastReq != nil {
		t.Fatal("blocked request should never reach the transport")
	}
}

func TestHandleDeniesInfectedResponse(t *testing.T) {
	transport := &fakeTransport{body: "payload bytes here"}
	h := &Handler{
		Transport:   transport,
		Scanner:     &fakeScanner{result: scanplugin.Result{Verdict: scanplugin.Infected, LastVirusName: "EICAR"}},
		MaxScanSize: 8,
		Log:         dglog.New("test", io.Discard),
	}

	client := runHandle(h, "GET http://example.com/file HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := readResponse(t, client)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandleGraftsScannedPrefixBackIntoResponse(t *testing.T) {
	transport := &fakeTransport{body: "0123456789abcdef"}
	h := &Handler{
		Transport:   transport,
		Scanner:     &fakeScanner{result: scanplugin.Result{Verdict: scanplugin.Clean}},
		MaxScanSize: 4,
		Log:         dglog.New("test", io.Discard),
	}

	client := runHandle(h, "GET http://example.com/file HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := readResponse(t, client)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "0123456789abcdef" {
		t.Fatalf("body = %q, want the full original body with the scanned prefix intact", body)
	}
}

func TestProxyAuthUserExtractsBasicCredential(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Proxy-Authorization", "Basic dXNlcjpwYXNz")
	if got := proxyAuthUser(req); got != "dXNlcjpwYXNz" {
		t.Fatalf("proxyAuthUser = %q, want the base64 credential", got)
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	if got := proxyAuthUser(req2); got != "" {
		t.Fatalf("proxyAuthUser with no header = %q, want empty", got)
	}
}

func TestPortOfDefaultsByScheme(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"http://example.com/", 80},
		{"https://example.com/", 443},
		{"http://example.com:8080/", 8080},
	}
	for _, c := range cases {
		req, err := http.NewRequest(http.MethodGet, c.raw, nil)
		if err != nil {
			t.Fatalf("parse %q: %v", c.raw, err)
		}
		if got := portOf(req.URL); got != c.want {
			t.Fatalf("portOf(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}

// classifyFunc adapts a plain function to the Naughtiness interface.
type classifyFunc func(req *http.Request) (int, bool, string)

func (f classifyFunc) Classify(req *http.Request) (int, bool, string) { return f(req) }
