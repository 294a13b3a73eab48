// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"
)

const defaultChunkSize = 32 * 1024

// HTTPClient is the default Client, backed by net/http. The zero value is
// ready to use and sends requests through http.DefaultTransport.
//
// Task semantics under net/http: the first Resume starts the attempt;
// Suspend defers a task that has not started and is a no-op for one on the
// wire, since HTTP cannot pause mid-flight; Cancel aborts the attempt
// context, starting a never-started task first so that its metrics and
// completion events are still delivered.
//
// Authentication challenges are surfaced for the Basic scheme only, and
// only when the request body is replayable; other challenge responses are
// delivered as ordinary responses.
type HTTPClient struct {
	// Transport executes the HTTP exchanges. If nil, it falls back to
	// http.DefaultTransport.
	Transport http.RoundTripper
	// Jar supplies and stores cookies, like http.Client.Jar. May be nil.
	Jar http.CookieJar
	// ChunkSize is the response body read buffer size in bytes. Zero
	// means 32 KiB.
	ChunkSize int
}

// CreateTask prepares one idle attempt to execute wire. The request's
// context bounds the whole attempt: cancelling it, or Task.Cancel, aborts
// the exchange.
func (c *HTTPClient) CreateTask(wire *http.Request, events Events) (Task, error) {
	if wire == nil {
		return nil, errors.New("flight/transport: nil request")
	}
	if wire.URL == nil {
		return nil, errors.New("flight/transport: request has no URL")
	}
	if events == nil {
		return nil, errors.New("flight/transport: nil events")
	}
	ctx, cancel := context.WithCancel(wire.Context())
	return &httpTask{
		client:    c,
		events:    events,
		wire:      wire,
		ctx:       ctx,
		cancelCtx: cancel,
	}, nil
}

func (c *HTTPClient) transportOrDefault() http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

func (c *HTTPClient) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

type httpTask struct {
	client    *HTTPClient
	events    Events
	wire      *http.Request
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu        sync.Mutex
	started   bool
	suspended bool
	cancelled bool
}

func (t *httpTask) Resume() {
	t.mu.Lock()
	t.suspended = false
	begin := !t.started && !t.cancelled
	if begin {
		t.started = true
	}
	t.mu.Unlock()
	if begin {
		go t.run()
	}
}

func (t *httpTask) Suspend() {
	t.mu.Lock()
	if !t.started {
		t.suspended = true
	}
	t.mu.Unlock()
}

func (t *httpTask) Cancel() {
	t.mu.Lock()
	already := t.cancelled
	t.cancelled = true
	begin := !t.started
	if begin {
		t.started = true
	}
	t.mu.Unlock()
	if already {
		return
	}
	t.cancelCtx()
	if begin {
		go t.run()
	}
}

func (t *httpTask) run() {
	m := &Metrics{Start: time.Now()}
	err := t.attempt(m)
	m.End = time.Now()
	t.events.OnMetrics(t, m)
	t.events.OnComplete(t, err)
}

func (t *httpTask) attempt(m *Metrics) error {
	ctx := httptrace.WithClientTrace(t.ctx, m.tracer())
	req, err := t.prepare(ctx, m, false)
	if err != nil {
		return err
	}
	hc := &http.Client{
		Transport:     t.client.transportOrDefault(),
		CheckRedirect: t.checkRedirect,
		Jar:           t.client.Jar,
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	if ch, ok := parseChallenge(resp, 0); ok && strings.EqualFold(ch.Scheme, "Basic") && t.replayable() {
		if cred, answer := t.events.OnChallenge(t, ch); answer {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			retry, err := t.prepare(ctx, m, true)
			if err != nil {
				return err
			}
			applyCredential(retry, cred, ch.Proxy)
			resp, err = hc.Do(retry)
			if err != nil {
				return err
			}
		}
	}
	return t.receive(resp, m)
}

// prepare clones the wire request for one exchange, wiring in upload
// progress counting. A replay pulls a fresh body from GetBody because the
// original body reader was consumed by the first exchange.
func (t *httpTask) prepare(ctx context.Context, m *Metrics, replay bool) (*http.Request, error) {
	req := t.wire.Clone(ctx)
	if replay && t.wire.GetBody != nil {
		body, err := t.wire.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	if req.Body != nil && req.Body != http.NoBody {
		req.Body = &countingBody{
			body:     req.Body,
			task:     t,
			metrics:  m,
			expected: req.ContentLength,
		}
	}
	return req, nil
}

func (t *httpTask) replayable() bool {
	return t.wire.Body == nil || t.wire.GetBody != nil
}

func (t *httpTask) checkRedirect(req *http.Request, via []*http.Request) error {
	next := t.events.OnRedirect(t, req, via)
	if next == nil {
		return http.ErrUseLastResponse
	}
	if next != req && next.Header != nil {
		req.Header = next.Header.Clone()
	}
	return nil
}

func (t *httpTask) receive(resp *http.Response, m *Metrics) error {
	m.mu.Lock()
	m.Proto = resp.Proto
	m.mu.Unlock()
	head := *resp
	head.Body = http.NoBody
	if t.events.OnResponse(t, &head) == Cancel {
		resp.Body.Close()
		return context.Canceled
	}
	buf := make([]byte, t.client.chunkSize())
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.mu.Lock()
			m.BytesReceived += int64(n)
			m.mu.Unlock()
			t.events.OnData(t, chunk)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			resp.Body.Close()
			return err
		}
	}
	return resp.Body.Close()
}

type countingBody struct {
	body     io.ReadCloser
	task     *httpTask
	metrics  *Metrics
	expected int64
	sent     int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.sent += int64(n)
		b.metrics.mu.Lock()
		b.metrics.BytesSent += int64(n)
		b.metrics.mu.Unlock()
		b.task.events.OnSentBodyData(b.task, int64(n), b.sent, b.expected)
	}
	return n, err
}

func (b *countingBody) Close() error {
	return b.body.Close()
}

func parseChallenge(resp *http.Response, previous int) (Challenge, bool) {
	var name string
	var proxy bool
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		name = "WWW-Authenticate"
	case http.StatusProxyAuthRequired:
		name, proxy = "Proxy-Authenticate", true
	default:
		return Challenge{}, false
	}
	value := strings.TrimSpace(resp.Header.Get(name))
	if value == "" {
		return Challenge{}, false
	}
	scheme, params, _ := strings.Cut(value, " ")
	head := *resp
	head.Body = http.NoBody
	return Challenge{
		Response: &head,
		Scheme:   scheme,
		Realm:    realmOf(params),
		Proxy:    proxy,
		Previous: previous,
	}, true
}

func realmOf(params string) string {
	for _, param := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "realm") {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}

func applyCredential(req *http.Request, cred Credential, proxy bool) {
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password))
	if proxy {
		req.Header.Set("Proxy-Authorization", auth)
	} else {
		req.Header.Set("Authorization", auth)
	}
}
