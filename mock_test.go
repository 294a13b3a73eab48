// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogama/flight/dispatch"
	"github.com/gogama/flight/request"
	"github.com/gogama/flight/transport"
)

// metricsMode controls when a scripted task emits its metrics event
// relative to its completion event.
type metricsMode int

const (
	metricsBefore metricsMode = iota
	metricsAfter
	metricsNever
)

var errScriptCancelled = errors.New("mock: task cancelled")

// A script describes the events one scripted task plays back to the
// session once it is resumed.
type script struct {
	challenge *transport.Challenge // offered before the response, if set
	redirect  *http.Request        // offered before the response, if set
	resp      *http.Response       // response head, skipped when nil
	chunks    []string             // body chunks delivered after the head
	sent      int64                // request body bytes to report as sent
	err       error                // completion error
	metrics   metricsMode
	gate      chan struct{} // when set, playback stalls here until closed
}

func okScript(body string) *script {
	sc := &script{resp: &http.Response{StatusCode: 200, Header: http.Header{}, ContentLength: -1}}
	if body != "" {
		sc.chunks = []string{body}
	}
	return sc
}

func errScript(err error) *script {
	return &script{err: err}
}

func statusScript(code int) *script {
	return &script{resp: &http.Response{StatusCode: code, Header: http.Header{}, ContentLength: -1}}
}

// scriptClient is a transport.Client whose tasks play back scripted
// event sequences. Each CreateTask consumes the next script in order.
type scriptClient struct {
	mu      sync.Mutex
	scripts []*script
	tasks   []*scriptTask
	err     error // returned by CreateTask when set
}

func newScriptClient(scripts ...*script) *scriptClient {
	return &scriptClient{scripts: scripts}
}

func (c *scriptClient) CreateTask(wire *http.Request, events transport.Events) (transport.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.tasks) == len(c.scripts) {
		panic("mock: no script for task")
	}
	task := &scriptTask{
		script:   c.scripts[len(c.tasks)],
		events:   events,
		wire:     wire,
		cancelCh: make(chan struct{}),
	}
	c.tasks = append(c.tasks, task)
	return task, nil
}

func (c *scriptClient) taskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *scriptClient) task(i int) *scriptTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[i]
}

// scriptTask is one scripted attempt. It obeys the transport.Task
// contract: operations return promptly, events fire from a separate
// goroutine, and a task cancelled before starting still emits metrics
// and completion.
type scriptTask struct {
	script *script
	events transport.Events
	wire   *http.Request

	mu        sync.Mutex
	resumes   int
	suspends  int
	cancels   int
	started   bool
	cancelled bool
	cred      *transport.Credential
	credOK    bool
	followed  *http.Request
	hadFollow bool
	cancelCh  chan struct{}
}

func (t *scriptTask) Resume() {
	t.mu.Lock()
	t.resumes++
	start := !t.started && !t.cancelled
	if start {
		t.started = true
	}
	t.mu.Unlock()
	if start {
		go t.play()
	}
}

func (t *scriptTask) Suspend() {
	t.mu.Lock()
	t.suspends++
	t.mu.Unlock()
}

func (t *scriptTask) Cancel() {
	t.mu.Lock()
	t.cancels++
	already := t.cancelled
	t.cancelled = true
	started := t.started
	t.mu.Unlock()
	if already {
		return
	}
	close(t.cancelCh)
	if !started {
		go t.finish(errScriptCancelled)
	}
}

func (t *scriptTask) play() {
	sc := t.script
	if sc.challenge != nil {
		cred, ok := t.events.OnChallenge(t, *sc.challenge)
		t.mu.Lock()
		if ok {
			t.cred = &cred
		}
		t.credOK = ok
		t.mu.Unlock()
	}
	if sc.redirect != nil {
		followed := t.events.OnRedirect(t, sc.redirect, []*http.Request{t.wire})
		t.mu.Lock()
		t.followed = followed
		t.hadFollow = true
		t.mu.Unlock()
	}
	if sc.gate != nil {
		select {
		case <-sc.gate:
		case <-t.cancelCh:
			t.finish(errScriptCancelled)
			return
		}
	}
	if t.isCancelled() {
		t.finish(errScriptCancelled)
		return
	}
	if sc.sent > 0 {
		t.events.OnSentBodyData(t, sc.sent, sc.sent, sc.sent)
	}
	if sc.resp != nil {
		if t.events.OnResponse(t, sc.resp) == transport.Cancel {
			t.finish(errScriptCancelled)
			return
		}
		for _, chunk := range sc.chunks {
			t.events.OnData(t, []byte(chunk))
		}
	}
	t.finish(sc.err)
}

func (t *scriptTask) finish(err error) {
	start := time.Now().Add(-10 * time.Millisecond)
	m := &transport.Metrics{Start: start, End: time.Now(), Proto: "HTTP/1.1"}
	switch t.script.metrics {
	case metricsAfter:
		t.events.OnComplete(t, err)
		t.events.OnMetrics(t, m)
	case metricsNever:
		t.events.OnComplete(t, err)
	default:
		t.events.OnMetrics(t, m)
		t.events.OnComplete(t, err)
	}
}

func (t *scriptTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *scriptTask) counts() (resumes, suspends, cancels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumes, t.suspends, t.cancels
}

// challengeResult returns the credential the session answered the
// scripted challenge with, if any.
func (t *scriptTask) challengeResult() (*transport.Credential, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cred, t.credOK
}

// redirectResult returns the request the session told the task to
// follow; ok is false if the scripted redirect never played.
func (t *scriptTask) redirectResult() (followed *http.Request, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.followed, t.hadFollow
}

// recordingMonitor accumulates observed events for assertions.
type recordingMonitor struct {
	mu     sync.Mutex
	events []request.Event
}

func (m *recordingMonitor) Observe(evt request.Event, r *request.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *recordingMonitor) snapshot() []request.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]request.Event, len(m.events))
	copy(events, m.events)
	return events
}

func (m *recordingMonitor) has(evt request.Event) bool {
	for _, e := range m.snapshot() {
		if e == evt {
			return true
		}
	}
	return false
}

func (m *recordingMonitor) countOf(evt request.Event) int {
	n := 0
	for _, e := range m.snapshot() {
		if e == evt {
			n++
		}
	}
	return n
}

// assertEventOrder asserts that want appears within events in order,
// not necessarily contiguously.
func assertEventOrder(t *testing.T, events []request.Event, want ...request.Event) {
	t.Helper()
	i := 0
	for _, e := range events {
		if i < len(want) && e == want[i] {
			i++
		}
	}
	if i < len(want) {
		t.Errorf("event %s missing or out of order in %v", want[i], events)
	}
}

func waitFinished(t *testing.T, r *request.Request) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request to finish")
	}
}

// receive takes one value from ch or fails the test after a timeout.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response handler")
		panic("unreachable")
	}
}

// nullDelegate satisfies request.Delegate for tests that never drive a
// request through its lifecycle.
type nullDelegate struct{}

func (nullDelegate) Cleanup(*request.Request)                                         {}
func (nullDelegate) RetryResult(*request.Request, error, func(request.RetryDecision)) {}
func (nullDelegate) RetryRequest(*request.Request, time.Duration)                     {}
func (nullDelegate) StartImmediately() bool                                           { return true }
func (nullDelegate) DefaultHeaders() http.Header                                      { return nil }

// newTestRequest builds a request that is valid as a registry or
// monitor argument but is never executed.
func newTestRequest(t *testing.T) *request.Request {
	t.Helper()
	p, err := request.NewPlan("GET", "http://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	queue := dispatch.NewQueue()
	return request.New(request.Config{
		Queue:              queue,
		SerializationQueue: queue,
		Delegate:           nullDelegate{},
		Convertible:        p,
	})
}

// fakeTask is a transport.Task that does nothing. Distinct pointers are
// distinct tasks, so the struct must not be zero-sized: the runtime may
// give every zero-size allocation the same address.
type fakeTask struct{ _ byte }

func (*fakeTask) Resume()  {}
func (*fakeTask) Suspend() {}
func (*fakeTask) Cancel()  {}

// captureWriter is an io.Writer recording what was written to it.
type captureWriter struct {
	mu sync.Mutex
	b  strings.Builder
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.String()
}

var _ io.Writer = (*captureWriter)(nil)
