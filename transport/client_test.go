// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

var httpServer = httptest.NewUnstartedServer(http.HandlerFunc(testHandler))
var httpsServer = httptest.NewUnstartedServer(http.HandlerFunc(testHandler))
var http2Server = httptest.NewUnstartedServer(http.HandlerFunc(testHandler))
var servers = []*httptest.Server{httpServer, httpsServer, http2Server}

func TestMain(m *testing.M) {
	httpServer.Start()
	defer httpServer.Close()
	httpsServer.StartTLS()
	defer httpsServer.Close()
	http2Server.EnableHTTP2 = true
	http2Server.StartTLS()
	defer http2Server.Close()
	os.Exit(m.Run())
}

func serverName(server *httptest.Server) string {
	switch server {
	case httpServer:
		return "http"
	case httpsServer:
		return "https"
	case http2Server:
		return "http2"
	default:
		panic("unknown server")
	}
}

const helloBody = "hello, flight"

func testHandler(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/hello":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, helloBody)
	case "/redirect":
		to := req.URL.Query().Get("to")
		if to == "" {
			to = "/hello"
		}
		http.Redirect(w, req, to, http.StatusFound)
	case "/header":
		_, _ = io.WriteString(w, req.Header.Get("X-Hop"))
	case "/echo":
		_, _ = io.Copy(w, req.Body)
	case "/auth":
		user, pass, ok := req.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="flight"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if user != "gopher" || pass != "hunter2" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.Copy(io.Discard, req.Body)
		_, _ = io.WriteString(w, "welcome back")
	case "/slow":
		_, _ = io.WriteString(w, "begin")
		w.(http.Flusher).Flush()
		<-req.Context().Done()
	case "/cookie/set":
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s3cret"})
	case "/cookie/read":
		c, err := req.Cookie("sid")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, c.Value)
	default:
		http.NotFound(w, req)
	}
}

// newTestClient returns an HTTPClient that trusts server's certificate and
// owns a private connection pool, so connection phase metrics are not
// polluted by other tests. The http2 server gets an http2.Transport so the
// exchange negotiates h2.
func newTestClient(server *httptest.Server) *HTTPClient {
	tr := server.Client().Transport.(*http.Transport)
	if server == http2Server {
		return &HTTPClient{Transport: &http2.Transport{TLSClientConfig: tr.TLSClientConfig}}
	}
	return &HTTPClient{Transport: tr.Clone()}
}

type sentRecord struct {
	bytesSent, totalBytesSent, totalBytesExpected int64
}

// recordingEvents is an Events sink that records every callback in arrival
// order along with the payloads tests assert on. By default it allows
// responses, follows redirects, and declines challenges.
type recordingEvents struct {
	mu         sync.Mutex
	order      []string
	resp       *http.Response
	chunks     [][]byte
	sends      []sentRecord
	challenges []Challenge
	vias       [][]*http.Request
	metrics    *Metrics
	err        error

	disposition Disposition
	redirect    func(target *http.Request, via []*http.Request) *http.Request
	credential  *Credential
	onData      func(task Task)

	done chan struct{}
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{done: make(chan struct{})}
}

func (r *recordingEvents) OnResponse(_ Task, resp *http.Response) Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "OnResponse")
	r.resp = resp
	return r.disposition
}

func (r *recordingEvents) OnData(task Task, chunk []byte) {
	r.mu.Lock()
	r.order = append(r.order, "OnData")
	r.chunks = append(r.chunks, chunk)
	hook := r.onData
	r.onData = nil
	r.mu.Unlock()
	if hook != nil {
		hook(task)
	}
}

func (r *recordingEvents) OnRedirect(_ Task, target *http.Request, via []*http.Request) *http.Request {
	r.mu.Lock()
	r.order = append(r.order, "OnRedirect")
	r.vias = append(r.vias, via)
	fn := r.redirect
	r.mu.Unlock()
	if fn != nil {
		return fn(target, via)
	}
	return target
}

func (r *recordingEvents) OnChallenge(_ Task, challenge Challenge) (Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "OnChallenge")
	r.challenges = append(r.challenges, challenge)
	if r.credential != nil {
		return *r.credential, true
	}
	return Credential{}, false
}

func (r *recordingEvents) OnSentBodyData(_ Task, bytesSent, totalBytesSent, totalBytesExpected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "OnSentBodyData")
	r.sends = append(r.sends, sentRecord{bytesSent, totalBytesSent, totalBytesExpected})
}

func (r *recordingEvents) OnMetrics(_ Task, metrics *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "OnMetrics")
	r.metrics = metrics
}

func (r *recordingEvents) OnComplete(_ Task, err error) {
	r.mu.Lock()
	r.order = append(r.order, "OnComplete")
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *recordingEvents) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
}

// events returns a snapshot of the callback names in arrival order,
// excluding OnSentBodyData, which the transport may interleave with the
// response side callbacks from its body writing goroutine.
func (r *recordingEvents) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var order []string
	for _, name := range r.order {
		if name != "OnSentBodyData" {
			order = append(order, name)
		}
	}
	return order
}

func (r *recordingEvents) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b bytes.Buffer
	for _, chunk := range r.chunks {
		b.Write(chunk)
	}
	return b.String()
}

func get(t *testing.T, server *httptest.Server, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", server.URL+path, nil)
	require.NoError(t, err)
	return req
}

func execute(t *testing.T, client *HTTPClient, wire *http.Request, rec *recordingEvents) {
	t.Helper()
	task, err := client.CreateTask(wire, rec)
	require.NoError(t, err)
	task.Resume()
	rec.wait(t)
}

func TestHTTPClientExchange(t *testing.T) {
	for _, server := range servers {
		t.Run(serverName(server), func(t *testing.T) {
			rec := newRecordingEvents()
			execute(t, newTestClient(server), get(t, server, "/hello"), rec)

			require.NoError(t, rec.err)
			require.NotNil(t, rec.resp)
			assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
			assert.Equal(t, "text/plain", rec.resp.Header.Get("Content-Type"))
			assert.Equal(t, http.NoBody, rec.resp.Body)
			assert.Equal(t, helloBody, rec.body())

			events := rec.events()
			require.GreaterOrEqual(t, len(events), 4)
			assert.Equal(t, "OnResponse", events[0])
			assert.Equal(t, []string{"OnMetrics", "OnComplete"}, events[len(events)-2:])
			for _, name := range events[1 : len(events)-2] {
				assert.Equal(t, "OnData", name)
			}

			m := rec.metrics
			require.NotNil(t, m)
			assert.False(t, m.Start.IsZero())
			assert.False(t, m.End.IsZero())
			assert.Positive(t, m.Duration())
			assert.Positive(t, m.TimeToFirstByte())
			assert.False(t, m.WroteRequest.IsZero())
			assert.False(t, m.Reused)
			assert.Zero(t, m.DNS())
			assert.Equal(t, int64(len(helloBody)), m.BytesReceived)
			assert.Zero(t, m.BytesSent)
			switch server {
			case httpServer:
				assert.Equal(t, "HTTP/1.1", m.Proto)
				assert.Positive(t, m.Connect())
				assert.Zero(t, m.TLS())
			case httpsServer:
				assert.Equal(t, "HTTP/1.1", m.Proto)
				assert.Positive(t, m.Connect())
				assert.Positive(t, m.TLS())
			case http2Server:
				assert.Equal(t, "HTTP/2.0", m.Proto)
			}
		})
	}
}

func TestHTTPClientCreateTask(t *testing.T) {
	client := &HTTPClient{}
	t.Run("Nil Request", func(t *testing.T) {
		task, err := client.CreateTask(nil, newRecordingEvents())
		assert.Nil(t, task)
		assert.EqualError(t, err, "flight/transport: nil request")
	})
	t.Run("No URL", func(t *testing.T) {
		task, err := client.CreateTask(&http.Request{}, newRecordingEvents())
		assert.Nil(t, task)
		assert.EqualError(t, err, "flight/transport: request has no URL")
	})
	t.Run("Nil Events", func(t *testing.T) {
		task, err := client.CreateTask(get(t, httpServer, "/hello"), nil)
		assert.Nil(t, task)
		assert.EqualError(t, err, "flight/transport: nil events")
	})
}

func TestHTTPClientChunkSize(t *testing.T) {
	client := newTestClient(httpServer)
	client.ChunkSize = 4
	rec := newRecordingEvents()
	execute(t, client, get(t, httpServer, "/hello"), rec)

	require.NoError(t, rec.err)
	assert.Equal(t, helloBody, rec.body())
	assert.GreaterOrEqual(t, len(rec.chunks), 4)
	for _, chunk := range rec.chunks {
		assert.LessOrEqual(t, len(chunk), 4)
	}
}

func TestHTTPClientRedirect(t *testing.T) {
	t.Run("Follows", func(t *testing.T) {
		rec := newRecordingEvents()
		execute(t, newTestClient(httpServer), get(t, httpServer, "/redirect"), rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
		assert.Equal(t, helloBody, rec.body())
		assert.Equal(t, "OnRedirect", rec.events()[0])
		require.Len(t, rec.vias, 1)
		require.Len(t, rec.vias[0], 1)
		assert.Equal(t, "/redirect", rec.vias[0][0].URL.Path)
	})
	t.Run("Blocks", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.redirect = func(*http.Request, []*http.Request) *http.Request { return nil }
		execute(t, newTestClient(httpServer), get(t, httpServer, "/redirect"), rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusFound, rec.resp.StatusCode)
		assert.Equal(t, "/hello", rec.resp.Header.Get("Location"))
	})
	t.Run("Rewrites Headers", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.redirect = func(target *http.Request, _ []*http.Request) *http.Request {
			hop := target.Clone(target.Context())
			hop.Header.Set("X-Hop", "rewritten")
			return hop
		}
		execute(t, newTestClient(httpServer), get(t, httpServer, "/redirect?to=/header"), rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
		assert.Equal(t, "rewritten", rec.body())
	})
}

func TestHTTPClientChallenge(t *testing.T) {
	t.Run("Answered", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.credential = &Credential{Username: "gopher", Password: "hunter2"}
		execute(t, newTestClient(httpServer), get(t, httpServer, "/auth"), rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
		assert.Equal(t, "welcome back", rec.body())
		assert.Equal(t, "OnChallenge", rec.events()[0])
		require.Len(t, rec.challenges, 1)
		ch := rec.challenges[0]
		assert.Equal(t, "Basic", ch.Scheme)
		assert.Equal(t, "flight", ch.Realm)
		assert.False(t, ch.Proxy)
		assert.Zero(t, ch.Previous)
		require.NotNil(t, ch.Response)
		assert.Equal(t, http.StatusUnauthorized, ch.Response.StatusCode)
	})
	t.Run("Declined", func(t *testing.T) {
		rec := newRecordingEvents()
		execute(t, newTestClient(httpServer), get(t, httpServer, "/auth"), rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusUnauthorized, rec.resp.StatusCode)
		assert.Equal(t, []string{"OnChallenge", "OnResponse", "OnMetrics", "OnComplete"}, rec.events())
	})
	t.Run("Replays Body", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.credential = &Credential{Username: "gopher", Password: "hunter2"}
		wire, err := http.NewRequest("POST", httpServer.URL+"/auth", bytes.NewReader([]byte("ping")))
		require.NoError(t, err)
		execute(t, newTestClient(httpServer), wire, rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
		require.NotEmpty(t, rec.sends)
		last := rec.sends[len(rec.sends)-1]
		assert.Equal(t, int64(4), last.totalBytesSent)
		assert.Equal(t, int64(4), last.totalBytesExpected)
		assert.Equal(t, int64(8), rec.metrics.BytesSent)
	})
	t.Run("Unreplayable Body", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.credential = &Credential{Username: "gopher", Password: "hunter2"}
		wire, err := http.NewRequest("POST", httpServer.URL+"/auth", strings.NewReader("ping"))
		require.NoError(t, err)
		wire.GetBody = nil
		execute(t, newTestClient(httpServer), wire, rec)

		require.NoError(t, rec.err)
		assert.Equal(t, http.StatusUnauthorized, rec.resp.StatusCode)
		assert.Empty(t, rec.challenges)
	})
}

func TestHTTPClientUploadProgress(t *testing.T) {
	payload := strings.Repeat("x", 10)
	rec := newRecordingEvents()
	wire, err := http.NewRequest("POST", httpServer.URL+"/echo", strings.NewReader(payload))
	require.NoError(t, err)
	execute(t, newTestClient(httpServer), wire, rec)

	require.NoError(t, rec.err)
	assert.Equal(t, payload, rec.body())
	require.NotEmpty(t, rec.sends)
	last := rec.sends[len(rec.sends)-1]
	assert.Equal(t, int64(10), last.totalBytesSent)
	assert.Equal(t, int64(10), last.totalBytesExpected)
	var sent int64
	for _, s := range rec.sends {
		sent += s.bytesSent
	}
	assert.Equal(t, int64(10), sent)
	assert.Equal(t, int64(10), rec.metrics.BytesSent)
	assert.Equal(t, int64(10), rec.metrics.BytesReceived)
}

func TestHTTPClientCancel(t *testing.T) {
	t.Run("Mid Body", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.onData = func(task Task) { task.Cancel() }
		task, err := newTestClient(httpServer).CreateTask(get(t, httpServer, "/slow"), rec)
		require.NoError(t, err)
		task.Resume()
		rec.wait(t)

		assert.ErrorIs(t, rec.err, context.Canceled)
		assert.Equal(t, "begin", rec.body())
		events := rec.events()
		assert.Equal(t, "OnResponse", events[0])
		assert.Equal(t, []string{"OnMetrics", "OnComplete"}, events[len(events)-2:])
		require.NotNil(t, rec.metrics)
		assert.False(t, rec.metrics.End.IsZero())
	})
	t.Run("Before Start", func(t *testing.T) {
		rec := newRecordingEvents()
		task, err := newTestClient(httpServer).CreateTask(get(t, httpServer, "/hello"), rec)
		require.NoError(t, err)
		task.Cancel()
		rec.wait(t)

		assert.ErrorIs(t, rec.err, context.Canceled)
		assert.Equal(t, []string{"OnMetrics", "OnComplete"}, rec.events())

		// Resume after completion and a second Cancel must both be inert.
		task.Resume()
		task.Cancel()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"OnMetrics", "OnComplete"}, rec.events())
	})
	t.Run("Response Disposition", func(t *testing.T) {
		rec := newRecordingEvents()
		rec.disposition = Cancel
		execute(t, newTestClient(httpServer), get(t, httpServer, "/hello"), rec)

		assert.ErrorIs(t, rec.err, context.Canceled)
		assert.Empty(t, rec.chunks)
		assert.Equal(t, []string{"OnResponse", "OnMetrics", "OnComplete"}, rec.events())
	})
	t.Run("Context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := newRecordingEvents()
		execute(t, newTestClient(httpServer), get(t, httpServer, "/hello").WithContext(ctx), rec)

		assert.ErrorIs(t, rec.err, context.Canceled)
		assert.Equal(t, []string{"OnMetrics", "OnComplete"}, rec.events())
	})
}

func TestHTTPClientSuspend(t *testing.T) {
	rec := newRecordingEvents()
	task, err := newTestClient(httpServer).CreateTask(get(t, httpServer, "/hello"), rec)
	require.NoError(t, err)

	task.Suspend()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.events())

	task.Resume()
	rec.wait(t)
	require.NoError(t, rec.err)
	assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
}

func TestHTTPClientCookieJar(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := newTestClient(httpServer)
	client.Jar = jar

	rec := newRecordingEvents()
	execute(t, client, get(t, httpServer, "/cookie/set"), rec)
	require.NoError(t, rec.err)

	rec = newRecordingEvents()
	execute(t, client, get(t, httpServer, "/cookie/read"), rec)
	require.NoError(t, rec.err)
	assert.Equal(t, http.StatusOK, rec.resp.StatusCode)
	assert.Equal(t, "s3cret", rec.body())
}

func TestHTTPClientConnectionReuse(t *testing.T) {
	client := newTestClient(httpServer)

	first := newRecordingEvents()
	execute(t, client, get(t, httpServer, "/hello"), first)
	require.NoError(t, first.err)
	assert.False(t, first.metrics.Reused)
	assert.Positive(t, first.metrics.Connect())

	second := newRecordingEvents()
	execute(t, client, get(t, httpServer, "/hello"), second)
	require.NoError(t, second.err)
	assert.True(t, second.metrics.Reused)
	assert.Zero(t, second.metrics.Connect())
}
