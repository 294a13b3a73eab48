// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// Metrics is the performance record of one task. Instant fields are zero
// when the corresponding phase did not occur, for example DNS instants on
// a reused connection. Fields are safe to read once the task's OnMetrics
// event has been delivered, not before.
type Metrics struct {
	// Start and End bracket the whole attempt, including any redirects
	// and authentication rounds.
	Start time.Time
	End   time.Time

	DNSStart     time.Time
	DNSDone      time.Time
	ConnectStart time.Time
	ConnectDone  time.Time
	TLSStart     time.Time
	TLSDone      time.Time
	WroteRequest time.Time
	FirstByte    time.Time

	// Reused indicates the attempt rode an existing connection.
	Reused bool
	// BytesSent counts request body bytes written; BytesReceived counts
	// response body bytes read.
	BytesSent     int64
	BytesReceived int64
	// Proto is the negotiated protocol of the final response, e.g.
	// "HTTP/2.0".
	Proto string

	mu sync.Mutex
}

// Duration is the total wall-clock time of the attempt.
func (m *Metrics) Duration() time.Duration {
	if m.Start.IsZero() || m.End.IsZero() {
		return 0
	}
	return m.End.Sub(m.Start)
}

// TimeToFirstByte is the time from attempt start to the first response
// header byte, or zero if no response arrived.
func (m *Metrics) TimeToFirstByte() time.Duration {
	if m.FirstByte.IsZero() {
		return 0
	}
	return m.FirstByte.Sub(m.Start)
}

// DNS is the duration of name resolution, or zero if it did not occur.
func (m *Metrics) DNS() time.Duration {
	return span(m.DNSStart, m.DNSDone)
}

// Connect is the duration of connection establishment, or zero if a
// connection was reused.
func (m *Metrics) Connect() time.Duration {
	return span(m.ConnectStart, m.ConnectDone)
}

// TLS is the duration of the TLS handshake, or zero for cleartext or
// reused connections.
func (m *Metrics) TLS() time.Duration {
	return span(m.TLSStart, m.TLSDone)
}

func span(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// tracer returns a ClientTrace that records connection phases into m.
// Trace callbacks may fire from transport-internal goroutines, so every
// assignment goes through the metrics mutex.
func (m *Metrics) tracer() *httptrace.ClientTrace {
	stamp := func(field *time.Time) func() {
		return func() {
			m.mu.Lock()
			*field = time.Now()
			m.mu.Unlock()
		}
	}
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			stamp(&m.DNSStart)()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			stamp(&m.DNSDone)()
		},
		ConnectStart: func(string, string) {
			m.mu.Lock()
			if m.ConnectStart.IsZero() {
				m.ConnectStart = time.Now()
			}
			m.mu.Unlock()
		},
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				stamp(&m.ConnectDone)()
			}
		},
		TLSHandshakeStart: func() {
			stamp(&m.TLSStart)()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				stamp(&m.TLSDone)()
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			m.mu.Lock()
			m.Reused = info.Reused
			m.mu.Unlock()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			stamp(&m.WroteRequest)()
		},
		GotFirstResponseByte: func() {
			stamp(&m.FirstByte)()
		},
	}
}
