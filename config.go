// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"log/slog"
	"net/http"

	"github.com/gogama/flight/dispatch"
	"github.com/gogama/flight/request"
	"github.com/gogama/flight/timeout"
	"github.com/gogama/flight/transport"
)

// Config carries the collaborators and policies a Session is built from.
//
// The zero value is a valid configuration: every field has a sensible
// fallback, so NewSession(Config{}) yields a working session that buffers
// response bodies, gathers metrics, starts requests as soon as a response
// handler is attached, and logs lifecycle events through slog.Default().
type Config struct {
	// Client creates the transport tasks that execute wire requests.
	//
	// If Client is nil, the session uses a zero-value
	// transport.HTTPClient, which executes requests through
	// http.DefaultTransport.
	Client transport.Client

	// Interceptor is the session-level interceptor. Its adapt step runs
	// on every wire request of every attempt, after any per-request
	// interceptor, and its retry step is consulted about every failure
	// a per-request interceptor declined to retry.
	//
	// If Interceptor is nil, the session adapts nothing and never
	// retries on its own. Use intercept.NewPolicy or intercept.New to
	// construct one.
	Interceptor request.Interceptor

	// Monitors observe the lifecycle events of every request the
	// session creates. Each monitor runs on its own serial queue and
	// sees events in the order they occurred.
	//
	// If Monitors is nil, the session installs a single SlogMonitor.
	// To run without monitors, set an empty non-nil slice.
	Monitors []request.Monitor

	// Logger records session-level diagnostics, such as transport events
	// arriving for tasks the session no longer tracks. If Logger is nil,
	// the session logs through slog.Default().
	Logger *slog.Logger

	// TimeoutPolicy bounds each attempt a request makes by arming a
	// deadline on the attempt's context. Retries consult the policy
	// again, so an adaptive policy can lengthen the deadline after a
	// timeout.
	//
	// If TimeoutPolicy is nil, attempts have no deadline. Long downloads
	// and streams then run as long as the server keeps sending.
	TimeoutPolicy timeout.Policy

	// Headers are added to every wire request that does not already set
	// them. A header set by the request plan or by an adapter wins over
	// the session header of the same name.
	Headers http.Header

	// ManualStart prevents requests from starting automatically when
	// their first response handler is attached. Callers then start each
	// request explicitly with its Resume method.
	ManualStart bool

	// NoMetrics declares that the transport never delivers metrics
	// events. The session then releases a task's bookkeeping on
	// completion alone instead of waiting for metrics that will never
	// arrive. Set it when using a custom transport.Client that does not
	// call Events.OnMetrics.
	NoMetrics bool

	// RootQueue serializes the lifecycle work of every request of the
	// session. If RootQueue is nil, the session creates a fresh queue.
	//
	// Sharing one root queue between sessions is safe but serializes
	// their lifecycle work with respect to each other.
	RootQueue *dispatch.Queue

	// SerializationQueue runs response serializers. If SerializationQueue
	// is nil, the session creates a fresh queue, keeping serializer work
	// off the root queue.
	SerializationQueue *dispatch.Queue
}
