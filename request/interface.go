// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"context"
	"net/http"

	"github.com/gogama/flight/transport"
)

// A Convertible produces the initial wire request a Request executes.
// Plan is the standard implementation; any source that can build an
// *http.Request qualifies.
type Convertible interface {
	WireRequest() (*http.Request, error)
}

// An Adapter may rewrite a wire request before it is sent, for example to
// attach freshly minted credentials. Adapt returns the request to send,
// which may be its argument or a copy, or an error to reject the request.
//
// Adapters run on the orchestrator's pipeline and should either return
// quickly or honor ctx while waiting on external work.
type Adapter interface {
	Adapt(ctx context.Context, wire *http.Request) (*http.Request, error)
}

// A Retrier decides whether a failed request should be retried. It runs
// off the request's serial queue, so it may block, and can inspect the
// full request record: the error passed is always the request's current
// recorded error.
type Retrier interface {
	Retry(r *Request, err error) RetryDecision
}

// An Interceptor combines both collaborator roles.
type Interceptor interface {
	Adapter
	Retrier
}

// A TaskBuilder is the capability hook each request variant uses to turn
// its final wire request into a transport task.
type TaskBuilder interface {
	BuildTask(wire *http.Request, client transport.Client, events transport.Events) (transport.Task, error)
}

// TaskBuilderFunc adapts a function to the TaskBuilder interface.
type TaskBuilderFunc func(wire *http.Request, client transport.Client, events transport.Events) (transport.Task, error)

// BuildTask calls f.
func (f TaskBuilderFunc) BuildTask(wire *http.Request, client transport.Client, events transport.Events) (transport.Task, error) {
	return f(wire, client, events)
}
