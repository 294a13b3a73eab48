// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"context"
	"net/http"

	"github.com/gogama/flight/request"
)

// The AdapterFunc type is an adapter to allow the use of ordinary
// functions as request adapters. It implements the request.Adapter
// interface.
//
// Every AdapterFunc must be safe for concurrent use by multiple
// goroutines.
type AdapterFunc func(ctx context.Context, wire *http.Request) (*http.Request, error)

// Adapt calls f.
func (f AdapterFunc) Adapt(ctx context.Context, wire *http.Request) (*http.Request, error) {
	return f(ctx, wire)
}

// The RetrierFunc type is an adapter to allow the use of ordinary
// functions as request retriers. It implements the request.Retrier
// interface.
//
// Every RetrierFunc must be safe for concurrent use by multiple
// goroutines.
type RetrierFunc func(r *request.Request, err error) request.RetryDecision

// Retry calls f.
func (f RetrierFunc) Retry(r *request.Request, err error) request.RetryDecision {
	return f(r, err)
}

// An Interceptor chains adapters and retriers into a single
// request.Interceptor.
//
// Its adapter chain runs in order, each adapter receiving the previous
// adapter's output, and the first failure stops the chain. Its retrier
// chain is polled in order and the first decision other than DoNotRetry
// wins; if every retrier declines, so does the chain.
type Interceptor struct {
	adapters []request.Adapter
	retriers []request.Retrier
}

// New combines ordered adapter and retrier chains into an Interceptor.
// Either slice may be nil or empty: an empty adapter chain passes wire
// requests through unchanged and an empty retrier chain never retries.
func New(adapters []request.Adapter, retriers []request.Retrier) *Interceptor {
	return &Interceptor{
		adapters: append([]request.Adapter(nil), adapters...),
		retriers: append([]request.Retrier(nil), retriers...),
	}
}

// Merge layers a request-level interceptor over a session-level one. The
// request's adapters run before the session's, and its retriers are
// consulted first. Either argument may be nil, in which case the other
// is returned as-is.
func Merge(perRequest, session request.Interceptor) request.Interceptor {
	if perRequest == nil {
		return session
	}
	if session == nil {
		return perRequest
	}
	return New(
		[]request.Adapter{perRequest, session},
		[]request.Retrier{perRequest, session},
	)
}

// Adapt runs the adapter chain on wire.
func (i *Interceptor) Adapt(ctx context.Context, wire *http.Request) (*http.Request, error) {
	for _, a := range i.adapters {
		var err error
		wire, err = a.Adapt(ctx, wire)
		if err != nil {
			return nil, err
		}
	}
	return wire, nil
}

// Retry polls the retrier chain about err.
func (i *Interceptor) Retry(r *request.Request, err error) request.RetryDecision {
	for _, retrier := range i.retriers {
		decision := retrier.Retry(r, err)
		if decision.ShouldRetry() || decision.ReplacementError() != nil {
			return decision
		}
	}
	return request.DoNotRetry()
}
