// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"net/http"
	"time"
)

// A Delegate is the orchestrator-side contract a Request depends on. The
// request holds its delegate as a plain non-owning reference: the
// delegate owns the request for the span between creation and cleanup,
// never the other way around.
type Delegate interface {
	// Cleanup releases the delegate's ownership of a request whose
	// finish sequence has completed.
	Cleanup(r *Request)
	// RetryResult asynchronously asks for a retry decision about err and
	// delivers it to completion on the request's serial queue.
	RetryResult(r *Request, err error, completion func(RetryDecision))
	// RetryRequest resets the request and drives it through another
	// attempt after the given delay.
	RetryRequest(r *Request, delay time.Duration)
	// StartImmediately reports whether attaching the first response
	// handler should resume the request automatically.
	StartImmediately() bool
	// DefaultHeaders exposes the session-level headers applied to every
	// wire request, for diagnostics such as the cURL rendering. May
	// return nil.
	DefaultHeaders() http.Header
}

// A RetryDecision is a retrier's or delegate's answer to a failed
// attempt. The zero value is DoNotRetry.
type RetryDecision struct {
	retry       bool
	delay       time.Duration
	hasDelay    bool
	replacement error
}

// Retry decides to retry as soon as possible.
func Retry() RetryDecision {
	return RetryDecision{retry: true}
}

// RetryAfter decides to retry after the given delay.
func RetryAfter(delay time.Duration) RetryDecision {
	return RetryDecision{retry: true, delay: delay, hasDelay: true}
}

// DoNotRetry decides to stop retrying and finish with the current error.
func DoNotRetry() RetryDecision {
	return RetryDecision{}
}

// DoNotRetryWith decides to stop retrying and finish with a replacement
// error instead of the current one.
func DoNotRetryWith(err error) RetryDecision {
	return RetryDecision{replacement: err}
}

// ShouldRetry reports whether the decision is to retry.
func (d RetryDecision) ShouldRetry() bool {
	return d.retry
}

// Delay returns the retry delay and whether one was specified.
func (d RetryDecision) Delay() (time.Duration, bool) {
	return d.delay, d.hasDelay
}

// ReplacementError returns the error to finish with instead of the
// current one, or nil.
func (d RetryDecision) ReplacementError() error {
	return d.replacement
}
