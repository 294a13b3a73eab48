// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"context"
	"net/http"
	"time"

	"github.com/gogama/flight/request"
)

// A Policy controls if and how retries are done for a request. After a
// failed attempt, a Policy decides whether a retry should be done and,
// if so, how long the wait period should be before retrying.
//
// Implementations of Policy must be safe for concurrent use by multiple
// goroutines.
//
// A Policy is also a complete request.Interceptor whose adapt step
// leaves wire requests untouched, so a policy can be set directly as a
// session's or an individual request's interceptor. While you can
// implement Policy yourself, it may be more efficient to use one of the
// built-in retry policies, DefaultPolicy or Never, or to construct your
// policy with the NewPolicy constructor from existing Decider and
// Waiter implementations.
type Policy interface {
	Decider
	Waiter
	request.Interceptor
}

// DefaultPolicy is a general-purpose retry policy suitable for common
// use cases. It is a composition of DefaultDecider for retry decisions
// and DefaultWaiter for wait time calculations.
var DefaultPolicy Policy = policy{DefaultDecider, DefaultWaiter}

// Never is a policy that never retries. It is useful if you want to use
// the other features of a retry policy slot but do not want retries.
var Never Policy = policy{Times(0), DefaultWaiter}

type policy struct {
	decider Decider
	waiter  Waiter
}

// NewPolicy composes a Decider and a Waiter into a retry Policy.
func NewPolicy(d Decider, w Waiter) Policy {
	if d == nil {
		panic("flight/intercept: nil decider")
	}
	if w == nil {
		panic("flight/intercept: nil waiter")
	}
	return policy{decider: d, waiter: w}
}

func (p policy) Decide(r *request.Request, err error) bool {
	return p.decider.Decide(r, err)
}

func (p policy) Wait(r *request.Request) time.Duration {
	return p.waiter.Wait(r)
}

func (p policy) Adapt(_ context.Context, wire *http.Request) (*http.Request, error) {
	return wire, nil
}

func (p policy) Retry(r *request.Request, err error) request.RetryDecision {
	if p.decider.Decide(r, err) {
		return request.RetryAfter(p.waiter.Wait(r))
	}
	return request.DoNotRetry()
}
