// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"time"

	"github.com/gogama/flight/request"
	"github.com/gogama/flight/transient"
)

// A Decider decides if a retry should be done.
//
// Implementations of Decider must be safe for concurrent use by
// multiple goroutines.
//
// Use the built-in constructors Times, StatusCode, and Before, and the
// built-in decider TransientErr; or implement your own Decider. Use
// DeciderFunc to convert an ordinary function into a Decider, and to
// compose deciders logically using DeciderFunc.And and DeciderFunc.Or.
type Decider interface {
	Decide(r *request.Request, err error) bool
}

// The DeciderFunc type is an adapter to allow the use of ordinary
// functions as retry deciders. It implements the Decider interface, and
// also provides the logical composition methods And and Or.
//
// Every DeciderFunc must be safe for concurrent use by multiple
// goroutines.
//
// Simple DeciderFunc functions can be composed into complex decision
// trees using the logical composition functions DeciderFunc.And and
// DeciderFunc.Or. Because of this composition ability, it will often
// be convenient to work directly with DeciderFunc rather than with
// Decider.
type DeciderFunc func(r *request.Request, err error) bool

// DefaultTimes is the number of times DefaultPolicy will retry.
const DefaultTimes = 5

// DefaultDecider is a general-purpose retry decider suitable for
// common use cases. It will allow up to DefaultTimes retries (i.e. up
// to 6 total attempts), and will retry in the case of a transient error
// (TransientErr) or if the failed attempt recorded a response with one
// of the following status codes: 429 (Too Many Requests); 502 (Bad
// Gateway); 503 (Service Unavailable); or 504 (Gateway Timeout).
//
// A response only reaches a retrier when the attempt failed, so the
// status codes matter for attempts failed by response validation.
var DefaultDecider = Times(DefaultTimes).And(StatusCode(429, 502, 503, 504).Or(TransientErr))

// TransientErr is a decider that indicates a retry if the error being
// consulted about is transient according to transient.Categorize.
//
// TransientErr only looks at the error, not at any response the failed
// attempt may have recorded. Compose it with other deciders, for
// example a status code decider constructed with StatusCode, to get
// more complex functionality.
var TransientErr DeciderFunc = transientErr

// Decide returns true if a retry should be done, and false otherwise,
// after examining the request record and the error that failed the
// current attempt.
func (f DeciderFunc) Decide(r *request.Request, err error) bool {
	return f(r, err)
}

// And composes two retry deciders into a new decider which returns true
// if both sub-deciders return true, and false otherwise.
//
// Short-circuit logic is used, so g will not be evaluated if f returns
// false.
func (f DeciderFunc) And(g DeciderFunc) DeciderFunc {
	return func(r *request.Request, err error) bool {
		return f(r, err) && g(r, err)
	}
}

// Or composes two retry deciders into a new decider which returns
// true if either of the two sub-deciders returns true, but false if
// they both return false.
//
// Short-circuit logic is used, so g will not be evaluated if f returns
// true.
func (f DeciderFunc) Or(g DeciderFunc) DeciderFunc {
	return func(r *request.Request, err error) bool {
		return f(r, err) || g(r, err)
	}
}

// Times constructs a retry decider which allows up to n retries. The
// returned decider returns true while the request's retry count is less
// than n, and false otherwise.
func Times(n int) DeciderFunc {
	return func(r *request.Request, _ error) bool {
		return r.RetryCount() < n
	}
}

// Before constructs a retry decider allowing retries until a certain
// amount of time has elapsed since the request was created, as stamped
// in its time-ordered ID. The returned decider returns true while the
// elapsed time is less than d, and false afterward.
func Before(d time.Duration) DeciderFunc {
	return func(r *request.Request, _ error) bool {
		sec, nsec := r.ID().Time().UnixTime()
		return time.Since(time.Unix(sec, nsec)) < d
	}
}

// StatusCode constructs a retry decider allowing retries based on the
// HTTP response status code. If the failed attempt recorded a response,
// and the response status code is contained in the list ss, the decider
// returns true. Otherwise, it returns false.
func StatusCode(ss ...int) DeciderFunc {
	ss2 := make([]int, len(ss))
	copy(ss2, ss)
	return func(r *request.Request, _ error) bool {
		resp := r.Response()
		if resp == nil {
			return false
		}
		for _, s := range ss2 {
			if resp.StatusCode == s {
				return true
			}
		}
		return false
	}
}

func transientErr(_ *request.Request, err error) bool {
	return transient.Categorize(err) != transient.Not
}
