// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport defines the narrow contract between the request
// lifecycle engine and the layer that actually moves bytes. The engine
// creates one Task per attempt through a Client and receives the attempt's
// progress through the Events interface. HTTPClient is the default Client
// backed by net/http.
package transport

import "net/http"

// A Client creates transport tasks. CreateTask prepares one attempt to
// execute the given wire request and returns a handle to it. The task is
// created idle: no network activity happens until Resume is called. All
// events for the task are reported to events.
//
// Implementations must return tasks that are valid map keys and that
// remain distinct for the life of the process.
type Client interface {
	CreateTask(wire *http.Request, events Events) (Task, error)
}

// A Task is one in-flight attempt to execute a wire request.
//
// All three operations must return promptly and must never invoke an
// Events callback synchronously. Calling them in any order, from any
// goroutine, at any time must be safe.
type Task interface {
	// Resume starts the task, or restarts consideration of a task that
	// was suspended before starting. Resuming a running or finished task
	// has no effect.
	Resume()
	// Suspend defers a task that has not yet started. Tasks already on
	// the wire need not honor suspension.
	Suspend()
	// Cancel aborts the task. A task that never started must still emit
	// its metrics and completion events so the caller sees closure.
	Cancel()
}

// Disposition is the caller's answer to a delivered response: continue
// receiving the body, or abort the task.
type Disposition int

const (
	// Allow continues the task normally.
	Allow Disposition = iota
	// Cancel aborts the task; it completes with a cancellation error.
	Cancel
)

// A Challenge describes an authentication demand from the server or an
// intermediary proxy.
type Challenge struct {
	// Response is the response carrying the challenge. Its body is not
	// readable.
	Response *http.Response
	// Scheme is the authentication scheme, e.g. "Basic".
	Scheme string
	// Realm is the protection space named by the challenge, if any.
	Realm string
	// Proxy is true for a proxy (407) challenge rather than an origin
	// (401) challenge.
	Proxy bool
	// Previous counts earlier failed answers to this task's challenges.
	Previous int
}

// A Credential answers a Challenge.
type Credential struct {
	Username string
	Password string
}

// Events receives everything that happens to a task. One Events value is
// shared by all tasks a Client creates for it; callbacks identify the task.
//
// For each task, OnResponse, OnData, OnMetrics, and OnComplete are
// delivered in that order from a single goroutine: at most one OnResponse,
// any number of OnData, then OnMetrics and OnComplete exactly once each.
// OnSentBodyData may be delivered from the transport's body-writing
// goroutine and can interleave with the response-side callbacks.
// OnRedirect and OnChallenge are delivered before OnResponse and block the
// task until they return.
//
// Responses handed to callbacks do not have readable bodies; body bytes
// arrive through OnData.
type Events interface {
	// OnResponse reports the response head. Returning Cancel aborts the
	// body read and fails the task with a cancellation error.
	OnResponse(task Task, resp *http.Response) Disposition
	// OnData reports one chunk of the response body. The slice is owned
	// by the receiver.
	OnData(task Task, chunk []byte)
	// OnRedirect reports that the server asked to redirect to target;
	// via lists the requests already issued, oldest first. Return the
	// request to follow, or nil to stop and deliver the redirect
	// response itself. Only header changes on the returned request are
	// honored.
	OnRedirect(task Task, target *http.Request, via []*http.Request) *http.Request
	// OnChallenge reports an authentication challenge. Return a
	// credential and true to answer it, or false to deliver the
	// challenge response as-is.
	OnChallenge(task Task, challenge Challenge) (Credential, bool)
	// OnSentBodyData reports request body upload progress.
	OnSentBodyData(task Task, bytesSent, totalBytesSent, totalBytesExpected int64)
	// OnMetrics reports the attempt's performance record. It is emitted
	// exactly once per task, before OnComplete, even for tasks that were
	// cancelled before starting.
	OnMetrics(task Task, metrics *Metrics)
	// OnComplete reports the end of the task. A nil error means the full
	// body was received.
	OnComplete(task Task, err error)
}
