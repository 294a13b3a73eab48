// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package request contains the core types Plan (describes an HTTP request)
and Request (tracks a request through its lifecycle). These two types
are fundamental to everything the flight module does.

The first core type is Plan, which describes a logical HTTP request to
be made. For those familiar with the Go standard HTTP library, net/http,
a Plan looks like a stripped-down http.Request structure with all
server-side fields removed, and the body fields replaced with a simple
[]byte, because Plan requires a pre-buffered request body so the request
can be replayed on retry. Plan fields are named and typed consistently
with http.Request wherever possible.

Create a plan on its own, or let a session build one for you:

	p, err := request.NewPlan("GET", "https://example.com", nil)
	...
	r := session.Request(p)

A plan may be assigned a context to put a deadline on, or cancel, the
request as a whole. That context is separate from the per-attempt
deadlines a session's timeout policy sets: an individual attempt may
fail due to either. A whole-request deadline is not retryable, since
every further attempt inherits the same expired context, while an
attempt timeout is the bread and butter of retry and adaptive timeout
policies.

The second core type is Request, which tracks one logical request from
creation through however many transport attempts it takes to reach a
result. A Request moves through the states Initialized, Resumed,
Suspended, Cancelled, and Finished; remembers every wire request and
transport task created on its behalf; records the terminal error, where
the first error to arrive wins; and owns the queue of response
serializers that turn the raw outcome into typed values. You will
typically not construct Request values yourself, but will instead work
with the ones handed out by a session.

Attach response handlers with Respond and its typed shorthands
RespondRaw, RespondText, RespondJSON, and RespondProto. Handlers run in
registration order and each completes exactly once per finish, even
when handlers are attached after the request already finished.
*/
package request
