// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package flight provides an asynchronous HTTP client built around a
request lifecycle with adaptation, retry, and typed response handling.

Create a Session to begin making requests, and attach a response
handler to receive the outcome:

	session := flight.NewSession(flight.Config{})
	r := session.Get("https://www.example.com")
	request.RespondJSON[Account](r, queue, func(resp request.Response[Account]) {
		...
	})

A request does not start until its first response handler is attached,
so every handler sees the outcome exactly once, and requests can be
suspended, resumed, and cancelled at any point in between:

	r.Suspend()
	...
	r.Resume()
	...
	r.Cancel()

For control over how wire requests are sent, configure the transport
client:

	session := flight.NewSession(flight.Config{
		Client: &transport.HTTPClient{
			Transport: &http.Transport{...}, // See package "net/http"
		},
	})

For control over adaptation and retries, install an interceptor built
from components in package intercept. The same interceptor shape works
per session and per request:

	decider := intercept.Times(3).And(intercept.StatusCode(500).Or(intercept.TransientErr))
	policy := intercept.NewPolicy(decider, intercept.DefaultWaiter)
	session := flight.NewSession(flight.Config{Interceptor: policy})
	...
	r := session.Get("https://api.example.com/flaky", intercept.Never)

For control over individual attempt timeouts, set a timeout policy
using package timeout:

	session := flight.NewSession(flight.Config{
		TimeoutPolicy: timeout.Adaptive(200*time.Millisecond, time.Second),
	})

To observe the lifecycle of every request, install monitors. Each
monitor runs on its own serial queue and sees events in order:

	session := flight.NewSession(flight.Config{
		Monitors: []request.Monitor{&flight.SlogMonitor{Level: slog.LevelInfo}},
	})

Large response bodies need not be buffered: Download writes the body to
an io.Writer as it arrives, and Stream delivers each chunk to a
callback. Upload sends a buffered body and reports progress through
OnUploadProgress.
*/
package flight
