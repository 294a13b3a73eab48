// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transient categorizes errors by whether retrying the request
// attempt that produced them has a realistic prospect of success.
package transient

import (
	"errors"
	"syscall"
)

// A Category describes the transience of an error, as reported by
// Categorize.
//
// Not means the error is permanent from the perspective of completing
// a request attempt, and a retry is very unlikely to succeed. Every
// other category marks the error as transient.
type Category int

const (
	// Not indicates any non-transient error.
	Not Category = iota
	// Timeout indicates a client-side timeout. The server may be slow
	// for the moment, or a future attempt with a longer timeout may
	// succeed. Categorize returns Timeout if the error, or any cause it
	// wraps, has a Timeout method reporting true. This covers net.Error
	// values and context.DeadlineExceeded.
	Timeout
	// ConnRefused indicates the remote host refused the connection
	// (POSIX ECONNREFUSED). Refusal can be permanent but often just
	// means the service is restarting and not yet listening, so it is
	// treated as transient.
	ConnRefused
	// ConnReset indicates an established connection went away: an RST
	// on an active TCP connection (POSIX ECONNRESET) or a write to a
	// closed one (POSIX EPIPE). Both are common when the remote host,
	// or a load balancer in front of it, recycles connections, and tend
	// to succeed on retry.
	ConnReset
)

var categoryNames = map[Category]string{
	Not:         "Not",
	Timeout:     "Timeout",
	ConnRefused: "ConnRefused",
	ConnReset:   "ConnReset",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Categorize returns the transience category of err. A nil error, and
// any error that is not transient from the perspective of completing a
// request attempt, both produce Not.
//
// Categorize unwraps err looking at its causes, not just err itself.
// It never consults a Temporary method, whose semantics are too murky
// to act on.
func Categorize(err error) Category {
	if err == nil {
		return Not
	}

	var timeout hasTimeout
	if errors.As(err, &timeout) && timeout.Timeout() {
		return Timeout
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.EPIPE:
			return ConnReset
		case syscall.ECONNREFUSED:
			return ConnRefused
		}
	}

	return Not
}

type hasTimeout interface {
	Timeout() bool
}
