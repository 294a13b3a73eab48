// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"errors"
	"fmt"
)

// A Kind classifies where in the request lifecycle an error arose. Every
// error a Request records or reports is a *Error carrying a Kind, so
// retriers and validators can branch on origin without matching concrete
// error types.
type Kind int

const (
	// KindUnknown classifies errors that did not come from a lifecycle
	// stage, such as a retrier's replacement error. KindOf also reports
	// it for errors that are not lifecycle errors at all.
	KindUnknown Kind = iota
	// KindRequestCreation marks a failure to produce the initial wire
	// request or its transport task.
	KindRequestCreation
	// KindAdaptation marks a rejection by a request adapter.
	KindAdaptation
	// KindTask marks a transport-level failure of an attempt.
	KindTask
	// KindValidation marks a response rejected by a validator.
	KindValidation
	// KindSerialization marks a response serializer failure.
	KindSerialization
	// KindCancelled marks explicit cancellation by the caller.
	KindCancelled
	// KindSessionInvalidated marks a request issued against a session
	// that is no longer accepting work.
	KindSessionInvalidated
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindRequestCreation:    "request creation failed",
	KindAdaptation:         "request adaptation failed",
	KindTask:               "task failed",
	KindValidation:         "response validation failed",
	KindSerialization:      "response serialization failed",
	KindCancelled:          "request cancelled",
	KindSessionInvalidated: "session invalidated",
}

// String describes the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// An Error is the uniform error wrapper for the request lifecycle. Err
// holds the underlying cause and may be nil for kinds that are themselves
// the cause, such as cancellation.
type Error struct {
	Kind Kind
	Err  error
}

// Error describes the error, including its underlying cause if any.
func (e *Error) Error() string {
	if e.Err == nil {
		return "flight: " + e.Kind.String()
	}
	return "flight: " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause, so errors.Is and errors.As see
// through the wrapper.
func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError classifies err under kind. An err that is already an *Error
// passes through unchanged, keeping its original classification, so
// re-wrapping at each propagation layer is harmless. A nil err returns
// nil.
func WrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the lifecycle classification of err, or KindUnknown for
// nil and for errors that are not lifecycle errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// errExplicitCancel is the cause recorded when a caller cancels a
// request that has no other error.
var errExplicitCancel = errors.New("cancelled by caller")

// cancelledError returns the marker error recorded for explicit
// cancellation.
func cancelledError() error {
	return &Error{Kind: KindCancelled, Err: errExplicitCancel}
}
