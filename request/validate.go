// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"fmt"
	"net/http"
)

// A Validation inspects a completed attempt and returns an error if the
// response is unacceptable. The body is the accumulated response body,
// which is empty for streamed and downloaded requests.
type Validation func(wire *http.Request, resp *http.Response, body []byte) error

// ValidStatus returns a Validation accepting only the given status
// codes.
func ValidStatus(statuses ...int) Validation {
	set := make(map[int]bool, len(statuses))
	for _, status := range statuses {
		set[status] = true
	}
	return func(_ *http.Request, resp *http.Response, _ []byte) error {
		if !set[resp.StatusCode] {
			return fmt.Errorf("flight/request: unacceptable status code %d", resp.StatusCode)
		}
		return nil
	}
}

// ValidContentType returns a Validation accepting only responses whose
// Content-Type header starts with one of the given prefixes. A response
// with no Content-Type header is accepted.
func ValidContentType(prefixes ...string) Validation {
	return func(_ *http.Request, resp *http.Response, _ []byte) error {
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			return nil
		}
		for _, prefix := range prefixes {
			if len(ct) >= len(prefix) && ct[:len(prefix)] == prefix {
				return nil
			}
		}
		return fmt.Errorf("flight/request: unacceptable content type %q", ct)
	}
}

// defaultValidation accepts any 2xx status.
func defaultValidation(_ *http.Request, resp *http.Response, _ []byte) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("flight/request: unacceptable status code %d", resp.StatusCode)
	}
	return nil
}

// Validate queues validations to run when the current attempt's task
// completes, before the retry decision. With no arguments it validates
// that the status code is in the 2xx range. A validation failure
// becomes the attempt's error unless an error was already recorded, so
// retriers see it like any other failure.
func (r *Request) Validate(validations ...Validation) *Request {
	if len(validations) == 0 {
		validations = []Validation{defaultValidation}
	}
	for _, validation := range validations {
		validation := validation
		validator := func() {
			var wire *http.Request
			var resp *http.Response
			var body []byte
			var already error
			r.state.Read(func(s mutableState) {
				if n := len(s.requests); n > 0 {
					wire = s.requests[n-1]
				}
				resp = s.response
				body = s.body
				already = s.err
			})
			if already != nil || resp == nil {
				return
			}
			if err := validation(wire, resp, body); err != nil {
				r.recordError(WrapError(KindValidation, err))
			}
			r.observe(RequestValidated)
		}
		r.state.Write(func(s *mutableState) {
			s.validators = append(s.validators, validator)
		})
	}
	return r
}
