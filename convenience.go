// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"net/url"
	"strings"

	"github.com/gogama/flight/request"
)

// Get builds a request that issues a GET to the specified URL, using
// the session's policies.
//
// To customize headers or other details of the wire request, use
// request.NewPlan and Session.Request.
func (s *Session) Get(url string, interceptors ...request.Interceptor) *request.Request {
	return s.planned("GET", url, "", nil, interceptors)
}

// Head builds a request that issues a HEAD to the specified URL, using
// the session's policies.
//
// To customize headers or other details of the wire request, use
// request.NewPlan and Session.Request.
func (s *Session) Head(url string, interceptors ...request.Interceptor) *request.Request {
	return s.planned("HEAD", url, "", nil, interceptors)
}

// Post builds a request that issues a POST to the specified URL, using
// the session's policies.
//
// The body parameter may be nil for an empty body, or may be any of the
// types supported by request.NewPlan and request.BodyBytes, namely:
// string; []byte; io.Reader; and io.ReadCloser.
func (s *Session) Post(url, contentType string, body interface{}, interceptors ...request.Interceptor) *request.Request {
	return s.planned("POST", url, contentType, body, interceptors)
}

// PostForm builds a request that issues a form POST to the specified
// URL, using the session's policies. The request body is set to the
// URL-encoded keys and values from data, and the content type is set
// to application/x-www-form-urlencoded.
func (s *Session) PostForm(url string, data url.Values, interceptors ...request.Interceptor) *request.Request {
	return s.planned("POST", url, "application/x-www-form-urlencoded", strings.NewReader(data.Encode()), interceptors)
}

// Put builds a request that issues a PUT to the specified URL, using
// the session's policies. The body parameter accepts the same types as
// Post.
func (s *Session) Put(url, contentType string, body interface{}, interceptors ...request.Interceptor) *request.Request {
	return s.planned("PUT", url, contentType, body, interceptors)
}

// Delete builds a request that issues a DELETE to the specified URL,
// using the session's policies.
func (s *Session) Delete(url string, interceptors ...request.Interceptor) *request.Request {
	return s.planned("DELETE", url, "", nil, interceptors)
}

func (s *Session) planned(method, url, contentType string, body interface{}, interceptors []request.Interceptor) *request.Request {
	p, err := request.NewPlan(method, url, body)
	if err != nil {
		return s.newRequest(failingConvertible{err: err}, combineInterceptors(interceptors))
	}
	if contentType != "" {
		p.Header.Set("Content-Type", contentType)
	}
	return s.newRequest(p, combineInterceptors(interceptors))
}
