// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	urlpkg "net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var template, _ = http.NewRequest("GET", "", nil)

const nilCtxMsg = "flight/request: nil context"

// A Plan is the standard Convertible: a logical HTTP request description
// from which wire requests are built. One Plan may produce several wire
// requests over the life of a Request, one per attempt, because the
// adapter chain and retries each rebuild from the same description.
//
// The field structure mirrors the lower-level http.Request with
// server-only fields removed and the body simplified to a buffered byte
// slice, since a retryable request must be able to replay its body.
//
// Like http.Request, a Plan has a context covering everything done on its
// behalf; cancelling it aborts in-flight work derived from the Plan.
type Plan struct {
	// Method specifies the HTTP method (GET, POST, PUT, etc.).
	// An empty string means GET.
	Method string

	// URL specifies the URL to access.
	//
	// The URL's Host specifies the server to connect to, while the
	// plan's Host field optionally specifies the Host header value to
	// send in the HTTP request.
	URL *urlpkg.URL

	// Header contains the request header fields to be sent.
	Header http.Header

	// Body is the pre-buffered request body. A nil or empty body means
	// no request body is sent.
	Body []byte

	// Close stipulates whether to close the connection after this
	// request, preventing TCP connection re-use between attempts.
	Close bool

	// Host optionally overrides the Host header to send. If empty, the
	// value of URL.Host is sent.
	Host string

	// ctx covers the whole plan. It should only be modified by copying
	// the whole Plan using WithContext.
	ctx context.Context
}

// NewPlan wraps NewPlanWithContext using the background context.
//
// Parameter body may be nil (empty body), or it may be a string, []byte,
// io.Reader, or io.ReadCloser. A reader is read to its end and buffered;
// a closer is closed after buffering.
func NewPlan(method, url string, body interface{}) (*Plan, error) {
	return NewPlanWithContext(context.Background(), method, url, body)
}

// NewPlanWithContext returns a new Plan given a method, URL, and optional
// body.
//
// Parameter body may be nil (empty body), or it may be a string, []byte,
// io.Reader, or io.ReadCloser. A reader is read to its end and buffered;
// a closer is closed after buffering.
func NewPlanWithContext(ctx context.Context, method, url string, body interface{}) (*Plan, error) {
	if ctx == nil {
		return nil, errors.New(nilCtxMsg)
	}
	if method == "" {
		method = "GET"
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("flight/request: invalid method %q", method)
	}
	u, err := urlpkg.Parse(url)
	if err != nil {
		return nil, err
	}
	u.Host = removeEmptyPort(u.Host)
	b, err := BodyBytes(body)
	if err != nil {
		return nil, err
	}
	return &Plan{
		ctx:    ctx,
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   b,
		Host:   u.Host,
	}, nil
}

// Context returns the plan's context. The returned context is always
// non-nil; it defaults to the background context. To change the context,
// use WithContext.
func (p *Plan) Context() context.Context {
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of p with its context changed to
// ctx, which must be non-nil.
func (p *Plan) WithContext(ctx context.Context) *Plan {
	if ctx == nil {
		panic(nilCtxMsg)
	}
	p2 := new(Plan)
	*p2 = *p
	p2.ctx = ctx
	return p2
}

// AddCookie adds a cookie to the plan. Per RFC 6265 section 5.4,
// AddCookie does not attach more than one Cookie header field: all
// cookies are written into the same line, separated by semicolons.
//
// AddCookie only sanitizes c's name and value, and does not sanitize a
// Cookie header already present in the plan.
func (p *Plan) AddCookie(c *http.Cookie) {
	c2 := &http.Cookie{Name: c.Name, Value: c.Value}
	s := c2.String()
	if h := p.Header.Get("Cookie"); h != "" {
		p.Header.Set("Cookie", h+"; "+s)
	} else {
		p.Header.Set("Cookie", s)
	}
}

// SetBasicAuth sets the plan's Authorization header to use HTTP Basic
// Authentication with the provided username and password, which are not
// encrypted.
//
// Some protocols may impose additional requirements on pre-escaping the
// username and password. For instance, when used with OAuth2, both
// arguments must be URL encoded first with url.QueryEscape.
func (p *Plan) SetBasicAuth(username, password string) {
	p.Header.Set("Authorization", "Basic "+basicAuth(username, password))
}

// WireRequest builds the wire request described by the plan, satisfying
// Convertible. The new request carries the plan's context and, when a
// body is present, a GetBody hook so the transport can replay it.
//
// Header fields are checked against RFC 7230: an invalid field name or
// value is an error here rather than a failed attempt later.
func (p *Plan) WireRequest() (*http.Request, error) {
	if err := validHeader(p.Header); err != nil {
		return nil, err
	}
	r := template.WithContext(p.Context())
	r.Method = p.Method
	r.URL = p.URL
	// Each attempt gets its own header map: adapters and session default
	// headers mutate the wire request, and that must not leak into the
	// plan or into other attempts.
	r.Header = p.Header.Clone()
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	if len(p.Body) > 0 {
		body := p.Body
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
	}
	r.Close = p.Close
	r.Host = p.Host
	return r, nil
}

// basicAuth is lifted verbatim from net/http/client.go.
//
// See 2 (end of page 4) https://www.ietf.org/rfc/rfc2617.txt
// "To receive authorization, the client sends the userid and password,
// separated by a single colon (":") character, within a base64
// encoded string in the credentials."
// It is not meant to be urlencoded.
func basicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}

// validMethod checks that method is a token per RFC 7230 section 3.2.6.
// The empty string never reaches here because it is interpreted as GET.
func validMethod(method string) bool {
	return strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}

func validHeader(h http.Header) error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("flight/request: invalid header field name %q", name)
		}
		for _, value := range values {
			if !httpguts.ValidHeaderFieldValue(value) {
				return fmt.Errorf("flight/request: invalid value for header field %q", name)
			}
		}
	}
	return nil
}

// hasPort is lifted verbatim from net/http/http.go
//
// Given a string of the form "host", "host:port", or "[ipv6::address]:port",
// return true if the string includes a port.
func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

// removeEmptyPort is lifted verbatim from net/http/http.go
//
// removeEmptyPort strips the empty port in ":port" to ""
// as mandated by RFC 3986 Section 6.2.3.
func removeEmptyPort(host string) string {
	if hasPort(host) {
		return strings.TrimSuffix(host, ":")
	}
	return host
}
