// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"google.golang.org/protobuf/proto"

	"github.com/gogama/flight/dispatch"
)

// A Serializer turns the outcome of a finished request into a typed
// value. It receives the last wire request, the response head, the
// accumulated body, and the request's terminal error, which is nil on
// success. Most serializers return the error unchanged when it is
// non-nil; one that can produce a value anyway, for example an empty
// value for an allowed empty body, may ignore it.
type Serializer[T any] interface {
	Serialize(wire *http.Request, resp *http.Response, body []byte, err error) (T, error)
}

// SerializerFunc adapts a function to the Serializer interface.
type SerializerFunc[T any] func(wire *http.Request, resp *http.Response, body []byte, err error) (T, error)

func (f SerializerFunc[T]) Serialize(wire *http.Request, resp *http.Response, body []byte, err error) (T, error) {
	return f(wire, resp, body, err)
}

// Response is the envelope delivered to a response handler.
type Response[T any] struct {
	// Request is the request the response belongs to.
	Request *Request
	// Response is the response head, or nil if none was received.
	Response *http.Response
	// Body is the accumulated response body.
	Body []byte
	// Value is the serialized value. It is the zero value when Err is
	// non-nil.
	Value T
	// Err is the serialization or terminal request error, or nil.
	Err error
	// Duration is the transport duration of the final attempt, when
	// metrics were gathered.
	Duration time.Duration
	// SerializationDuration is the time spent in the serializer.
	SerializationDuration time.Duration
}

// Result returns the value and error as an ordinary Go pair.
func (resp Response[T]) Result() (T, error) {
	return resp.Value, resp.Err
}

// Respond queues serializer to run once the request finishes, and
// delivers the envelope to completion on queue. Handlers complete in
// registration order, each exactly once per finish. If no handler has
// started the request yet and the session starts requests immediately,
// queuing the first handler resumes the request.
//
// When serialization fails the request's retrier is consulted, so a
// retry can replace the attempt before the handler sees a result.
func Respond[T any](r *Request, queue *dispatch.Queue, serializer Serializer[T], completion func(Response[T])) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if serializer == nil {
		panic("flight: nil serializer")
	}
	if completion == nil {
		panic(nilHandlerMsg)
	}
	r.appendResponseSerializer(func() {
		var wire *http.Request
		var resp *http.Response
		var body []byte
		var terminal error
		r.state.Read(func(s mutableState) {
			if n := len(s.requests); n > 0 {
				wire = s.requests[n-1]
			}
			resp = s.response
			body = s.body
			terminal = s.err
		})
		start := time.Now()
		value, err := serializer.Serialize(wire, resp, body, terminal)
		response := Response[T]{
			Request:               r,
			Response:              resp,
			Body:                  body,
			Value:                 value,
			Err:                   WrapError(KindSerialization, err),
			SerializationDuration: time.Since(start),
		}
		if m := r.Metrics(); m != nil {
			response.Duration = m.Duration()
		}
		r.underlyingQueue.Async(func() {
			r.observe(ResponseParsed)
			if response.Err == nil {
				r.serializerDidComplete(func() {
					queue.Async(func() { completion(response) })
				})
				return
			}
			r.delegate.RetryResult(r, response.Err, func(decision RetryDecision) {
				switch {
				case decision.ShouldRetry():
					delay, _ := decision.Delay()
					r.delegate.RetryRequest(r, delay)
				case decision.ReplacementError() != nil:
					replaced := response
					replaced.Err = WrapError(KindUnknown, decision.ReplacementError())
					var zero T
					replaced.Value = zero
					r.serializerDidComplete(func() {
						queue.Async(func() { completion(replaced) })
					})
				default:
					r.serializerDidComplete(func() {
						queue.Async(func() { completion(response) })
					})
				}
			})
		})
	})
	return r
}

// RespondRaw delivers the accumulated body bytes without decoding.
func RespondRaw(r *Request, queue *dispatch.Queue, completion func(Response[[]byte])) *Request {
	return Respond[[]byte](r, queue, RawSerializer{}, completion)
}

// RespondText delivers the body decoded to a string, honoring the
// response charset.
func RespondText(r *Request, queue *dispatch.Queue, completion func(Response[string])) *Request {
	return Respond[string](r, queue, TextSerializer{}, completion)
}

// RespondJSON delivers the body decoded from JSON into a T.
func RespondJSON[T any](r *Request, queue *dispatch.Queue, completion func(Response[T])) *Request {
	return Respond[T](r, queue, JSONSerializer[T]{}, completion)
}

// RespondProto delivers the body decoded from protobuf wire format into
// a message of type PT.
func RespondProto[T any, PT interface {
	proto.Message
	*T
}](r *Request, queue *dispatch.Queue, completion func(Response[*T])) *Request {
	return Respond[*T](r, queue, ProtoSerializer[T, PT]{}, completion)
}

var errEmptyBody = errors.New("flight/request: empty response body")

// emptyBodyAllowed reports whether an empty body is an acceptable
// outcome for the attempt: HEAD requests and 204 or 205 responses.
func emptyBodyAllowed(wire *http.Request, resp *http.Response) bool {
	if wire != nil && wire.Method == http.MethodHead {
		return true
	}
	if resp != nil && (resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent) {
		return true
	}
	return false
}

// RawSerializer returns the body bytes untouched. An empty body is
// returned as-is.
type RawSerializer struct{}

func (RawSerializer) Serialize(wire *http.Request, resp *http.Response, body []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return body, nil
}

// TextSerializer decodes the body to a string. The charset comes from
// the Encoding field if set, otherwise from the response Content-Type,
// and defaults to UTF-8. Charset names are resolved against the WHATWG
// encoding index, so labels like latin1 or shift_jis work.
type TextSerializer struct {
	Encoding string
}

func (s TextSerializer) Serialize(wire *http.Request, resp *http.Response, body []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	name := s.Encoding
	if name == "" && resp != nil {
		if _, params, merr := mime.ParseMediaType(resp.Header.Get("Content-Type")); merr == nil {
			name = params["charset"]
		}
	}
	if name == "" || strings.EqualFold(name, "utf-8") {
		return string(body), nil
	}
	enc, eerr := htmlindex.Get(name)
	if eerr != nil {
		return "", fmt.Errorf("flight/request: unsupported charset %q", name)
	}
	decoded, derr := enc.NewDecoder().Bytes(body)
	if derr != nil {
		return "", fmt.Errorf("flight/request: decode text: %w", derr)
	}
	return string(decoded), nil
}

// JSONSerializer decodes the body from JSON into a T. An empty body is
// an error unless the attempt allows one, in which case the zero value
// is returned.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Serialize(wire *http.Request, resp *http.Response, body []byte, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if len(body) == 0 {
		if emptyBodyAllowed(wire, resp) {
			return zero, nil
		}
		return zero, errEmptyBody
	}
	var value T
	if uerr := json.Unmarshal(body, &value); uerr != nil {
		return zero, fmt.Errorf("flight/request: decode json: %w", uerr)
	}
	return value, nil
}

// ProtoSerializer decodes the body from protobuf wire format into a
// message of type PT, the pointer type of T. An empty body decodes to
// an empty message when the attempt allows one.
type ProtoSerializer[T any, PT interface {
	proto.Message
	*T
}] struct{}

func (ProtoSerializer[T, PT]) Serialize(wire *http.Request, resp *http.Response, body []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if len(body) == 0 && !emptyBodyAllowed(wire, resp) {
		return nil, errEmptyBody
	}
	value := new(T)
	if uerr := proto.Unmarshal(body, PT(value)); uerr != nil {
		return nil, fmt.Errorf("flight/request: decode proto: %w", uerr)
	}
	return value, nil
}
