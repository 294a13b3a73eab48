// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gogama/flight/dispatch"
	"github.com/gogama/flight/intercept"
	"github.com/gogama/flight/request"
	"github.com/gogama/flight/timeout"
	"github.com/gogama/flight/transport"
)

// A Session creates requests and drives each one through however many
// transport attempts it takes to finish. The session owns the root
// queue all lifecycle work runs on, routes transport events to the
// requests that caused them, consults interceptors about adaptation and
// retries, and fans lifecycle events out to monitors.
//
// Construct sessions with NewSession and share them: a Session is safe
// for concurrent use by multiple goroutines, and requests created by
// the same session share its connection pool and policies.
//
// The exported methods prefixed On, plus Cleanup, RetryResult,
// RetryRequest, StartImmediately, and DefaultHeaders, exist to satisfy
// the transport.Events and request.Delegate contracts. Applications do
// not call them.
type Session struct {
	client             transport.Client
	interceptor        request.Interceptor
	monitor            *compositeMonitor
	logger             *slog.Logger
	timeoutPolicy      timeout.Policy
	headers            http.Header
	manualStart        bool
	rootQueue          *dispatch.Queue
	serializationQueue *dispatch.Queue
	taskMap            *taskMap

	// waitingCompletions and attemptCancels are only touched from the
	// root queue.
	waitingCompletions map[transport.Task]func()
	attemptCancels     map[*request.Request]context.CancelFunc

	mu          sync.Mutex
	invalidated bool
	active      map[*request.Request]struct{}
}

// NewSession builds a Session from cfg, substituting defaults for every
// zero field as documented on Config.
func NewSession(cfg Config) *Session {
	client := cfg.Client
	if client == nil {
		client = &transport.HTTPClient{}
	}
	monitors := cfg.Monitors
	if monitors == nil {
		monitors = []request.Monitor{&SlogMonitor{Logger: cfg.Logger}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rootQueue := cfg.RootQueue
	if rootQueue == nil {
		rootQueue = dispatch.NewQueue()
	}
	serializationQueue := cfg.SerializationQueue
	if serializationQueue == nil {
		serializationQueue = dispatch.NewQueue()
	}
	var headers http.Header
	if len(cfg.Headers) > 0 {
		headers = cfg.Headers.Clone()
	}
	return &Session{
		client:             client,
		interceptor:        cfg.Interceptor,
		monitor:            newCompositeMonitor(monitors),
		logger:             logger,
		timeoutPolicy:      cfg.TimeoutPolicy,
		headers:            headers,
		manualStart:        cfg.ManualStart,
		rootQueue:          rootQueue,
		serializationQueue: serializationQueue,
		taskMap:            newTaskMap(!cfg.NoMetrics),
		waitingCompletions: make(map[transport.Task]func()),
		attemptCancels:     make(map[*request.Request]context.CancelFunc),
		active:             make(map[*request.Request]struct{}),
	}
}

// Request builds a request for the wire request conv describes. The
// request buffers its response body; attach handlers with the
// request.Respond family. Any interceptors given here run before the
// session-level interceptor.
//
// Request never fails synchronously: problems producing the wire
// request surface through the request's terminal error.
func (s *Session) Request(conv request.Convertible, interceptors ...request.Interceptor) *request.Request {
	return s.newRequest(conv, combineInterceptors(interceptors))
}

// Download builds a request that writes its response body to w as it
// arrives instead of buffering it in memory.
func (s *Session) Download(conv request.Convertible, w io.Writer, interceptors ...request.Interceptor) *request.Request {
	return s.newRequest(conv, combineInterceptors(interceptors)).DownloadTo(w)
}

// Upload builds a request that sends body, which may be a string,
// []byte, io.Reader, or io.ReadCloser. The plan's own Body is ignored.
// Upload progress is observable through OnUploadProgress.
func (s *Session) Upload(p *request.Plan, body interface{}, interceptors ...request.Interceptor) *request.Request {
	b, err := request.BodyBytes(body)
	if err != nil {
		return s.newRequest(failingConvertible{err: err}, combineInterceptors(interceptors))
	}
	p2 := new(request.Plan)
	*p2 = *p
	p2.Body = b
	return s.newRequest(p2, combineInterceptors(interceptors))
}

// Stream builds a request that delivers response body chunks to fn on
// queue as they arrive instead of buffering them. The request starts
// once a response handler is attached or Resume is called.
func (s *Session) Stream(conv request.Convertible, queue *dispatch.Queue, fn func([]byte), interceptors ...request.Interceptor) *request.Request {
	return s.newRequest(conv, combineInterceptors(interceptors)).OnStreamData(queue, fn)
}

func (s *Session) newRequest(conv request.Convertible, interceptor request.Interceptor) *request.Request {
	r := request.New(request.Config{
		Queue:              s.rootQueue,
		SerializationQueue: s.serializationQueue,
		Monitor:            s.monitor,
		Interceptor:        interceptor,
		Delegate:           s,
		Convertible:        conv,
	})
	s.mu.Lock()
	invalidated := s.invalidated
	if !invalidated {
		s.active[r] = struct{}{}
	}
	s.mu.Unlock()
	if invalidated {
		s.rootQueue.Async(func() {
			r.DidFailToCreateRequest(&request.Error{Kind: request.KindSessionInvalidated})
		})
		return r
	}
	s.rootQueue.Async(func() { s.performSetupOperations(r) })
	return r
}

// combineInterceptors collapses zero or more interceptors into one that
// runs them in order, or nil when there are none.
func combineInterceptors(interceptors []request.Interceptor) request.Interceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	adapters := make([]request.Adapter, len(interceptors))
	retriers := make([]request.Retrier, len(interceptors))
	for i, interceptor := range interceptors {
		adapters[i] = interceptor
		retriers[i] = interceptor
	}
	return intercept.New(adapters, retriers)
}

// failingConvertible lets constructor errors flow through the request's
// normal creation failure path instead of a synchronous return.
type failingConvertible struct {
	err error
}

func (f failingConvertible) WireRequest() (*http.Request, error) {
	return nil, f.err
}

// performSetupOperations runs the setup pipeline for one attempt on the
// root queue: produce the wire request, adapt it, and hand the result to
// didCreateRequest. The adapter chain runs off the root queue so a slow
// adapter, such as one refreshing a token over the network, does not
// stall every other request of the session.
func (s *Session) performSetupOperations(r *request.Request) {
	wire, err := r.Convertible().WireRequest()
	if err != nil {
		r.DidFailToCreateRequest(err)
		return
	}
	r.DidCreateInitialRequest(wire)
	if r.IsCancelled() {
		return
	}
	adapter := intercept.Merge(r.Interceptor(), s.interceptor)
	if adapter == nil {
		s.didCreateRequest(wire, r)
		return
	}
	ctx := wire.Context()
	go func() {
		adapted, err := adapter.Adapt(ctx, wire)
		s.rootQueue.Async(func() {
			if err != nil {
				r.DidFailToAdaptRequest(wire, err)
				return
			}
			r.DidAdaptRequest(wire, adapted)
			if r.IsCancelled() {
				return
			}
			s.didCreateRequest(adapted, r)
		})
	}()
}

// didCreateRequest finishes the pipeline for an attempt whose wire
// request is final: apply session headers and the attempt deadline,
// create the transport task, and reconcile it with the request's state.
func (s *Session) didCreateRequest(wire *http.Request, r *request.Request) {
	wire = s.finalizeWire(wire, r)
	r.DidCreateRequest(wire)
	if r.IsCancelled() {
		return
	}
	task, err := r.TaskBuilder().BuildTask(wire, s.client, s)
	if err != nil {
		r.DidFailToCreateRequest(err)
		return
	}
	s.taskMap.associate(r, task)
	r.DidCreateTask(task)
	s.updateStatesForTask(task, r)
}

// finalizeWire applies the session headers to wire where the request
// did not set its own, and arms the attempt deadline when the session
// has a timeout policy.
func (s *Session) finalizeWire(wire *http.Request, r *request.Request) *http.Request {
	if len(s.headers) > 0 {
		if wire.Header == nil {
			wire.Header = make(http.Header)
		}
		for name, values := range s.headers {
			if len(wire.Header.Values(name)) == 0 {
				for _, value := range values {
					wire.Header.Add(name, value)
				}
			}
		}
	}
	if s.timeoutPolicy != nil {
		ctx, cancel := context.WithTimeout(wire.Context(), s.timeoutPolicy.Timeout(r))
		s.attemptCancels[r] = cancel
		wire = wire.WithContext(ctx)
	}
	return wire
}

// updateStatesForTask reconciles a freshly created task with the state
// callers drove the request to while the task did not exist yet.
func (s *Session) updateStatesForTask(task transport.Task, r *request.Request) {
	r.WithState(func(state request.State) {
		switch state {
		case request.Resumed:
			task.Resume()
			s.rootQueue.Async(func() { r.DidResumeTask(task) })
		case request.Suspended:
			task.Suspend()
			s.rootQueue.Async(func() { r.DidSuspendTask(task) })
		case request.Cancelled:
			// Resume before cancelling so the attempt still reports
			// metrics and completion.
			task.Resume()
			task.Cancel()
			s.rootQueue.Async(func() { r.DidCancelTask(task) })
		}
	})
}

// CancelAll cancels every request the session currently owns.
func (s *Session) CancelAll() {
	for _, r := range s.activeSnapshot() {
		r.Cancel()
	}
}

// Invalidate stops the session accepting new work. Requests already in
// flight run to completion, but requests created afterwards fail with a
// request.KindSessionInvalidated error, and pending retries are
// cancelled because retrying needs a fresh task. Use CancelAll first
// for a hard stop.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
}

// ActiveCount returns the number of requests the session currently
// owns, including requests waiting between retry attempts.
func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Session) isInvalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

func (s *Session) activeSnapshot() []*request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]*request.Request, 0, len(s.active))
	for r := range s.active {
		reqs = append(reqs, r)
	}
	return reqs
}

// Cleanup implements request.Delegate.
func (s *Session) Cleanup(r *request.Request) {
	if cancel, ok := s.attemptCancels[r]; ok {
		delete(s.attemptCancels, r)
		cancel()
	}
	s.mu.Lock()
	delete(s.active, r)
	s.mu.Unlock()
}

// RetryResult implements request.Delegate. The merged retrier chain is
// consulted off the root queue, because a retrier may block, and its
// decision is posted back onto it.
func (s *Session) RetryResult(r *request.Request, err error, completion func(request.RetryDecision)) {
	retrier := intercept.Merge(r.Interceptor(), s.interceptor)
	if retrier == nil {
		s.rootQueue.Async(func() { completion(request.DoNotRetry()) })
		return
	}
	go func() {
		decision := retrier.Retry(r, err)
		s.rootQueue.Async(func() { completion(decision) })
	}()
}

// RetryRequest implements request.Delegate. After the delay the request
// is reset and driven through the setup pipeline again. A session that
// has been invalidated cancels the request instead, since a retry needs
// a fresh task.
func (s *Session) RetryRequest(r *request.Request, delay time.Duration) {
	s.rootQueue.AsyncAfter(delay, func() {
		if r.IsCancelled() {
			return
		}
		if s.isInvalidated() {
			r.Cancel()
			return
		}
		s.mu.Lock()
		s.active[r] = struct{}{}
		s.mu.Unlock()
		r.PrepareForRetry()
		s.performSetupOperations(r)
	})
}

// StartImmediately implements request.Delegate.
func (s *Session) StartImmediately() bool {
	return !s.manualStart
}

// DefaultHeaders implements request.Delegate.
func (s *Session) DefaultHeaders() http.Header {
	return s.headers
}

// Transport events arrive on transport goroutines and hop onto the root
// queue before touching any request. The request-and-reply events block
// their transport goroutine until the root queue answers, which
// preserves the transport's per-task event order.

// OnResponse implements transport.Events.
func (s *Session) OnResponse(task transport.Task, resp *http.Response) transport.Disposition {
	reply := make(chan transport.Disposition, 1)
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("response")
			reply <- transport.Allow
			return
		}
		r.DidReceiveResponse(resp)
		if r.IsCancelled() {
			reply <- transport.Cancel
			return
		}
		reply <- transport.Allow
	})
	return <-reply
}

// OnData implements transport.Events.
func (s *Session) OnData(task transport.Task, chunk []byte) {
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("data")
			return
		}
		r.DidReceiveData(chunk)
	})
}

// OnRedirect implements transport.Events.
func (s *Session) OnRedirect(task transport.Task, target *http.Request, via []*http.Request) *http.Request {
	reply := make(chan *http.Request, 1)
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("redirect")
			reply <- target
			return
		}
		if h := r.RedirectHandler(); h != nil {
			reply <- h.Redirect(r, target, via)
			return
		}
		reply <- target
	})
	return <-reply
}

// OnChallenge implements transport.Events.
func (s *Session) OnChallenge(task transport.Task, challenge transport.Challenge) (transport.Credential, bool) {
	type answer struct {
		cred transport.Credential
		ok   bool
	}
	reply := make(chan answer, 1)
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("challenge")
			reply <- answer{}
			return
		}
		if cred := r.Credential(); cred != nil {
			reply <- answer{cred: *cred, ok: true}
			return
		}
		reply <- answer{}
	})
	a := <-reply
	return a.cred, a.ok
}

// ShouldCache reports whether the request that owns task permits its
// response to be stored in a transport-level response cache. Without a
// cache handler on the request, and for unknown tasks, storing is
// permitted.
//
// ShouldCache is not part of transport.Events. A transport that keeps a
// response cache discovers it by asserting the Events value it was given
// to interface{ ShouldCache(transport.Task, *http.Response) bool }. It
// answers directly, from any goroutine, without entering the root queue.
func (s *Session) ShouldCache(task transport.Task, resp *http.Response) bool {
	r := s.taskMap.requestForTask(task)
	if r == nil {
		s.logUnknownTask("cache query")
		return true
	}
	if h := r.CacheHandler(); h != nil {
		return h.ShouldCache(r, resp)
	}
	return true
}

// OnSentBodyData implements transport.Events.
func (s *Session) OnSentBodyData(task transport.Task, bytesSent, totalBytesSent, totalBytesExpected int64) {
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("sent body data")
			return
		}
		r.DidSendBodyData(bytesSent, totalBytesSent, totalBytesExpected)
	})
}

// OnMetrics implements transport.Events.
func (s *Session) OnMetrics(task transport.Task, metrics *transport.Metrics) {
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("metrics")
			return
		}
		r.DidGatherMetrics(metrics)
		if s.taskMap.disassociateAfterGatheringMetrics(task) {
			if completion, ok := s.waitingCompletions[task]; ok {
				delete(s.waitingCompletions, task)
				completion()
			}
		}
	})
}

// OnComplete implements transport.Events. Completion handling waits for
// the task's metrics when the transport has not delivered them yet, so
// a request always sees its metrics before its completion.
func (s *Session) OnComplete(task transport.Task, err error) {
	s.rootQueue.Async(func() {
		r := s.taskMap.requestForTask(task)
		if r == nil {
			s.logUnknownTask("completion")
			return
		}
		if cancel, ok := s.attemptCancels[r]; ok {
			delete(s.attemptCancels, r)
			cancel()
		}
		completion := func() { r.DidCompleteTask(task, err) }
		if s.taskMap.disassociateAfterCompleting(task) {
			completion()
		} else {
			s.waitingCompletions[task] = completion
		}
	})
}

func (s *Session) logUnknownTask(event string) {
	s.logger.Warn("event for unknown task", "event", event)
}
