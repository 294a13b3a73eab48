// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/gogama/flight/dispatch"
	"github.com/gogama/flight/guard"
	"github.com/gogama/flight/transient"
	"github.com/gogama/flight/transport"
)

const (
	nilQueueMsg   = "flight: nil queue"
	nilHandlerMsg = "flight: nil handler"
)

// Config carries the collaborators a Request needs. Sessions build the
// Config; applications normally never construct a Request directly.
type Config struct {
	// Queue is the serial queue all lifecycle events for the request
	// run on. Required.
	Queue *dispatch.Queue
	// SerializationQueue is the serial queue response serializers run
	// on. It may be the same queue as Queue. Required.
	SerializationQueue *dispatch.Queue
	// Monitor receives lifecycle events. Optional.
	Monitor Monitor
	// Interceptor adapts and retries this request in addition to any
	// session-level interceptor. Optional.
	Interceptor Interceptor
	// Delegate performs the lifecycle work a request cannot do alone.
	// Required.
	Delegate Delegate
	// Convertible produces the initial wire request. Required.
	Convertible Convertible
	// TaskBuilder customizes transport task creation. Optional; the
	// default builder asks the transport client directly.
	TaskBuilder TaskBuilder
}

// handler pairs bundle a callback with the queue it runs on.
type progressHandler struct {
	queue *dispatch.Queue
	fn    func(Progress)
}

type streamHandler struct {
	queue *dispatch.Queue
	fn    func([]byte)
}

type curlHandler struct {
	queue *dispatch.Queue
	fn    func(string)
}

type wireRequestHandler struct {
	queue *dispatch.Queue
	fn    func(*http.Request)
}

type taskHandler struct {
	queue *dispatch.Queue
	fn    func(transport.Task)
}

// RedirectHandler decides how a request follows redirects. Return the
// request to follow, a modified copy, or nil to stop and deliver the
// redirect response itself.
type RedirectHandler interface {
	Redirect(r *Request, target *http.Request, via []*http.Request) *http.Request
}

// CacheHandler decides whether a response may be stored by a caching
// transport.
type CacheHandler interface {
	ShouldCache(r *Request, resp *http.Response) bool
}

// mutableState is every mutable datum of a Request, kept behind a
// single guard so each field has exactly one protection story.
type mutableState struct {
	state                 State
	requests              []*http.Request
	tasks                 []transport.Task
	metrics               []*transport.Metrics
	retryCount            int
	attemptTimeouts       int
	err                   error
	response              *http.Response
	body                  []byte
	uploadProgress        Progress
	downloadProgress      Progress
	uploadHandler         *progressHandler
	downloadHandler       *progressHandler
	credential            *transport.Credential
	redirectHandler       RedirectHandler
	cacheHandler          CacheHandler
	wireHandler           *wireRequestHandler
	taskHandler           *taskHandler
	curlHandler           *curlHandler
	streams               []streamHandler
	downloadSink          io.Writer
	validators            []func()
	responseSerializers   []func()
	serializerCompletions []func()
	processingFinished    bool
	isFinishing           bool
	finishHandlers        []func()
	taskCompleted         bool
	lastTimeout           bool
	data                  context.Context
}

// Request is one logical HTTP request from creation through however
// many transport attempts it takes to finish. A Request remembers every
// wire request and task it produced, the terminal error if any, and the
// response serializers waiting on the outcome.
//
// All exported methods are safe for concurrent use. Methods whose names
// begin with Did are lifecycle events and must only be called on the
// request's queue; that is the delegate's job, not the application's.
type Request struct {
	id                 uuid.UUID
	underlyingQueue    *dispatch.Queue
	serializationQueue *dispatch.Queue
	monitor            Monitor
	interceptor        Interceptor
	delegate           Delegate
	convertible        Convertible
	taskBuilder        TaskBuilder

	state guard.Guard[mutableState]

	doneOnce sync.Once
	done     chan struct{}
}

// New constructs a Request from cfg. It panics if a required
// collaborator is missing.
func New(cfg Config) *Request {
	if cfg.Queue == nil || cfg.SerializationQueue == nil {
		panic(nilQueueMsg)
	}
	if cfg.Delegate == nil {
		panic("flight: nil delegate")
	}
	if cfg.Convertible == nil {
		panic("flight: nil convertible")
	}
	builder := cfg.TaskBuilder
	if builder == nil {
		builder = TaskBuilderFunc(func(wire *http.Request, client transport.Client, events transport.Events) (transport.Task, error) {
			return client.CreateTask(wire, events)
		})
	}
	return &Request{
		id:                 uuid.Must(uuid.NewV7()),
		underlyingQueue:    cfg.Queue,
		serializationQueue: cfg.SerializationQueue,
		monitor:            cfg.Monitor,
		interceptor:        cfg.Interceptor,
		delegate:           cfg.Delegate,
		convertible:        cfg.Convertible,
		taskBuilder:        builder,
		done:               make(chan struct{}),
	}
}

// ID returns the unique, time-ordered identity of the request.
func (r *Request) ID() uuid.UUID { return r.id }

// Convertible returns the value the initial wire request is built from.
func (r *Request) Convertible() Convertible { return r.convertible }

// Interceptor returns the request-level interceptor, or nil.
func (r *Request) Interceptor() Interceptor { return r.interceptor }

// TaskBuilder returns the builder used to create transport tasks.
func (r *Request) TaskBuilder() TaskBuilder { return r.taskBuilder }

// Done returns a channel closed when the request has finished and all
// completion handlers have run. A retry that reopens processing does
// not reopen the channel.
func (r *Request) Done() <-chan struct{} { return r.done }

// State returns the current lifecycle state.
func (r *Request) State() State {
	var state State
	r.state.Read(func(s mutableState) { state = s.state })
	return state
}

// WithState runs fn with the current state while holding the state
// lock, so no transition can interleave. fn must not call back into the
// request.
func (r *Request) WithState(fn func(state State)) {
	r.state.Read(func(s mutableState) { fn(s.state) })
}

// IsInitialized reports whether the request has not yet been resumed,
// suspended, or cancelled.
func (r *Request) IsInitialized() bool { return r.State() == Initialized }

// IsResumed reports whether the request was last resumed.
func (r *Request) IsResumed() bool { return r.State() == Resumed }

// IsSuspended reports whether the request was last suspended.
func (r *Request) IsSuspended() bool { return r.State() == Suspended }

// IsCancelled reports whether the request was cancelled.
func (r *Request) IsCancelled() bool { return r.State() == Cancelled }

// IsFinished reports whether all response serializers have completed.
func (r *Request) IsFinished() bool { return r.State() == Finished }

// Err returns the terminal error recorded so far, or nil. The value is
// always a *Error once recorded.
func (r *Request) Err() error {
	var err error
	r.state.Read(func(s mutableState) { err = s.err })
	return err
}

// Response returns the last response received, or nil.
func (r *Request) Response() *http.Response {
	var resp *http.Response
	r.state.Read(func(s mutableState) { resp = s.response })
	return resp
}

// Body returns the response body accumulated for the current attempt.
// Callers must not modify the returned slice.
func (r *Request) Body() []byte {
	var body []byte
	r.state.Read(func(s mutableState) { body = s.body })
	return body
}

// Requests returns every wire request created for this request, initial
// and adapted, in creation order.
func (r *Request) Requests() []*http.Request {
	var requests []*http.Request
	r.state.Read(func(s mutableState) {
		requests = make([]*http.Request, len(s.requests))
		copy(requests, s.requests)
	})
	return requests
}

// LastRequest returns the most recent wire request, or nil if none has
// been created yet.
func (r *Request) LastRequest() *http.Request {
	var last *http.Request
	r.state.Read(func(s mutableState) {
		if n := len(s.requests); n > 0 {
			last = s.requests[n-1]
		}
	})
	return last
}

// Tasks returns every transport task created for this request in
// creation order.
func (r *Request) Tasks() []transport.Task {
	var tasks []transport.Task
	r.state.Read(func(s mutableState) {
		tasks = make([]transport.Task, len(s.tasks))
		copy(tasks, s.tasks)
	})
	return tasks
}

// LastTask returns the most recent transport task, or nil.
func (r *Request) LastTask() transport.Task {
	var last transport.Task
	r.state.Read(func(s mutableState) {
		if n := len(s.tasks); n > 0 {
			last = s.tasks[n-1]
		}
	})
	return last
}

// AllMetrics returns the metrics gathered for every attempt so far.
func (r *Request) AllMetrics() []*transport.Metrics {
	var metrics []*transport.Metrics
	r.state.Read(func(s mutableState) {
		metrics = make([]*transport.Metrics, len(s.metrics))
		copy(metrics, s.metrics)
	})
	return metrics
}

// Metrics returns the metrics for the most recent attempt, or nil.
func (r *Request) Metrics() *transport.Metrics {
	var last *transport.Metrics
	r.state.Read(func(s mutableState) {
		if n := len(s.metrics); n > 0 {
			last = s.metrics[n-1]
		}
	})
	return last
}

// RetryCount returns how many times the request has been retried. It is
// zero during the first attempt.
func (r *Request) RetryCount() int {
	var n int
	r.state.Read(func(s mutableState) { n = s.retryCount })
	return n
}

// AttemptTimeouts returns how many attempts, including the current one,
// ended in a timeout. The count accumulates across retries.
func (r *Request) AttemptTimeouts() int {
	var n int
	r.state.Read(func(s mutableState) { n = s.attemptTimeouts })
	return n
}

// TimedOut reports whether the most recently completed attempt ended in
// a timeout. Unlike the error record, it survives the reset before a
// retry, so timeout policies can see how the previous attempt went.
func (r *Request) TimedOut() bool {
	var timedOut bool
	r.state.Read(func(s mutableState) { timedOut = s.lastTimeout })
	return timedOut
}

// UploadProgress returns progress writing the request body.
func (r *Request) UploadProgress() Progress {
	var p Progress
	r.state.Read(func(s mutableState) { p = s.uploadProgress })
	return p
}

// DownloadProgress returns progress reading the response body.
func (r *Request) DownloadProgress() Progress {
	var p Progress
	r.state.Read(func(s mutableState) { p = s.downloadProgress })
	return p
}

// Credential returns the credential for authentication challenges, or
// nil.
func (r *Request) Credential() *transport.Credential {
	var cred *transport.Credential
	r.state.Read(func(s mutableState) { cred = s.credential })
	return cred
}

// RedirectHandler returns the redirect handler, or nil.
func (r *Request) RedirectHandler() RedirectHandler {
	var h RedirectHandler
	r.state.Read(func(s mutableState) { h = s.redirectHandler })
	return h
}

// CacheHandler returns the cache handler, or nil.
func (r *Request) CacheHandler() CacheHandler {
	var h CacheHandler
	r.state.Read(func(s mutableState) { h = s.cacheHandler })
	return h
}

// SetValue stores arbitrary data on the request, for example for an
// adapter to hand information to its retrier.
//
// The key must follow the same rules as the key parameter in
// context.WithValue, namely it:
//
// • it may not be nil;
//
// • it must be comparable;
//
// • it should not be of type string or any other built-in type to avoid
// collisions between different components putting data into the same
// request.
func (r *Request) SetValue(key, value interface{}) {
	r.state.Write(func(s *mutableState) {
		ctx := s.data
		if ctx == nil {
			ctx = context.Background()
		}
		s.data = context.WithValue(ctx, key, value)
	})
}

// Value returns the data value associated with this request for key, or
// nil if there is no value associated with key.
func (r *Request) Value(key interface{}) interface{} {
	var ctx context.Context
	r.state.Read(func(s mutableState) { ctx = s.data })
	if ctx == nil {
		return nil
	}
	return ctx.Value(key)
}

// Resume starts or restarts the request. Resuming an already resumed,
// cancelled, or finished request has no effect.
func (r *Request) Resume() *Request {
	r.state.Write(func(s *mutableState) {
		if !s.state.CanTransition(Resumed) {
			return
		}
		s.state = Resumed
		r.underlyingQueue.Async(func() { r.observe(RequestResumed) })
		if len(s.tasks) == 0 || s.taskCompleted {
			return
		}
		task := s.tasks[len(s.tasks)-1]
		task.Resume()
		r.underlyingQueue.Async(func() { r.DidResumeTask(task) })
	})
	return r
}

// Suspend pauses the request. Suspending an already suspended,
// cancelled, or finished request has no effect.
func (r *Request) Suspend() *Request {
	r.state.Write(func(s *mutableState) {
		if !s.state.CanTransition(Suspended) {
			return
		}
		s.state = Suspended
		r.underlyingQueue.Async(func() { r.observe(RequestSuspended) })
		if len(s.tasks) == 0 || s.taskCompleted {
			return
		}
		task := s.tasks[len(s.tasks)-1]
		task.Suspend()
		r.underlyingQueue.Async(func() { r.DidSuspendTask(task) })
	})
	return r
}

// Cancel cancels the request. If no error was recorded yet the terminal
// error becomes a *Error of KindCancelled. Cancelling an already
// cancelled or finished request has no effect.
func (r *Request) Cancel() *Request {
	r.state.Write(func(s *mutableState) {
		if !s.state.CanTransition(Cancelled) {
			return
		}
		s.state = Cancelled
		if s.err == nil {
			s.err = cancelledError()
		}
		r.underlyingQueue.Async(func() { r.observe(RequestCancelled) })
		if len(s.tasks) == 0 || s.taskCompleted {
			r.underlyingQueue.Async(func() { r.finish(nil) })
			return
		}
		// Resume before cancelling so a suspended task still reports
		// metrics and completion for the attempt.
		task := s.tasks[len(s.tasks)-1]
		task.Resume()
		task.Cancel()
		r.underlyingQueue.Async(func() { r.DidCancelTask(task) })
	})
	return r
}

// WithCredential sets the credential offered when the transport reports
// an authentication challenge. Setting it twice panics.
func (r *Request) WithCredential(cred transport.Credential) *Request {
	r.state.Write(func(s *mutableState) {
		if s.credential != nil {
			panic("flight: credential already set")
		}
		s.credential = &cred
	})
	return r
}

// WithBasicAuth is shorthand for WithCredential with a username and
// password pair.
func (r *Request) WithBasicAuth(username, password string) *Request {
	return r.WithCredential(transport.Credential{Username: username, Password: password})
}

// WithRedirectHandler sets the redirect handler. Setting it twice
// panics.
func (r *Request) WithRedirectHandler(h RedirectHandler) *Request {
	if h == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		if s.redirectHandler != nil {
			panic("flight: redirect handler already set")
		}
		s.redirectHandler = h
	})
	return r
}

// WithCacheHandler sets the cache handler. Setting it twice panics.
func (r *Request) WithCacheHandler(h CacheHandler) *Request {
	if h == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		if s.cacheHandler != nil {
			panic("flight: cache handler already set")
		}
		s.cacheHandler = h
	})
	return r
}

// OnUploadProgress calls fn on queue as the request body is written.
// The latest registration wins.
func (r *Request) OnUploadProgress(queue *dispatch.Queue, fn func(Progress)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		s.uploadHandler = &progressHandler{queue: queue, fn: fn}
	})
	return r
}

// OnDownloadProgress calls fn on queue as the response body arrives.
// The latest registration wins.
func (r *Request) OnDownloadProgress(queue *dispatch.Queue, fn func(Progress)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		s.downloadHandler = &progressHandler{queue: queue, fn: fn}
	})
	return r
}

// OnWireRequest calls fn on queue once the final wire request for an
// attempt is ready. The latest registration wins.
func (r *Request) OnWireRequest(queue *dispatch.Queue, fn func(*http.Request)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		s.wireHandler = &wireRequestHandler{queue: queue, fn: fn}
	})
	return r
}

// OnTask calls fn on queue each time a transport task is created for
// the request. The latest registration wins.
func (r *Request) OnTask(queue *dispatch.Queue, fn func(transport.Task)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		s.taskHandler = &taskHandler{queue: queue, fn: fn}
	})
	return r
}

// OnStreamData calls fn on queue with each chunk of response body as it
// arrives. Once any stream handler is registered the request stops
// accumulating the body, so serializers that need it see an empty body.
// Handlers must treat chunks as read-only.
func (r *Request) OnStreamData(queue *dispatch.Queue, fn func([]byte)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	r.state.Write(func(s *mutableState) {
		s.streams = append(s.streams, streamHandler{queue: queue, fn: fn})
	})
	return r
}

// DownloadTo writes the response body to w instead of accumulating it
// in memory. Writes happen on the queue delivering transport events.
// Setting a sink twice panics.
func (r *Request) DownloadTo(w io.Writer) *Request {
	if w == nil {
		panic("flight: nil writer")
	}
	r.state.Write(func(s *mutableState) {
		if s.downloadSink != nil {
			panic("flight: download sink already set")
		}
		s.downloadSink = w
	})
	return r
}

// OnFinish calls fn after the request finishes and its completion
// handlers have run. If the request already finished, fn runs
// immediately on the caller's goroutine.
func (r *Request) OnFinish(fn func()) *Request {
	if fn == nil {
		panic(nilHandlerMsg)
	}
	var runNow bool
	r.state.Write(func(s *mutableState) {
		// Cancelled requests drain and clean up without ever entering
		// Finished, so test the drain flags rather than the state.
		if s.processingFinished && !s.isFinishing && (s.state == Finished || s.state == Cancelled) {
			runNow = true
			return
		}
		s.finishHandlers = append(s.finishHandlers, fn)
	})
	if runNow {
		fn()
	}
	return r
}

// CURLDescription calls fn on queue with a curl command equivalent to
// the request. If a wire request already exists fn is called right
// away; otherwise it is called once one is created or creation fails.
func (r *Request) CURLDescription(queue *dispatch.Queue, fn func(string)) *Request {
	if queue == nil {
		panic(nilQueueMsg)
	}
	if fn == nil {
		panic(nilHandlerMsg)
	}
	var ready bool
	r.state.Write(func(s *mutableState) {
		if len(s.requests) > 0 {
			ready = true
			return
		}
		s.curlHandler = &curlHandler{queue: queue, fn: fn}
	})
	if ready {
		desc := r.curlDescription()
		queue.Async(func() { fn(desc) })
	}
	return r
}

// observe forwards evt to the monitor, if any. Callers already on the
// request's queue call it directly; others enqueue it.
func (r *Request) observe(evt Event) {
	if r.monitor != nil {
		r.monitor.Observe(evt, r)
	}
}

// recordError records err as the terminal error unless one is already
// recorded. The first error wins.
func (r *Request) recordError(err error) {
	if err == nil {
		return
	}
	r.state.Write(func(s *mutableState) {
		if s.err == nil {
			s.err = err
		}
	})
}

// Lifecycle events. Everything below must run on the request's queue.

// DidCreateInitialRequest records the wire request produced by the
// convertible, before adaptation.
func (r *Request) DidCreateInitialRequest(wire *http.Request) {
	r.state.Write(func(s *mutableState) {
		s.requests = append(s.requests, wire)
	})
	r.observe(InitialRequestCreated)
}

// DidFailToCreateRequest records that the convertible could not produce
// a wire request, then retries or finishes.
func (r *Request) DidFailToCreateRequest(err error) {
	r.recordError(WrapError(KindRequestCreation, err))
	r.observe(RequestCreationFailed)
	r.callCURLHandlerIfNecessary()
	r.retryOrFinish(r.Err())
}

// DidAdaptRequest records the wire request produced by the adapter
// chain.
func (r *Request) DidAdaptRequest(initial, adapted *http.Request) {
	r.state.Write(func(s *mutableState) {
		s.requests = append(s.requests, adapted)
	})
	r.observe(RequestAdapted)
}

// DidFailToAdaptRequest records that the adapter chain failed, then
// retries or finishes.
func (r *Request) DidFailToAdaptRequest(initial *http.Request, err error) {
	r.recordError(WrapError(KindAdaptation, err))
	r.observe(RequestAdaptationFailed)
	r.callCURLHandlerIfNecessary()
	r.retryOrFinish(r.Err())
}

// DidCreateRequest marks the final wire request for an attempt ready.
func (r *Request) DidCreateRequest(final *http.Request) {
	var h *wireRequestHandler
	r.state.Read(func(s mutableState) { h = s.wireHandler })
	if h != nil {
		h.queue.Async(func() { h.fn(final) })
	}
	r.observe(RequestReady)
	r.callCURLHandlerIfNecessary()
}

// DidCreateTask records a transport task created for the current
// attempt.
func (r *Request) DidCreateTask(task transport.Task) {
	var h *taskHandler
	r.state.Write(func(s *mutableState) {
		s.tasks = append(s.tasks, task)
		s.taskCompleted = false
		h = s.taskHandler
	})
	if h != nil {
		h.queue.Async(func() { h.fn(task) })
	}
	r.observe(TaskCreated)
}

// DidResumeTask records that the current task was resumed.
func (r *Request) DidResumeTask(task transport.Task) {
	r.observe(TaskResumed)
}

// DidSuspendTask records that the current task was suspended.
func (r *Request) DidSuspendTask(task transport.Task) {
	r.observe(TaskSuspended)
}

// DidCancelTask records that the current task was cancelled.
func (r *Request) DidCancelTask(task transport.Task) {
	r.observe(TaskCancelled)
}

// DidReceiveResponse records the response head for the current attempt.
func (r *Request) DidReceiveResponse(resp *http.Response) {
	r.state.Write(func(s *mutableState) {
		s.response = resp
		if resp != nil && resp.ContentLength >= 0 {
			s.downloadProgress.Total = resp.ContentLength
		}
	})
	r.observe(ResponseReceived)
}

// DidReceiveData records a chunk of response body, routing it to the
// download sink or stream handlers when configured and accumulating it
// otherwise.
func (r *Request) DidReceiveData(chunk []byte) {
	var sink io.Writer
	var streams []streamHandler
	var ph *progressHandler
	var progress Progress
	r.state.Write(func(s *mutableState) {
		s.downloadProgress.Completed += int64(len(chunk))
		progress = s.downloadProgress
		ph = s.downloadHandler
		sink = s.downloadSink
		streams = s.streams
		if sink == nil && len(streams) == 0 {
			s.body = append(s.body, chunk...)
		}
	})
	if sink != nil {
		if _, err := sink.Write(chunk); err != nil {
			r.recordError(WrapError(KindTask, err))
		}
	}
	for _, sh := range streams {
		sh := sh
		sh.queue.Async(func() { sh.fn(chunk) })
	}
	if ph != nil {
		ph.queue.Async(func() { ph.fn(progress) })
	}
}

// DidSendBodyData records upload progress reported by the transport.
func (r *Request) DidSendBodyData(bytesSent, totalBytesSent, totalBytesExpected int64) {
	var ph *progressHandler
	var progress Progress
	r.state.Write(func(s *mutableState) {
		s.uploadProgress.Total = totalBytesExpected
		s.uploadProgress.Completed = totalBytesSent
		progress = s.uploadProgress
		ph = s.uploadHandler
	})
	if ph != nil {
		ph.queue.Async(func() { ph.fn(progress) })
	}
}

// DidGatherMetrics records transport metrics for the current attempt.
func (r *Request) DidGatherMetrics(m *transport.Metrics) {
	r.state.Write(func(s *mutableState) {
		s.metrics = append(s.metrics, m)
	})
	r.observe(MetricsGathered)
}

// DidCompleteTask records that the transport finished the current
// attempt, runs validators, and decides between retrying and finishing.
func (r *Request) DidCompleteTask(task transport.Task, err error) {
	err = WrapError(KindTask, err)
	r.state.Write(func(s *mutableState) {
		s.taskCompleted = true
		s.lastTimeout = err != nil && transient.Categorize(err) == transient.Timeout
		if s.lastTimeout {
			s.attemptTimeouts++
		}
		if err != nil && s.err == nil {
			s.err = err
		}
	})
	var validators []func()
	r.state.Read(func(s mutableState) { validators = s.validators })
	for _, validate := range validators {
		validate()
	}
	r.observe(TaskCompleted)
	r.retryOrFinish(r.Err())
}

// retryOrFinish asks the delegate whether err warrants another attempt.
// Cancelled requests and successful attempts go straight to finish.
func (r *Request) retryOrFinish(err error) {
	if err == nil || r.IsCancelled() {
		r.finish(nil)
		return
	}
	r.delegate.RetryResult(r, err, func(decision RetryDecision) {
		switch {
		case decision.ShouldRetry():
			delay, _ := decision.Delay()
			r.delegate.RetryRequest(r, delay)
		case decision.ReplacementError() != nil:
			r.finish(decision.ReplacementError())
		default:
			r.finish(nil)
		}
	})
}

// finish records err, if any, as the terminal error and starts draining
// response serializers. Only the first call per attempt does anything.
func (r *Request) finish(err error) {
	var already bool
	r.state.Write(func(s *mutableState) {
		if s.isFinishing {
			already = true
			return
		}
		s.isFinishing = true
		if err != nil {
			s.err = WrapError(KindUnknown, err)
		}
	})
	if already {
		return
	}
	r.observe(RequestFinished)
	r.processNextResponseSerializer()
}

// nextResponseSerializer returns the first serializer that has not yet
// completed, or nil when the queue is drained.
func (r *Request) nextResponseSerializer() func() {
	var serializer func()
	r.state.Read(func(s mutableState) {
		index := len(s.serializerCompletions)
		if index < len(s.responseSerializers) {
			serializer = s.responseSerializers[index]
		}
	})
	return serializer
}

// processNextResponseSerializer dispatches the next pending serializer,
// or completes processing when none remain: the state becomes Finished,
// queued completion handlers run, and cleanup is performed.
func (r *Request) processNextResponseSerializer() {
	if serializer := r.nextResponseSerializer(); serializer != nil {
		r.serializationQueue.Async(serializer)
		return
	}
	var completions []func()
	r.state.Write(func(s *mutableState) {
		if s.state.CanTransition(Finished) {
			s.state = Finished
		}
		s.processingFinished = true
		s.isFinishing = false
		completions = s.serializerCompletions
		s.responseSerializers = nil
		s.serializerCompletions = nil
	})
	for _, completion := range completions {
		completion()
	}
	r.cleanup()
}

// serializerDidComplete records that the serializer at the head of the
// queue produced its result, then moves on to the next one.
func (r *Request) serializerDidComplete(completion func()) {
	r.state.Write(func(s *mutableState) {
		s.serializerCompletions = append(s.serializerCompletions, completion)
	})
	r.processNextResponseSerializer()
}

// appendResponseSerializer queues a serializer. Appending to a finished
// request reopens it: the state flips back to Resumed and draining is
// retriggered, so late handlers still get results.
func (r *Request) appendResponseSerializer(serializer func()) {
	r.state.Write(func(s *mutableState) {
		s.responseSerializers = append(s.responseSerializers, serializer)
		if s.state == Finished {
			s.state = Resumed
		}
		if s.processingFinished && !s.isFinishing {
			s.isFinishing = true
			r.underlyingQueue.Async(func() { r.processNextResponseSerializer() })
		}
		if s.state.CanTransition(Resumed) {
			r.underlyingQueue.Async(func() {
				if r.delegate.StartImmediately() {
					r.Resume()
				}
			})
		}
	})
}

// cleanup runs after the serializer queue drains: the delegate releases
// per-request resources, finish handlers run, and Done is closed.
func (r *Request) cleanup() {
	r.delegate.Cleanup(r)
	var handlers []func()
	r.state.Write(func(s *mutableState) {
		handlers = s.finishHandlers
		s.finishHandlers = nil
	})
	for _, handler := range handlers {
		handler()
	}
	r.doneOnce.Do(func() { close(r.done) })
}

// PrepareForRetry resets per-attempt bookkeeping ahead of another
// attempt. The delegate calls it on the request's queue before
// re-running setup. Queued serializers survive so they can run against
// the result of the new attempt.
func (r *Request) PrepareForRetry() {
	r.state.Write(func(s *mutableState) {
		s.retryCount++
		s.err = nil
		s.response = nil
		s.body = nil
		s.uploadProgress = Progress{}
		s.downloadProgress = Progress{}
		s.isFinishing = false
		s.taskCompleted = false
		s.serializerCompletions = nil
	})
	r.observe(RequestRetrying)
}

// callCURLHandlerIfNecessary delivers the curl description to a waiting
// handler, at most once.
func (r *Request) callCURLHandlerIfNecessary() {
	var h *curlHandler
	r.state.Write(func(s *mutableState) {
		h = s.curlHandler
		s.curlHandler = nil
	})
	if h != nil {
		desc := r.curlDescription()
		h.queue.Async(func() { h.fn(desc) })
	}
}
