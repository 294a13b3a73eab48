// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

// An Event identifies one step in a request's lifecycle as observed by a
// Monitor. Events carry no payload: the observed request itself is passed
// alongside, and its accessors expose everything the event refers to.
type Event int

const (
	// InitialRequestCreated fires when the pre-adaptation wire request
	// has been built from the request's source.
	InitialRequestCreated Event = iota
	// RequestCreationFailed fires when the source could not produce a
	// wire request, or a task could not be created for one.
	RequestCreationFailed
	// RequestAdapted fires when the adapter chain transformed the wire
	// request. It does not fire when no adapter is installed.
	RequestAdapted
	// RequestAdaptationFailed fires when an adapter rejected the wire
	// request.
	RequestAdaptationFailed
	// RequestReady fires when the final wire request, adapted or not, is
	// about to be handed to the transport.
	RequestReady
	// TaskCreated fires when a transport task has been created and
	// recorded on the request.
	TaskCreated
	// TaskResumed, TaskSuspended, and TaskCancelled fire when the
	// corresponding operation was applied to the request's live task.
	TaskResumed
	TaskSuspended
	TaskCancelled
	// TaskCompleted fires when the transport reported the end of a task,
	// after validators have run.
	TaskCompleted
	// MetricsGathered fires when the transport reported a task's
	// performance record.
	MetricsGathered
	// ResponseReceived fires when the response head arrived.
	ResponseReceived
	// RequestValidated fires after each validator runs at
	// task-completion time.
	RequestValidated
	// ResponseParsed fires after a response serializer produced its
	// result, before completion handlers see it.
	ResponseParsed
	// RequestResumed, RequestSuspended, and RequestCancelled fire on the
	// corresponding lifecycle transition of the request itself.
	RequestResumed
	RequestSuspended
	RequestCancelled
	// RequestRetrying fires when the request has been reset for another
	// attempt.
	RequestRetrying
	// RequestFinished fires when the finish sequence begins draining the
	// response serializer queue. It fires once per finish, not once per
	// serializer.
	RequestFinished

	eventSentinel

	numEvents = int(eventSentinel)
)

var eventNames = []string{
	"InitialRequestCreated",
	"RequestCreationFailed",
	"RequestAdapted",
	"RequestAdaptationFailed",
	"RequestReady",
	"TaskCreated",
	"TaskResumed",
	"TaskSuspended",
	"TaskCancelled",
	"TaskCompleted",
	"MetricsGathered",
	"ResponseReceived",
	"RequestValidated",
	"ResponseParsed",
	"RequestResumed",
	"RequestSuspended",
	"RequestCancelled",
	"RequestRetrying",
	"RequestFinished",
}

// Events returns a slice containing every lifecycle event, in declaration
// order.
func Events() []Event {
	events := make([]Event, numEvents)
	for i := range events {
		events[i] = Event(i)
	}
	return events
}

// Name returns the name of the event.
func (evt Event) Name() string {
	return eventNames[int(evt)]
}

// String returns the name of the event.
func (evt Event) String() string {
	return evt.Name()
}

// A Monitor observes request lifecycle events. The engine treats monitors
// as best-effort: they are invoked for every event but must not assume
// any particular goroutine, and a composite installation dispatches each
// monitor on its own serial queue so a slow monitor cannot stall request
// processing.
type Monitor interface {
	Observe(evt Event, r *Request)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(evt Event, r *Request)

// Observe calls f(evt, r).
func (f MonitorFunc) Observe(evt Event, r *Request) {
	f(evt, r)
}
