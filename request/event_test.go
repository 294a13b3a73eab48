// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvents(t *testing.T) {
	assert.Len(t, eventNames, numEvents)
	assert.Len(t, Events(), numEvents)
	events := Events()
	assert.Equal(t, InitialRequestCreated, events[InitialRequestCreated])
	assert.Equal(t, RequestCreationFailed, events[RequestCreationFailed])
	assert.Equal(t, RequestAdapted, events[RequestAdapted])
	assert.Equal(t, RequestAdaptationFailed, events[RequestAdaptationFailed])
	assert.Equal(t, RequestReady, events[RequestReady])
	assert.Equal(t, TaskCreated, events[TaskCreated])
	assert.Equal(t, TaskResumed, events[TaskResumed])
	assert.Equal(t, TaskSuspended, events[TaskSuspended])
	assert.Equal(t, TaskCancelled, events[TaskCancelled])
	assert.Equal(t, TaskCompleted, events[TaskCompleted])
	assert.Equal(t, MetricsGathered, events[MetricsGathered])
	assert.Equal(t, ResponseReceived, events[ResponseReceived])
	assert.Equal(t, RequestValidated, events[RequestValidated])
	assert.Equal(t, ResponseParsed, events[ResponseParsed])
	assert.Equal(t, RequestResumed, events[RequestResumed])
	assert.Equal(t, RequestSuspended, events[RequestSuspended])
	assert.Equal(t, RequestCancelled, events[RequestCancelled])
	assert.Equal(t, RequestRetrying, events[RequestRetrying])
	assert.Equal(t, RequestFinished, events[RequestFinished])
}

func TestEvent_Name(t *testing.T) {
	assert.Equal(t, "InitialRequestCreated", InitialRequestCreated.Name())
	assert.Equal(t, "RequestCreationFailed", RequestCreationFailed.Name())
	assert.Equal(t, "RequestAdapted", RequestAdapted.Name())
	assert.Equal(t, "RequestAdaptationFailed", RequestAdaptationFailed.Name())
	assert.Equal(t, "RequestReady", RequestReady.Name())
	assert.Equal(t, "TaskCreated", TaskCreated.Name())
	assert.Equal(t, "TaskResumed", TaskResumed.Name())
	assert.Equal(t, "TaskSuspended", TaskSuspended.Name())
	assert.Equal(t, "TaskCancelled", TaskCancelled.Name())
	assert.Equal(t, "TaskCompleted", TaskCompleted.Name())
	assert.Equal(t, "MetricsGathered", MetricsGathered.Name())
	assert.Equal(t, "ResponseReceived", ResponseReceived.Name())
	assert.Equal(t, "RequestValidated", RequestValidated.Name())
	assert.Equal(t, "ResponseParsed", ResponseParsed.Name())
	assert.Equal(t, "RequestResumed", RequestResumed.Name())
	assert.Equal(t, "RequestSuspended", RequestSuspended.Name())
	assert.Equal(t, "RequestCancelled", RequestCancelled.Name())
	assert.Equal(t, "RequestRetrying", RequestRetrying.Name())
	assert.Equal(t, "RequestFinished", RequestFinished.Name())
	assert.Equal(t, "RequestFinished", RequestFinished.String())
}

func TestMonitorFunc(t *testing.T) {
	var gotEvent Event
	var gotRequest *Request
	m := MonitorFunc(func(evt Event, r *Request) {
		gotEvent = evt
		gotRequest = r
	})
	r := &Request{}
	m.Observe(RequestResumed, r)
	assert.Equal(t, RequestResumed, gotEvent)
	assert.Same(t, r, gotRequest)
}
