// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"sync"

	"github.com/gogama/flight/request"
	"github.com/gogama/flight/transport"
)

// taskEntry tracks the two signals a task must deliver before its
// association can be released: completion and metrics. The two arrive in
// either order depending on the transport.
type taskEntry struct {
	request         *request.Request
	completed       bool
	metricsGathered bool
}

// A taskMap pairs each live transport task with its owning request. At
// all times the two sides are in 1:1 bijection: a request has at most
// one live task and a task belongs to exactly one request. Breaking the
// bijection is a programming error and panics.
//
// The mutex is a leaf lock: no method calls into a request while holding
// it, so it cannot form an ordering cycle with a request's state guard.
type taskMap struct {
	mu sync.Mutex
	// expectMetrics is false for transports that never deliver metrics,
	// in which case completion alone releases an association.
	expectMetrics bool
	byTask        map[transport.Task]*taskEntry
	byRequest     map[*request.Request]transport.Task
}

func newTaskMap(expectMetrics bool) *taskMap {
	return &taskMap{
		expectMetrics: expectMetrics,
		byTask:        make(map[transport.Task]*taskEntry),
		byRequest:     make(map[*request.Request]transport.Task),
	}
}

// associate inserts a fresh pairing. Neither side may already have a
// live association.
func (m *taskMap) associate(r *request.Request, task transport.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTask[task]; ok {
		panic("flight: task already associated")
	}
	if _, ok := m.byRequest[r]; ok {
		panic("flight: request already associated")
	}
	m.byTask[task] = &taskEntry{request: r}
	m.byRequest[r] = task
	m.countLocked()
}

// requestForTask returns the request owning task, or nil if the
// association was never made or has been released.
func (m *taskMap) requestForTask(task transport.Task) *request.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.byTask[task]; ok {
		return entry.request
	}
	return nil
}

// taskForRequest returns the live task of r, or nil.
func (m *taskMap) taskForRequest(r *request.Request) transport.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byRequest[r]
}

// disassociateAfterCompleting marks task completed and reports whether
// this call released the association, which it does once metrics were
// already gathered or are not expected at all. Marking the same task
// completed twice is a programming error and panics.
func (m *taskMap) disassociateAfterCompleting(task transport.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byTask[task]
	if !ok {
		return false
	}
	if entry.completed {
		panic("flight: task completed twice")
	}
	entry.completed = true
	if entry.metricsGathered || !m.expectMetrics {
		m.releaseLocked(task, entry)
		return true
	}
	return false
}

// disassociateAfterGatheringMetrics marks task's metrics gathered and
// reports whether this call released the association, which it does once
// the task has also completed. Marking metrics twice is a programming
// error and panics.
func (m *taskMap) disassociateAfterGatheringMetrics(task transport.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byTask[task]
	if !ok {
		return false
	}
	if entry.metricsGathered {
		panic("flight: task metrics gathered twice")
	}
	entry.metricsGathered = true
	if entry.completed {
		m.releaseLocked(task, entry)
		return true
	}
	return false
}

func (m *taskMap) releaseLocked(task transport.Task, entry *taskEntry) {
	delete(m.byTask, task)
	delete(m.byRequest, entry.request)
	m.countLocked()
}

// count returns the number of live associations.
func (m *taskMap) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked()
}

func (m *taskMap) countLocked() int {
	if len(m.byTask) != len(m.byRequest) {
		panic("flight: task map sides diverged")
	}
	return len(m.byTask)
}

// isEmpty reports whether no associations are live.
func (m *taskMap) isEmpty() bool {
	return m.count() == 0
}
