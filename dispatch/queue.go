// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package dispatch provides unbounded serial execution queues. Work
// submitted to a queue runs one item at a time, in submission order, on a
// background goroutine. An idle queue holds no goroutine.
package dispatch

import (
	"sync"
	"time"
)

// A Queue is an unbounded FIFO serial executor. Submitting work never
// blocks. The zero value is not usable; create queues with NewQueue.
type Queue struct {
	mu       sync.Mutex
	idle     *sync.Cond
	work     []func()
	draining bool
}

// NewQueue creates an empty serial queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Async enqueues fn to run after all previously enqueued work. It returns
// immediately. A nil fn panics. A panic inside fn is not recovered: queued
// work is expected to handle its own errors, and a panic that escapes it
// is a programming error.
func (q *Queue) Async(fn func()) {
	if fn == nil {
		panic("flight: nil work item")
	}
	q.mu.Lock()
	q.work = append(q.work, fn)
	spawn := !q.draining
	if spawn {
		q.draining = true
	}
	q.mu.Unlock()
	if spawn {
		go q.drain()
	}
}

// AsyncAfter enqueues fn after a delay has elapsed. The delay is timed
// with the queue unblocked: work submitted in the meantime runs normally.
func (q *Queue) AsyncAfter(d time.Duration, fn func()) {
	if fn == nil {
		panic("flight: nil work item")
	}
	if d <= 0 {
		q.Async(fn)
		return
	}
	time.AfterFunc(d, func() {
		q.Async(fn)
	})
}

// Wait blocks until every item enqueued before the call has finished and
// the queue is idle. Work enqueued while waiting extends the wait. Calling
// Wait from inside a work item on the same queue deadlocks.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.draining || len(q.work) > 0 {
		q.idle.Wait()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.work) == 0 {
			q.draining = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.work[0]
		q.work = q.work[1:]
		q.mu.Unlock()
		fn()
	}
}
