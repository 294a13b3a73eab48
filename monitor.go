// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package flight

import (
	"context"
	"log/slog"

	"github.com/gogama/flight/dispatch"
	"github.com/gogama/flight/request"
)

// A monitorEntry pairs a monitor with the serial queue its observations
// run on.
type monitorEntry struct {
	monitor request.Monitor
	queue   *dispatch.Queue
}

// compositeMonitor fans each lifecycle event out to a group of monitors.
// Every monitor gets its own serial queue, so a slow monitor delays only
// itself, and each monitor still sees events in the order they occurred.
type compositeMonitor struct {
	entries []monitorEntry
}

func newCompositeMonitor(monitors []request.Monitor) *compositeMonitor {
	entries := make([]monitorEntry, len(monitors))
	for i, m := range monitors {
		if m == nil {
			panic("flight: nil monitor")
		}
		entries[i] = monitorEntry{monitor: m, queue: dispatch.NewQueue()}
	}
	return &compositeMonitor{entries: entries}
}

func (c *compositeMonitor) Observe(evt request.Event, r *request.Request) {
	for _, entry := range c.entries {
		entry := entry
		entry.queue.Async(func() {
			entry.monitor.Observe(evt, r)
		})
	}
}

// SlogMonitor is a request.Monitor that records every lifecycle event
// through a structured logger. It is the monitor a Session installs when
// Config.Monitors is left nil.
type SlogMonitor struct {
	// Logger receives the event records. If Logger is nil, the monitor
	// logs through slog.Default().
	Logger *slog.Logger
	// Level is the level events are recorded at. If Level is nil, events
	// are recorded at slog.LevelDebug.
	Level slog.Leveler
}

func (m *SlogMonitor) Observe(evt request.Event, r *request.Request) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if m.Level != nil {
		level = m.Level.Level()
	}
	attrs := []slog.Attr{
		slog.String("request", r.ID().String()),
		slog.String("state", r.State().String()),
	}
	if n := r.RetryCount(); n > 0 {
		attrs = append(attrs, slog.Int("retries", n))
	}
	if err := r.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.LogAttrs(context.Background(), level, evt.Name(), attrs...)
}
