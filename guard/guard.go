// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package guard provides a mutual-exclusion wrapper that serializes all
// reads and writes of a value shared across goroutines.
package guard

import "sync"

// A Guard wraps a value of type T and serializes access to it. Multiple
// readers may hold the guard concurrently; a writer holds it exclusively.
//
// A Guard must not be acquired recursively: calling Read, Write, or Load
// from within a closure already running under the same Guard deadlocks.
// Nesting acquisitions of two distinct Guard instances is safe provided
// every call site nests them in the same order. Critical sections are
// expected to be short and must never block on external work.
//
// The zero value is a valid Guard around the zero value of T.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// New creates a Guard around an initial value.
func New[T any](value T) *Guard[T] {
	return &Guard[T]{value: value}
}

// Read runs fn with shared access to the guarded value. The closure must
// not retain the value, or any reference type reachable from it, past its
// return, and must not mutate it.
func (g *Guard[T]) Read(fn func(value T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.value)
}

// Write runs fn with exclusive mutable access to the guarded value. The
// closure must not retain the pointer past its return.
func (g *Guard[T]) Write(fn func(value *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Load returns a copy of the guarded value taken under shared access.
// If T contains reference types, the copy shares their backing storage,
// so Load is only appropriate for plain-data values or treat-as-immutable
// references.
func (g *Guard[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Store replaces the guarded value under exclusive access.
func (g *Guard[T]) Store(value T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
}
