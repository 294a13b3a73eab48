// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package intercept composes the adapters and retriers that hook into a
// request's lifecycle, and provides flexible built-in retry policies.
//
// New combines ordered adapter and retrier chains into a single
// interceptor, and Merge layers a request-level interceptor over a
// session-level one. AdapterFunc and RetrierFunc let ordinary functions
// participate in either chain.
//
// The interface Policy defines a retry Policy. A Policy instance can be
// constructed using NewPolicy by providing a decision-maker, Decider,
// and a wait time calculator, Waiter. Both Decider and Waiter have
// constructors for common use cases, so that a useful policy can be
// quickly assembled:
//
//	decider := intercept.Times(3).
//	    And(intercept.StatusCode(500).Or(intercept.TransientErr))
//	waiter := intercept.NewExpWaiter(100*time.Millisecond, 2*time.Second, time.Now())
//	policy := intercept.NewPolicy(decider, waiter)
//
// If the built-in functionality is insufficient, fully custom retry
// policies can be created via custom implementations of Decider, Waiter,
// or Policy.
package intercept
