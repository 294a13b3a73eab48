// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

// A State is the lifecycle state of a Request.
//
// Requests begin Initialized and move between Resumed and Suspended until
// they reach a terminal state. Cancelled and Finished are terminal: once
// reached, no further transition is legal, including self-transitions.
type State int

const (
	// Initialized is the state of a freshly created request on which no
	// transition has been performed yet.
	Initialized State = iota
	// Resumed is the state of a request whose work is allowed to proceed.
	Resumed
	// Suspended is the state of a request whose work is paused.
	Suspended
	// Cancelled is the terminal state of a request stopped by its caller.
	// A cancelled request still runs its finish sequence, but its state
	// remains Cancelled.
	Cancelled
	// Finished is the terminal state of a request whose response
	// serializers have drained.
	Finished

	stateSentinel

	numStates = int(stateSentinel)
)

var stateNames = []string{
	"Initialized",
	"Resumed",
	"Suspended",
	"Cancelled",
	"Finished",
}

// States returns all request states in declaration order.
func States() []State {
	return []State{
		Initialized,
		Resumed,
		Suspended,
		Cancelled,
		Finished,
	}
}

// Name returns the name of the state.
func (s State) Name() string {
	return stateNames[int(s)]
}

// String returns the name of the state.
func (s State) String() string {
	return s.Name()
}

// CanTransition reports whether a request in state s may move to state
// to. It is a pure function of the pair:
//
//   - From Initialized, every move is legal.
//   - Nothing moves back into Initialized.
//   - Nothing moves out of Cancelled or Finished.
//   - Resumed and Suspended reject self-transitions but may move to each
//     other, to Cancelled, or to Finished.
func (s State) CanTransition(to State) bool {
	switch {
	case s == Initialized:
		return true
	case to == Initialized, s == Cancelled, s == Finished:
		return false
	case s == to:
		return false
	default:
		return true
	}
}
