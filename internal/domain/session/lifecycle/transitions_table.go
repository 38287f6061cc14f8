// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/ManuGH/simdesk/internal/domain/session/model"

// Transition is a single allowed edge in the lifecycle state machine.
// Absent -> Starting (insert) and Terminating/Failed -> Absent (delete) are store
// operations and deliberately not part of the table.
type Transition struct {
	From   model.State
	To     model.State
	Event  EventKind
	Reason model.ReasonCode
}

var transitionsTable = []Transition{
	// Start path
	{From: model.StateStarting, To: model.StateRunning, Event: EvReady, Reason: model.RNone},
	{From: model.StateStarting, To: model.StateFailed, Event: EvLaunchFailed, Reason: model.RLaunchFailed},
	{From: model.StateStarting, To: model.StateFailed, Event: EvStaleStart, Reason: model.RStaleStart},

	// Stop path
	{From: model.StateStarting, To: model.StateTerminating, Event: EvStopRequested, Reason: model.RClientStop},
	{From: model.StateRunning, To: model.StateTerminating, Event: EvStopRequested, Reason: model.RClientStop},
	{From: model.StateRunning, To: model.StateTerminating, Event: EvIdleTimeout, Reason: model.RIdleTimeout},

	// Crash detection
	{From: model.StateRunning, To: model.StateFailed, Event: EvCrashDetected, Reason: model.RProcessEnded},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from model.State, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
