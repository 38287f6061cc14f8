// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// State is the stored lifecycle state of a user's session.
// A user without a record is implicitly in StateAbsent; that value is never persisted.
type State string

const (
	StateAbsent      State = ""
	StateStarting    State = "STARTING"
	StateRunning     State = "RUNNING"
	StateTerminating State = "TERMINATING"
	StateFailed      State = "FAILED"
)

// IsTerminal returns true for states that are only ever cleared, never resumed.
func (s State) IsTerminal() bool {
	return s == StateFailed
}

// OwnsWorkload returns true if a session in this state holds (or is acquiring) a backing workload.
func (s State) OwnsWorkload() bool {
	switch s {
	case StateStarting, StateRunning, StateTerminating:
		return true
	}
	return false
}

// IsActive returns true for the states that block a second start for the same user.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// Valid reports whether s is a storable state.
func (s State) Valid() bool {
	switch s {
	case StateStarting, StateRunning, StateTerminating, StateFailed:
		return true
	}
	return false
}

// ReasonCode is a compact, typed signal for why a session ended or failed.
// Keep these stable: metrics and logs depend on them.
type ReasonCode string

const (
	RNone          ReasonCode = "R_NONE"
	RClientStop    ReasonCode = "R_CLIENT_STOP"
	RIdleTimeout   ReasonCode = "R_IDLE_TIMEOUT"
	RLaunchFailed  ReasonCode = "R_LAUNCH_FAILED"
	RHealthTimeout ReasonCode = "R_HEALTH_TIMEOUT"
	RProcessEnded  ReasonCode = "R_PROCESS_ENDED"
	RStopTimeout   ReasonCode = "R_STOP_TIMEOUT"
	RStaleStart    ReasonCode = "R_STALE_START"
	RShutdown      ReasonCode = "R_SHUTDOWN"
)
