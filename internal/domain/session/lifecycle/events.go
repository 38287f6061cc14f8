// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/ManuGH/simdesk/internal/domain/session/model"

// EventKind names a lifecycle input.
type EventKind string

const (
	EvReady         EventKind = "ready"
	EvLaunchFailed  EventKind = "launch_failed"
	EvStopRequested EventKind = "stop_requested"
	EvIdleTimeout   EventKind = "idle_timeout"
	EvCrashDetected EventKind = "crash_detected"
	EvStaleStart    EventKind = "stale_start"
)

// Event carries the inputs a transition may need.
type Event struct {
	Kind   EventKind
	Port   int              // required for EvReady
	Reason model.ReasonCode // overrides the table default when set
}
