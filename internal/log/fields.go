// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldUserID    = "user_id"
	FieldRequestID = "request_id"
	FieldHandle    = "handle"

	// Lifecycle fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldState     = "state"
	FieldFromState = "from_state"
	FieldReason    = "reason"
	FieldPort      = "port"
	FieldAttempt   = "attempt"

	// Process fields
	FieldPID      = "pid"
	FieldExitCode = "exit_code"

	// HTTP fields
	FieldMethod   = "method"
	FieldRoute    = "route"
	FieldStatus   = "status"
	FieldBytes    = "bytes"
	FieldDuration = "duration_ms"
	FieldRemote   = "remote_addr"
)
