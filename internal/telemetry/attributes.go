// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// Session attributes
	SessionUserIDKey = "session.user_id"
	SessionStateKey  = "session.state"
	SessionReasonKey = "session.reason"
	SessionPortKey   = "session.port"

	// Workload attributes
	WorkloadHandleKey = "workload.handle"
	WorkloadAttempt   = "workload.attempt"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes creates session span attributes. Empty values are omitted.
func SessionAttributes(userID, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if userID != "" {
		attrs = append(attrs, attribute.String(SessionUserIDKey, userID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(SessionStateKey, state))
	}
	return attrs
}

// WorkloadAttributes creates workload span attributes.
func WorkloadAttributes(handle string, port, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WorkloadHandleKey, handle),
		attribute.Int(SessionPortKey, port),
		attribute.Int(WorkloadAttempt, attempt),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

// RecordError marks span as failed. A nil error leaves the span untouched.
func RecordError(span trace.Span, err error, errorType string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(ErrorAttributes(errorType)...)
	span.SetStatus(codes.Error, err.Error())
}
