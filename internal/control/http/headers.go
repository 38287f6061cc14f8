// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package http holds names shared by the HTTP control surface.
package http

// Canonical Header Names
const (
	// HeaderRequestID is the canonical header for request correlation.
	HeaderRequestID = "X-Request-ID"
	// DefaultIdentityHeader carries the authenticated user id set by the fronting proxy.
	DefaultIdentityHeader = "X-Authenticated-User"
)

// Canonical JSON Field Names
const (
	// JSONKeyRequestID is the canonical JSON key for request correlation in responses.
	JSONKeyRequestID = "requestId"
)
