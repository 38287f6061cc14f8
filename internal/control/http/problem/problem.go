// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package problem writes RFC 7807 problem details responses.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"

	controlhttp "github.com/ManuGH/simdesk/internal/control/http"
	"github.com/ManuGH/simdesk/internal/log"
)

// Problem is one error response.
//   - Type: canonical machine identifier (e.g. "session/launch_failed").
//   - Title: short human-readable label.
//   - Code: stable machine-readable short code (e.g. "LAUNCH_FAILED").
//   - Detail: explanation of this occurrence.
type Problem struct {
	Status int
	Type   string
	Title  string
	Code   string
	Detail string
	// RetryAfter sets the Retry-After header in seconds when > 0.
	RetryAfter int
}

// Write writes p. The request id is taken from the request context or the
// response header set by the request id middleware.
func Write(w http.ResponseWriter, r *http.Request, p Problem) {
	reqID := ""
	instance := ""
	if r != nil {
		reqID = log.RequestIDFromContext(r.Context())
		instance = r.URL.EscapedPath()
	}
	if reqID == "" {
		reqID = w.Header().Get(controlhttp.HeaderRequestID)
	}

	res := map[string]any{
		"type":   p.Type,
		"title":  p.Title,
		"status": p.Status,
		"code":   p.Code,
	}
	if reqID != "" {
		res[controlhttp.JSONKeyRequestID] = reqID
		w.Header().Set(controlhttp.HeaderRequestID, reqID)
	}
	if p.Detail != "" {
		res["detail"] = p.Detail
	}
	if instance != "" {
		res["instance"] = instance
	}
	if p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.L().Error().Err(err).Str("type", p.Type).Int("status", p.Status).Msg("failed to encode problem response")
	}
}
