// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package system serves liveness and readiness checks.
package system

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/simdesk/internal/control/http/problem"
	"github.com/ManuGH/simdesk/internal/log"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns a handler for /healthz. It only reports that the process serves HTTP.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	}
}

// NewReadyHandler returns a handler for /readyz that pings the session store.
func NewReadyHandler(store Pinger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			problem.Write(w, r, problem.Problem{
				Status: http.StatusServiceUnavailable, Type: "system/not_ready", Title: "Not Ready", Code: "NOT_READY",
				Detail: "session store not configured",
			})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logger := log.WithComponentFromContext(r.Context(), "health")
			logger.Warn().Err(err).Msg("readiness check failed")
			problem.Write(w, r, problem.Problem{
				Status: http.StatusServiceUnavailable, Type: "system/not_ready", Title: "Not Ready", Code: "STORE_UNAVAILABLE",
				Detail:     "session store unreachable",
				RetryAfter: 5,
			})
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
