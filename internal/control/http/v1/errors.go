// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/simdesk/internal/control/http/problem"
	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/manager"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/log"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Error().Err(err).Int("status", code).Msg("failed to encode JSON response")
	}
}

// problemFor maps a lifecycle error onto its HTTP problem.
func problemFor(err error) problem.Problem {
	switch {
	case errors.Is(err, lifecycle.ErrBadRequest):
		return problem.Problem{Status: http.StatusBadRequest, Type: "session/bad_request", Title: "Bad Request", Code: "BAD_REQUEST",
			Detail: "invalid user id"}
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "session/store_unavailable", Title: "Session Store Unavailable",
			Code: "STORE_UNAVAILABLE", Detail: "session state is temporarily unavailable", RetryAfter: 5}
	case errors.Is(err, manager.ErrClosed):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "system/shutting_down", Title: "Shutting Down",
			Code: "SHUTTING_DOWN", Detail: "the service is shutting down", RetryAfter: 5}
	case errors.Is(err, lifecycle.ErrSessionTerminating):
		return problem.Problem{Status: http.StatusConflict, Type: "session/terminating", Title: "Session Terminating",
			Code: "SESSION_TERMINATING", Detail: "the previous session is still shutting down", RetryAfter: 1}
	case errors.Is(err, lifecycle.ErrLaunchFailed) && errors.Is(err, ports.ErrHealthTimeout):
		return problem.Problem{Status: http.StatusGatewayTimeout, Type: "session/launch_timeout", Title: "Launch Timed Out",
			Code: "LAUNCH_TIMEOUT", Detail: "the session did not become ready in time"}
	case errors.Is(err, lifecycle.ErrLaunchFailed):
		return problem.Problem{Status: http.StatusBadGateway, Type: "session/launch_failed", Title: "Launch Failed",
			Code: "LAUNCH_FAILED", Detail: "the session could not be started"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return problem.Problem{Status: http.StatusRequestTimeout, Type: "system/request_aborted", Title: "Request Aborted",
			Code: "REQUEST_ABORTED", Detail: "the request ended before the operation completed"}
	default:
		return problem.Problem{Status: http.StatusInternalServerError, Type: "system/internal", Title: "Internal Server Error",
			Code: "INTERNAL_ERROR"}
	}
}

// respondError logs err and writes its problem. Details of the cause stay in the log.
func respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	p := problemFor(err)
	logger := log.WithComponentFromContext(r.Context(), "api")
	ev := logger.Warn()
	if p.Status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).Str("op", op).Int(log.FieldStatus, p.Status).Msg("session request failed")
	problem.Write(w, r, p)
}
