// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ManuGH/simdesk/internal/control/http/problem"
)

// RateLimit limits requests per identity with a sliding window. Requests
// without an identity are keyed by client IP. requests <= 0 disables limiting.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	retryAfter := max(int(window.Seconds()), 1)
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(keyByIdentity),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problem.Write(w, r, problem.Problem{
				Status:     http.StatusTooManyRequests,
				Type:       "system/rate_limited",
				Title:      "Too Many Requests",
				Code:       "RATE_LIMITED",
				Detail:     "too many session requests, retry later",
				RetryAfter: retryAfter,
			})
		}),
	)
}

func keyByIdentity(r *http.Request) (string, error) {
	if id := UserID(r.Context()); id != "" {
		return "user:" + id, nil
	}
	return httprate.KeyByIP(r)
}
