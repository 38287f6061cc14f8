// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ManuGH/simdesk/internal/control/http/problem"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/log"
)

type identityKey struct{}

// Identity reads the caller's user id from a header set by the trusted
// authenticating proxy. Requests without a usable id get a 401 problem.
// Ids are NFC normalized so one user never maps to two store keys.
func Identity(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := norm.NFC.String(strings.TrimSpace(r.Header.Get(header)))
			if !model.ValidUserID(userID) {
				problem.Write(w, r, problem.Problem{
					Status: http.StatusUnauthorized,
					Type:   "auth/unauthenticated",
					Title:  "Unauthenticated",
					Code:   "UNAUTHENTICATED",
					Detail: "missing or invalid " + header + " header",
				})
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, userID)
			ctx = log.ContextWithUserID(ctx, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the identity set by Identity, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// WithUserID attaches an identity, for callers that authenticate by other means.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}
