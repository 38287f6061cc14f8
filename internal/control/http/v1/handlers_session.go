// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package v1

import (
	"net/http"

	"github.com/ManuGH/simdesk/internal/control/middleware"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

type sessionListResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Count    int              `json:"count"`
}

// handleStartSession ensures the caller has a running session.
// Retrying is safe: a running session is returned and a starting one is joined.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.StartSession(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, r, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleGetSession returns the caller's descriptor, or {} when there is none.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetSession(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, r, "get", err)
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteSession ends the caller's session. Deleting nothing succeeds.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), middleware.UserID(r.Context())); err != nil {
		respondError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleListSessions dumps every stored record for operators.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.List(r.Context())
	if err != nil {
		respondError(w, r, "list", err)
		return
	}
	if list == nil {
		list = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: list, Count: len(list)})
}
