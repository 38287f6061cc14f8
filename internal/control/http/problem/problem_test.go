// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	controlhttp "github.com/ManuGH/simdesk/internal/control/http"
	"github.com/ManuGH/simdesk/internal/log"
)

func TestWrite(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/start-session", nil)
	req = req.WithContext(log.ContextWithRequestID(req.Context(), "req-1"))
	w := httptest.NewRecorder()

	Write(w, req, Problem{
		Status:     http.StatusServiceUnavailable,
		Type:       "session/store_unavailable",
		Title:      "Session Store Unavailable",
		Code:       "STORE_UNAVAILABLE",
		Detail:     "try again",
		RetryAfter: 5,
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", w.Header().Get(controlhttp.HeaderRequestID))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "session/store_unavailable", body["type"])
	assert.Equal(t, "STORE_UNAVAILABLE", body["code"])
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["status"])
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "/api/start-session", body["instance"])
	assert.Equal(t, "try again", body["detail"])
}

func TestWrite_FallsBackToResponseHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	w.Header().Set(controlhttp.HeaderRequestID, "from-header")

	Write(w, req, Problem{Status: http.StatusBadRequest, Type: "t", Title: "T", Code: "C"})

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "from-header", body["requestId"])
	assert.NotContains(t, body, "detail")
	assert.Empty(t, w.Header().Get("Retry-After"))
}
