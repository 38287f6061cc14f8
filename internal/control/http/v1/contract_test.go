// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package v1

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/require"
)

var (
	openapiOnce sync.Once
	openapiDoc  *openapi3.T
	openapiErr  error
)

func loadOpenAPIDoc(t *testing.T) *openapi3.T {
	t.Helper()
	openapiOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromFile(filepath.Join("..", "..", "..", "..", "api", "openapi.yaml"))
		if err != nil {
			openapiErr = err
			return
		}
		if err := doc.Validate(loader.Context); err != nil {
			openapiErr = err
			return
		}
		openapiDoc = doc
	})
	if openapiErr != nil {
		t.Fatalf("openapi load failed: %v", openapiErr)
	}
	return openapiDoc
}

func validateOpenAPIResponse(t *testing.T, doc *openapi3.T, req *http.Request, rr *httptest.ResponseRecorder) {
	t.Helper()
	router, err := legacy.NewRouter(doc)
	require.NoError(t, err, "openapi router init")

	route, pathParams, err := router.FindRoute(req)
	require.NoError(t, err, "openapi route lookup")

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: rr.Code,
		Header: rr.Header(),
	}
	input.SetBodyBytes(rr.Body.Bytes())
	require.NoError(t, openapi3filter.ValidateResponse(context.Background(), input), "openapi response validation")
}

func TestContract_SessionRoutes(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	h, _ := newTestServer(t, Config{AdminEnabled: true})

	steps := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/get-session"},
		{http.MethodPost, "/api/start-session"},
		{http.MethodGet, "/api/get-session"},
		{http.MethodGet, "/api/admin/sessions"},
		{http.MethodPost, "/api/delete-session"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
	}
	for _, step := range steps {
		req := httptest.NewRequest(step.method, step.path, nil)
		req.Header.Set(identityHeader, "contract-user")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, "%s %s: %s", step.method, step.path, rr.Body.String())
		validateOpenAPIResponse(t, doc, req, rr)
	}
}

func TestContract_EveryOperationRouted(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	h, _ := newTestServer(t, Config{AdminEnabled: true})

	for path, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			req := httptest.NewRequest(method, path, nil)
			req.Header.Set(identityHeader, "route-check")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.NotEqual(t, http.StatusNotFound, rr.Code, "%s %s is documented but not routed", method, path)
			require.NotEqual(t, http.StatusMethodNotAllowed, rr.Code, "%s %s is documented but not routed", method, path)
		}
	}
}
