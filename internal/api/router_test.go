// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postarchive/postarchive/internal/metrics"
)

func TestRouterRoutes(t *testing.T) {
	// Handlers are not executed during chi.Walk, so nil services suffice
	router := NewRouter(&Dependencies{})

	routes := map[string]bool{}
	err := chi.Walk(router, func(method, path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		routes[method+" "+path] = true
		return nil
	})
	require.NoError(t, err)

	expected := []string{
		"POST /webhooks/gumroad",
		"POST /api/license/validate",
		"GET /api/license/status",
		"POST /api/license/refresh",
		"DELETE /api/license/",
		"GET /health",
	}
	for _, route := range expected {
		assert.True(t, routes[route], "missing route %s", route)
	}

	assert.False(t, routes["GET /metrics"], "metrics route requires a manager")
}

func TestRouterHealth(t *testing.T) {
	router := NewRouter(&Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := NewRouter(&Dependencies{
		MetricsManager: metrics.NewManager(nil, nil),
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
