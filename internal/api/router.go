// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postarchive/postarchive/internal/api/handlers"
	apimiddleware "github.com/postarchive/postarchive/internal/api/middleware"
	"github.com/postarchive/postarchive/internal/config"
	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/metrics"
	"github.com/postarchive/postarchive/internal/webhook"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config         *config.AppConfig
	Validator      *license.Validator
	Processor      *webhook.Processor
	MetricsManager *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)

	licenseHandler := handlers.NewLicenseHandler(deps.Validator)
	webhookHandler := handlers.NewWebhookHandler(deps.Processor)

	// Provider-facing webhook endpoint, outside /api
	webhookHandler.RegisterRoutes(r)

	// API routes
	r.Route("/api", func(r chi.Router) {
		licenseHandler.RegisterRoutes(r)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.MetricsManager != nil {
		r.Get("/metrics", promhttp.HandlerFor(
			deps.MetricsManager.GetRegistry(),
			promhttp.HandlerOpts{},
		).ServeHTTP)
	}

	return r
}
