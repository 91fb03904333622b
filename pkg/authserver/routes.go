// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/tenantauth/pkg/authserver/server/handlers"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status string `json:"status"`
}

// routes builds the top-level router. Tenant routes are mounted last so the
// fixed paths take precedence over the {tenant} wildcard.
func (s *server) routes(cfg Config, stor storage.Storage, h *handlers.Handler, limiter *quota.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.NewHTTPMiddleware(nil, s.metrics).Handler)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", healthHandler(stor))
	if !cfg.DisableMetrics {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/internal", func(r chi.Router) {
		r.Post("/validate", s.validator.ValidateHandler)
		r.Post("/quota/check", limiter.CheckHandler)
	})

	r.Mount("/", h.Routes())
	return r
}

// healthHandler reports 200 when storage is reachable and 503 otherwise.
func healthHandler(stor storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, healthResponse{Status: "ok"}
		if err := stor.Health(r.Context()); err != nil {
			logger.Warnw("storage health check failed", "error", err)
			status, body = http.StatusServiceUnavailable, healthResponse{Status: "unavailable"}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
