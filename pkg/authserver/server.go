// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"net/http"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// Server is the multi-tenant authorization server together with its edge
// trust endpoints.
type Server interface {
	// Handler returns an http.Handler that serves every endpoint:
	//   - /{tenant}/.well-known/jwks.json (tenant JSON Web Key Set)
	//   - /{tenant}/.well-known/openid-configuration (OIDC Discovery)
	//   - /{tenant}/.well-known/oauth-authorization-server (RFC 8414)
	//   - /{tenant}/oauth/authorize, /oauth/token, /oauth/revoke
	//   - /{tenant}/admin/... (tenant administration)
	//   - /tenant/discover (email to tenant discovery)
	//   - /internal/validate and /internal/quota/check (edge trust)
	//   - /health and /metrics
	Handler() http.Handler

	// APIKeyMiddleware authenticates API keys and enforces their quotas in
	// front of a protected handler.
	APIKeyMiddleware() func(http.Handler) http.Handler

	// Metrics returns the server's Prometheus metrics.
	Metrics() *telemetry.Metrics

	// Close releases resources held by the server.
	Close() error
}

// New creates a new authorization server.
// The storage parameter is required and determines where all state is
// persisted. Use storage.NewMemoryStorage() for single-instance deployments
// or a Redis or SQL backend for shared state.
func New(ctx context.Context, cfg Config, stor storage.Storage) (Server, error) {
	srv, err := newServer(ctx, cfg, stor)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
