// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// AdminRole is the role required on the admin endpoints.
const AdminRole = "admin"

// Dependencies are the collaborators of a Handler.
type Dependencies struct {
	Resolver      *tenant.Resolver
	Keys          *keys.Store
	Issuer        *token.Issuer
	Authorization *authorization.Service
	Registry      *registration.Registry
	Users         storage.UserStorage

	// Validator guards the admin endpoints. Without it they are not mounted.
	Validator *validation.Validator

	// APIKeys backs the admin API key endpoints. Optional.
	APIKeys *quota.Authenticator
}

// Handler provides HTTP handlers for the tenant-scoped OAuth endpoints.
type Handler struct {
	resolver     *tenant.Resolver
	keys         *keys.Store
	issuer       *token.Issuer
	authz        *authorization.Service
	registry     *registration.Registry
	validator    *validation.Validator
	apiKeys      *quota.Authenticator
	userResolver *UserResolver
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(deps Dependencies) (*Handler, error) {
	if deps.Resolver == nil || deps.Keys == nil || deps.Issuer == nil ||
		deps.Authorization == nil || deps.Registry == nil || deps.Users == nil {
		return nil, errors.New("resolver, keys, issuer, authorization, registry and users are required")
	}
	return &Handler{
		resolver:     deps.Resolver,
		keys:         deps.Keys,
		issuer:       deps.Issuer,
		authz:        deps.Authorization,
		registry:     deps.Registry,
		validator:    deps.Validator,
		apiKeys:      deps.APIKeys,
		userResolver: NewUserResolver(deps.Users),
	}, nil
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.PublicRoutes(r)
	r.Route("/{"+tenant.DefaultPathParam+"}", h.TenantRoutes)
	return r
}

// PublicRoutes registers the endpoints that are not scoped to a tenant.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Get("/tenant/discover", h.DiscoverTenantHandler)
}

// TenantRoutes registers the tenant-scoped endpoints on a router mounted at
// /{tenant}. The tenant is resolved before any handler runs.
func (h *Handler) TenantRoutes(r chi.Router) {
	r.Use(h.resolver.Middleware)
	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)
	if h.validator != nil {
		r.Route("/admin", h.AdminRoutes)
	}
}

// OAuthRoutes registers OAuth endpoints (authorize, token, revoke) on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
}

// WellKnownRoutes registers well-known endpoints (JWKS, OAuth/OIDC discovery) on the provided router.
// Both discovery endpoints are registered for interoperability:
// - /.well-known/oauth-authorization-server (RFC 8414) for OAuth-only clients
// - /.well-known/openid-configuration (OIDC Discovery 1.0) for OIDC clients
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// AdminRoutes registers the tenant admin endpoints. Callers need a bearer
// token carrying the admin role in the tenant.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Use(h.validator.RequireBearer, validation.RequireTenantRole(AdminRole))

	r.Post("/clients", h.RegisterClientHandler)
	r.Put("/clients/{clientID}", h.UpdateClientHandler)
	r.Put("/providers/{provider}", h.SetProviderHandler)
	r.Post("/keys/rotate", h.RotateKeyHandler)
	r.Delete("/", h.DeleteTenantHandler)
	if h.apiKeys != nil {
		r.Post("/apikeys", h.CreateAPIKeyHandler)
		r.Delete("/apikeys/{keyID}", h.RevokeAPIKeyHandler)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}
