// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// maxAdminBodySize is the maximum allowed size for admin request bodies (64KB).
const maxAdminBodySize = 64 * 1024

// ClientResponse is the admin view of a registered client.
type ClientResponse struct {
	ClientID         string   `json:"client_id"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types"`
	PKCERequired     bool     `json:"pkce_required"`
	RefreshRotation  bool     `json:"refresh_rotation"`
	AccessTokenTTL   int64    `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL  int64    `json:"refresh_token_ttl,omitempty"`
}

func newClientResponse(c *storage.RegisteredClient) ClientResponse {
	return ClientResponse{
		ClientID:         c.ClientID,
		ClientIDIssuedAt: c.CreatedAt.Unix(),
		ClientName:       c.Name,
		RedirectURIs:     c.RedirectURIs,
		GrantTypes:       c.AllowedGrantTypes,
		PKCERequired:     c.PKCERequired,
		RefreshRotation:  c.RefreshRotation,
		AccessTokenTTL:   int64(c.AccessTokenTTL / time.Second),
		RefreshTokenTTL:  int64(c.RefreshTokenTTL / time.Second),
	}
}

// ProviderResponse is the admin view of a provider config. The secret is
// never echoed back.
type ProviderResponse struct {
	Provider    string   `json:"provider"`
	ClientID    string   `json:"client_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes,omitempty"`
	Active      bool     `json:"active"`
	HasSecret   bool     `json:"has_secret"`
}

// KeyResponse describes a newly activated signing key.
type KeyResponse struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyRequest is the body of an API key creation.
type APIKeyRequest struct {
	OwnerID    string              `json:"owner_id"`
	RateLimits *storage.RateLimits `json:"rate_limits,omitempty"`
}

// APIKeyResponse carries the only copy of a new API key.
type APIKeyResponse struct {
	APIKey     string             `json:"api_key"`
	KeyID      string             `json:"key_id"`
	OwnerID    string             `json:"owner_id"`
	RateLimits storage.RateLimits `json:"rate_limits"`
}

// RegisterClientHandler handles POST /{tenant}/admin/clients requests.
// Registration metadata follows RFC 7591.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	var reg registration.ClientRegistration
	if !decodeAdminBody(w, req, &reg) {
		return
	}
	client, err := h.registry.RegisterClient(ctx, tenantID, &reg)
	if err != nil {
		writeRegistrationError(w, err)
		return
	}
	logger.Debugw("registered client", "tenant_id", tenantID, "client_id", client.ClientID, "admin", adminSubject(req))
	writeJSON(w, http.StatusCreated, newClientResponse(client))
}

// UpdateClientHandler handles PUT /{tenant}/admin/clients/{clientID} requests.
func (h *Handler) UpdateClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	var reg registration.ClientRegistration
	if !decodeAdminBody(w, req, &reg) {
		return
	}
	client, err := h.registry.UpdateClient(ctx, tenantID, chi.URLParam(req, "clientID"), &reg)
	if err != nil {
		writeRegistrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newClientResponse(client))
}

// SetProviderHandler handles PUT /{tenant}/admin/providers/{provider}
// requests, storing the tenant's client configuration for an identity
// provider.
func (h *Handler) SetProviderHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	var settings registration.ProviderSettings
	if !decodeAdminBody(w, req, &settings) {
		return
	}
	settings.Provider = chi.URLParam(req, "provider")

	cfg, err := h.registry.SetProviderConfig(ctx, tenantID, settings)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	logger.Infow("provider configuration updated",
		"tenant_id", tenantID, "provider", cfg.Provider, "admin", adminSubject(req))
	writeJSON(w, http.StatusOK, ProviderResponse{
		Provider:    cfg.Provider,
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
		Active:      cfg.Active,
		HasSecret:   len(cfg.EncryptedClientSecret) > 0,
	})
}

// RotateKeyHandler handles POST /{tenant}/admin/keys/rotate requests.
func (h *Handler) RotateKeyHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	key, err := h.keys.Rotate(ctx, tenantID)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	logger.Infow("signing key rotated by admin", "tenant_id", tenantID, "kid", key.KeyID, "admin", adminSubject(req))
	writeJSON(w, http.StatusOK, KeyResponse{KeyID: key.KeyID, Algorithm: key.Algorithm, CreatedAt: key.CreatedAt})
}

// DeleteTenantHandler handles DELETE /{tenant}/admin requests. It removes
// the tenant's clients and provider configs, revokes its tokens and retires
// its signing keys.
func (h *Handler) DeleteTenantHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	if err := h.registry.DeleteTenant(ctx, tenantID); err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	logger.Infow("tenant deleted", "tenant_id", tenantID, "admin", adminSubject(req))
	w.WriteHeader(http.StatusNoContent)
}

// CreateAPIKeyHandler handles POST /{tenant}/admin/apikeys requests.
func (h *Handler) CreateAPIKeyHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	var body APIKeyRequest
	if !decodeAdminBody(w, req, &body) {
		return
	}
	presented, cred, err := h.apiKeys.CreateKey(ctx, body.OwnerID, tenantID, body.RateLimits)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIKeyResponse{
		APIKey:     presented,
		KeyID:      cred.KeyID,
		OwnerID:    cred.OwnerID,
		RateLimits: cred.RateLimits,
	})
}

// RevokeAPIKeyHandler handles DELETE /{tenant}/admin/apikeys/{keyID} requests.
func (h *Handler) RevokeAPIKeyHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := h.apiKeys.RevokeKey(ctx, tenant.MustFromContext(ctx), chi.URLParam(req, "keyID")); err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeAdminBody decodes a JSON body into dst, writing the error response
// itself when it cannot.
func decodeAdminBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		taerrors.WriteHTTPError(w, taerrors.NewInvalidArgumentError("Content-Type must be application/json", nil))
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAdminBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		taerrors.WriteHTTPError(w, taerrors.NewInvalidArgumentError("invalid JSON request body", err))
		return false
	}
	return true
}

// writeRegistrationError renders RFC 7591 Section 3.2.2 errors for rejected
// client metadata and the usual error body for everything else.
func writeRegistrationError(w http.ResponseWriter, err error) {
	var regErr *registration.RegistrationError
	if errors.As(err, &regErr) {
		writeJSON(w, http.StatusBadRequest, regErr)
		return
	}
	taerrors.WriteHTTPError(w, err)
}

func adminSubject(req *http.Request) string {
	if identity, ok := validation.IdentityFromContext(req.Context()); ok {
		return identity.UserID
	}
	return ""
}
