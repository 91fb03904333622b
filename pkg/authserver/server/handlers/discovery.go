// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	// Retired keys stay published for the key retention window, which must
	// exceed this.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// TokenEndpointAuthMethodNone marks public clients (RFC 7591).
const TokenEndpointAuthMethodNone = "none"

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata
// of a tenant (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// OIDCDiscoveryDocument extends the OAuth metadata with the fields OIDC
// Discovery 1.0 requires.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported,omitempty"`
}

// signingAlgorithms extracts the signing algorithms from a key set. With no
// keys it falls back to RS256 per OIDC Core Section 15.1.
func signingAlgorithms(set jose.JSONWebKeySet) []string {
	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// JWKSHandler handles GET /{tenant}/.well-known/jwks.json requests.
// It returns the tenant's active and retained public keys. Keys are created
// on first signing only, so an unknown tenant gets an empty set.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	set, err := h.keys.PublicKeySet(ctx, tenantID)
	if err != nil {
		logger.Errorw("failed to load public key set", "tenant_id", tenantID, "error", err)
		taerrors.WriteHTTPError(w, err)
		return
	}

	writeCacheable(w, set, DefaultJWKSCacheMaxAge)
}

// buildOAuthMetadata constructs the OAuth 2.0 Authorization Server Metadata
// of a tenant. It is shared by both discovery endpoints.
func (h *Handler) buildOAuthMetadata(tenantID string) AuthorizationServerMetadata {
	issuer := h.issuer.Issuer(tenantID)

	return AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/oauth/authorize",
		TokenEndpoint:          issuer + "/oauth/token",
		RevocationEndpoint:     issuer + "/oauth/revoke",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		ResponseTypesSupported: []string{authorization.ResponseTypeCode},
		GrantTypesSupported: []string{
			token.GrantTypeAuthorizationCode,
			token.GrantTypeRefreshToken,
		},
		CodeChallengeMethodsSupported: []string{
			crypto.PKCEChallengeMethodS256,
			crypto.PKCEChallengeMethodPlain,
		},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone},
	}
}

// OAuthDiscoveryHandler handles GET /{tenant}/.well-known/oauth-authorization-server requests.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	writeCacheable(w, h.buildOAuthMetadata(tenant.MustFromContext(req.Context())), DefaultDiscoveryCacheMaxAge)
}

// OIDCDiscoveryHandler handles GET /{tenant}/.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	// The advertised algorithms come from the published keys; a tenant without
	// keys yet still gets a document.
	set, err := h.keys.PublicKeySet(ctx, tenantID)
	if err != nil {
		logger.Warnw("failed to load public key set for discovery", "tenant_id", tenantID, "error", err)
	}

	discovery := OIDCDiscoveryDocument{
		AuthorizationServerMetadata:      h.buildOAuthMetadata(tenantID),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: signingAlgorithms(set),
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", token.ClaimEmail,
			token.ClaimTenantID, token.ClaimRoles, token.ClaimScope, token.ClaimClientID,
		},
	}
	writeCacheable(w, discovery, DefaultDiscoveryCacheMaxAge)
}

func writeCacheable(w http.ResponseWriter, body any, maxAge int) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Errorw("failed to encode discovery response", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
