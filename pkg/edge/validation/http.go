// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// maxValidateBody caps the request body of the validate endpoint.
const maxValidateBody = 16 << 10

// IdentityContextKey is the context key for the verified Identity.
type IdentityContextKey struct{}

// WithIdentity adds identity to ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext returns the Identity stored by RequireBearer.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// RequireBearer rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func (v *Validator) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.Validate(r.Context(), BearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			taerrors.WriteHTTPError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireTenantRole admits callers holding role within the request's tenant.
// It must run after RequireBearer and the tenant middleware. Super-tenant
// identities holding role are admitted for any tenant.
func RequireTenantRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				taerrors.WriteHTTPError(w, taerrors.NewUnauthorizedError("authentication required", nil))
				return
			}
			tenantID, err := tenant.Require(r.Context())
			if err != nil {
				taerrors.WriteHTTPError(w, err)
				return
			}
			if !identity.HasRole(role) || (!identity.SuperTenant && identity.TenantID != tenantID) {
				taerrors.WriteHTTPError(w, taerrors.NewForbiddenError("insufficient privileges", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

// ValidateHandler serves the internal validate entry point. The token is
// read from the JSON body or, if absent there, the Authorization header.
func (v *Validator) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValidateBody)).Decode(&req); err != nil {
			taerrors.WriteHTTPError(w, taerrors.NewInvalidArgumentError("malformed request body", err))
			return
		}
	}
	if req.Token == "" {
		req.Token = BearerToken(r)
	}

	identity, err := v.Validate(r.Context(), req.Token)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(identity)
}
