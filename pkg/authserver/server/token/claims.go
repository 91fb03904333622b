// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"slices"
)

// Claim names beyond the registered JWT claims.
const (
	ClaimTenantID = "tenant_id"
	ClaimRoles    = "roles"
	ClaimScope    = "scope"
	ClaimClientID = "client_id"
	ClaimEmail    = "email"
	ClaimNonce    = "nonce"
)

// Roles with special meaning at issuance time.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// ScopeOpenID requests an ID token.
const ScopeOpenID = "openid"

// reservedClaims cannot be set by a ClaimsCustomizer.
var reservedClaims = []string{
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
	ClaimTenantID, ClaimRoles, ClaimScope, ClaimClientID,
}

// Principal is the authenticated subject a token is issued for.
type Principal struct {
	UserID string
	Email  string
	Roles  []string
}

// ClaimsCustomizer adds deployment-specific claims to access tokens. It runs
// while an authorization code or refresh token is being consumed and must not
// call into the storage layer. Reserved claims it returns are ignored.
type ClaimsCustomizer interface {
	CustomClaims(ctx context.Context, tenantID string, principal Principal) (map[string]any, error)
}

// NoopCustomizer adds no claims.
type NoopCustomizer struct{}

// CustomClaims implements ClaimsCustomizer.
func (NoopCustomizer) CustomClaims(context.Context, string, Principal) (map[string]any, error) {
	return nil, nil
}

// NormalizeRoles returns a sorted copy of roles without duplicates. An owner
// is always an admin.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles)+1)
	for _, r := range roles {
		if r != "" {
			out = append(out, r)
		}
	}
	if slices.Contains(out, RoleOwner) {
		out = append(out, RoleAdmin)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
