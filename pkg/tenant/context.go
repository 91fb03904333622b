// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tenant resolves the tenant of an inbound request and carries it in
// the request context.
//
// The tenant lives only in the context of the request it was resolved for.
// Nothing here caches a tenant across requests or goroutines.
package tenant

import (
	"context"
	"regexp"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
)

// ContextKey is the key used to store the tenant ID in the request context.
type ContextKey struct{}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// WithTenant stores a tenant ID in the context.
// If tenantID is empty, the original context is returned unchanged.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, ContextKey{}, tenantID)
}

// FromContext retrieves the tenant ID from the context.
// Returns the tenant ID and true if present, "" and false otherwise.
func FromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(ContextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// MustFromContext returns the tenant ID from the context and panics when none
// is set. Use only behind Middleware.
func MustFromContext(ctx context.Context) string {
	tenantID, ok := FromContext(ctx)
	if !ok {
		panic("tenant: no tenant in context")
	}
	return tenantID
}

// Require returns the tenant ID from the context or a TenantUnresolved error.
func Require(ctx context.Context) (string, error) {
	tenantID, ok := FromContext(ctx)
	if !ok {
		return "", taerrors.NewTenantUnresolvedError("no tenant in request context", nil)
	}
	return tenantID, nil
}

// IsValidID reports whether id is a well-formed tenant identifier.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateID returns a TenantUnresolved error for a malformed identifier.
func ValidateID(id string) error {
	if !IsValidID(id) {
		return taerrors.NewTenantUnresolvedError("malformed tenant identifier", nil)
	}
	return nil
}

// SessionContextKey is the key used to store the bound browser session.
type SessionContextKey struct{}

// WithSession stores the request's browser session in the context.
// If session is nil, the original context is returned unchanged.
func WithSession(ctx context.Context, session *storage.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, SessionContextKey{}, session)
}

// SessionFromContext retrieves the browser session bound to the request.
func SessionFromContext(ctx context.Context) (*storage.Session, bool) {
	session, ok := ctx.Value(SessionContextKey{}).(*storage.Session)
	return session, ok
}
