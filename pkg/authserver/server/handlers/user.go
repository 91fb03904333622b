// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"

	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
)

// UserResolver turns the user bound to a browser session into the principal
// tokens are issued for. Accounts belong to the external user service; this
// only looks them up.
type UserResolver struct {
	storage    storage.UserStorage
	readPolicy retry.Policy
}

// NewUserResolver creates a new UserResolver with the given storage.
func NewUserResolver(stor storage.UserStorage) *UserResolver {
	policy := retry.DefaultPolicy()
	policy.Permanent = storage.IsDomainOutcome
	return &UserResolver{storage: stor, readPolicy: policy}
}

// ResolvePrincipal returns the principal of the session's user within
// tenantID. Sessions without a logged-in user, users of other tenants and
// inactive users are unauthorized.
func (r *UserResolver) ResolvePrincipal(ctx context.Context, tenantID string, session *storage.Session) (token.Principal, error) {
	if session == nil || session.UserID == "" {
		return token.Principal{}, taerrors.NewUnauthorizedError("login required", nil)
	}
	if session.TenantID != tenantID {
		return token.Principal{}, taerrors.NewUnauthorizedError("login required", nil)
	}

	user, err := retry.Read(ctx, r.readPolicy, "get_user", func(ctx context.Context) (*storage.User, error) {
		return r.storage.GetUser(ctx, tenantID, session.UserID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debugw("session user not found", "tenant_id", tenantID, "user_id", session.UserID)
		return token.Principal{}, taerrors.NewUnauthorizedError("login required", nil)
	}
	if err != nil {
		return token.Principal{}, taerrors.NewInternalError("failed to look up user", err)
	}
	if !user.Active {
		logger.Debugw("inactive user", "tenant_id", tenantID, "user_id", user.ID)
		return token.Principal{}, taerrors.NewUnauthorizedError("login required", nil)
	}

	return token.Principal{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  token.NormalizeRoles(user.Roles),
	}, nil
}
