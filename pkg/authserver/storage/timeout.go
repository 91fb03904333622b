// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// DefaultOperationTimeout bounds a single storage call.
const DefaultOperationTimeout = 5 * time.Second

// timeoutStorage bounds every call of the wrapped Storage. The deadline is
// the earlier of the caller's and the operation timeout.
type timeoutStorage struct {
	next    Storage
	timeout time.Duration
}

// WithOperationTimeout wraps st so that every call runs under a context that
// expires after timeout. A zero timeout returns st unchanged.
func WithOperationTimeout(st Storage, timeout time.Duration) Storage {
	if timeout <= 0 {
		return st
	}
	return &timeoutStorage{next: st, timeout: timeout}
}

func call[T any](ctx context.Context, s *timeoutStorage, op func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return op(ctx)
}

func exec(ctx context.Context, s *timeoutStorage, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return op(ctx)
}

func (s *timeoutStorage) GetActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	return call(ctx, s, func(ctx context.Context) (*SigningKey, error) { return s.next.GetActiveKey(ctx, tenantID) })
}

func (s *timeoutStorage) CreateActiveKey(ctx context.Context, key *SigningKey) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateActiveKey(ctx, key) })
}

func (s *timeoutStorage) RotateActiveKey(ctx context.Context, key *SigningKey) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.RotateActiveKey(ctx, key) })
}

func (s *timeoutStorage) ListKeys(ctx context.Context, tenantID string) ([]*SigningKey, error) {
	return call(ctx, s, func(ctx context.Context) ([]*SigningKey, error) { return s.next.ListKeys(ctx, tenantID) })
}

func (s *timeoutStorage) DeactivateKeys(ctx context.Context, tenantID string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.DeactivateKeys(ctx, tenantID) })
}

func (s *timeoutStorage) CreateAuthorization(ctx context.Context, session *AuthorizationSession) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateAuthorization(ctx, session) })
}

func (s *timeoutStorage) GetAuthorization(ctx context.Context, code string) (*AuthorizationSession, error) {
	return call(ctx, s, func(ctx context.Context) (*AuthorizationSession, error) {
		return s.next.GetAuthorization(ctx, code)
	})
}

func (s *timeoutStorage) ConsumeAuthorization(ctx context.Context, code string, now time.Time, mint MintFunc) (*TokenRecord, error) {
	return call(ctx, s, func(ctx context.Context) (*TokenRecord, error) {
		return s.next.ConsumeAuthorization(ctx, code, now, mint)
	})
}

func (s *timeoutStorage) CreateToken(ctx context.Context, record *TokenRecord) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateToken(ctx, record) })
}

func (s *timeoutStorage) GetTokenByAccess(ctx context.Context, accessSignature string) (*TokenRecord, error) {
	return call(ctx, s, func(ctx context.Context) (*TokenRecord, error) {
		return s.next.GetTokenByAccess(ctx, accessSignature)
	})
}

func (s *timeoutStorage) GetTokenByRefresh(ctx context.Context, refreshSignature string) (*TokenRecord, error) {
	return call(ctx, s, func(ctx context.Context) (*TokenRecord, error) {
		return s.next.GetTokenByRefresh(ctx, refreshSignature)
	})
}

func (s *timeoutStorage) ExchangeRefreshToken(
	ctx context.Context, refreshSignature string, now time.Time, rotate bool, mint RefreshFunc,
) (*TokenRecord, error) {
	return call(ctx, s, func(ctx context.Context) (*TokenRecord, error) {
		return s.next.ExchangeRefreshToken(ctx, refreshSignature, now, rotate, mint)
	})
}

func (s *timeoutStorage) RevokeToken(ctx context.Context, signature string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.RevokeToken(ctx, signature) })
}

func (s *timeoutStorage) RevokeTenantTokens(ctx context.Context, tenantID string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.RevokeTenantTokens(ctx, tenantID) })
}

func (s *timeoutStorage) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	return call(ctx, s, func(ctx context.Context) (*RegisteredClient, error) { return s.next.GetClient(ctx, clientID) })
}

func (s *timeoutStorage) CreateClient(ctx context.Context, client *RegisteredClient) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateClient(ctx, client) })
}

func (s *timeoutStorage) UpdateClient(ctx context.Context, client *RegisteredClient) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.UpdateClient(ctx, client) })
}

func (s *timeoutStorage) GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error) {
	return call(ctx, s, func(ctx context.Context) (*ProviderConfig, error) {
		return s.next.GetProviderConfig(ctx, tenantID, provider)
	})
}

func (s *timeoutStorage) SetProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.SetProviderConfig(ctx, cfg) })
}

func (s *timeoutStorage) ListProviderConfigs(ctx context.Context, tenantID string) ([]*ProviderConfig, error) {
	return call(ctx, s, func(ctx context.Context) ([]*ProviderConfig, error) {
		return s.next.ListProviderConfigs(ctx, tenantID)
	})
}

func (s *timeoutStorage) DeleteTenantClients(ctx context.Context, tenantID string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.DeleteTenantClients(ctx, tenantID) })
}

func (s *timeoutStorage) GetAPIKey(ctx context.Context, keyID string) (*APIKeyCredential, error) {
	return call(ctx, s, func(ctx context.Context) (*APIKeyCredential, error) { return s.next.GetAPIKey(ctx, keyID) })
}

func (s *timeoutStorage) CreateAPIKey(ctx context.Context, key *APIKeyCredential) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateAPIKey(ctx, key) })
}

func (s *timeoutStorage) RevokeAPIKey(ctx context.Context, keyID string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.RevokeAPIKey(ctx, keyID) })
}

func (s *timeoutStorage) IncrementCounters(ctx context.Context, increments []CounterIncrement) ([]int64, error) {
	return call(ctx, s, func(ctx context.Context) ([]int64, error) { return s.next.IncrementCounters(ctx, increments) })
}

func (s *timeoutStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	return call(ctx, s, func(ctx context.Context) (*Session, error) { return s.next.GetSession(ctx, id) })
}

func (s *timeoutStorage) SaveSession(ctx context.Context, session *Session) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.SaveSession(ctx, session) })
}

func (s *timeoutStorage) DeleteSession(ctx context.Context, id string) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.DeleteSession(ctx, id) })
}

func (s *timeoutStorage) FindActiveUser(ctx context.Context, tenantID, email string) (*User, error) {
	return call(ctx, s, func(ctx context.Context) (*User, error) { return s.next.FindActiveUser(ctx, tenantID, email) })
}

func (s *timeoutStorage) FindActiveUserByEmail(ctx context.Context, email string) (*User, error) {
	return call(ctx, s, func(ctx context.Context) (*User, error) { return s.next.FindActiveUserByEmail(ctx, email) })
}

func (s *timeoutStorage) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	return call(ctx, s, func(ctx context.Context) (*User, error) { return s.next.GetUser(ctx, tenantID, userID) })
}

func (s *timeoutStorage) CreateUser(ctx context.Context, user *User) error {
	return exec(ctx, s, func(ctx context.Context) error { return s.next.CreateUser(ctx, user) })
}

func (s *timeoutStorage) Health(ctx context.Context) error {
	return exec(ctx, s, s.next.Health)
}

func (s *timeoutStorage) Close() error {
	return s.next.Close()
}
