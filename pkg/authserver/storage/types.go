// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// multi-tenant authorization server and the edge layer.
//
// Every state transition that must be linearizable across processes (active
// key creation, code consumption, refresh rotation, counter increments) is an
// atomic conditional write inside the backend, never a read followed by a
// separate write in the caller.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage,KeyStorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// SigningKey is a tenant's asymmetric signing key. The private half is only
// ever stored sealed with the process master key.
type SigningKey struct {
	TenantID            string    `json:"tenant_id"`
	KeyID               string    `json:"kid"`
	Algorithm           string    `json:"alg"`
	PublicKeyPEM        []byte    `json:"public_key_pem"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// AuthorizationSession is an issued authorization code awaiting exchange.
// State machine: issued -> consumed, or issued -> expired.
// RedirectURIProvided is set when the authorization request named RedirectURI
// itself rather than falling back to the client's single registered URI.
type AuthorizationSession struct {
	Code                string    `json:"code"`
	TenantID            string    `json:"tenant_id"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	Email               string    `json:"email,omitempty"`
	Roles               []string  `json:"roles,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	RedirectURIProvided bool      `json:"redirect_uri_provided,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scopes              []string  `json:"scopes,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// IsExpired reports whether the code can no longer be exchanged at now.
func (s *AuthorizationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenRecord tracks an issued access/refresh token pair. Token values are
// never persisted; records are keyed by their signatures (see Signature).
type TokenRecord struct {
	ID               string    `json:"id"`
	AccessSignature  string    `json:"access_signature"`
	RefreshSignature string    `json:"refresh_signature,omitempty"`
	TenantID         string    `json:"tenant_id"`
	ClientID         string    `json:"client_id"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	Roles            []string  `json:"roles,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	Revoked          bool      `json:"revoked"`
}

// HasRefresh reports whether the record carries a refresh token.
func (r *TokenRecord) HasRefresh() bool {
	return r.RefreshSignature != ""
}

// RegisteredClient is an OAuth client registered under a tenant.
type RegisteredClient struct {
	ClientID          string        `json:"client_id"`
	TenantID          string        `json:"tenant_id"`
	Name              string        `json:"name,omitempty"`
	AllowedGrantTypes []string      `json:"allowed_grant_types"`
	RedirectURIs      []string      `json:"redirect_uris"`
	PKCERequired      bool          `json:"pkce_required"`
	RefreshRotation   bool          `json:"refresh_rotation"`
	AccessTokenTTL    time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `json:"refresh_token_ttl"`
	CreatedAt         time.Time     `json:"created_at"`
}

// AllowsGrant reports whether the client may use the grant type.
func (c *RegisteredClient) AllowsGrant(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ProviderConfig is a tenant's client configuration for an external identity
// provider. An empty TenantID marks the platform-wide default.
type ProviderConfig struct {
	TenantID              string   `json:"tenant_id"`
	Provider              string   `json:"provider"`
	ClientID              string   `json:"client_id"`
	EncryptedClientSecret []byte   `json:"encrypted_client_secret,omitempty"`
	RedirectURI           string   `json:"redirect_uri"`
	Scopes                []string `json:"scopes,omitempty"`
	Active                bool     `json:"active"`
}

// RateLimits are per-window request limits. Zero means unlimited.
type RateLimits struct {
	PerMinute int64 `json:"per_minute"`
	PerHour   int64 `json:"per_hour"`
	PerDay    int64 `json:"per_day"`
}

// APIKeyCredential is an external caller credential. Only the secret's hash
// is stored.
type APIKeyCredential struct {
	KeyID      string     `json:"key_id"`
	SecretHash string     `json:"secret_hash"`
	OwnerID    string     `json:"owner_id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	RateLimits RateLimits `json:"rate_limits"`
	CreatedAt  time.Time  `json:"created_at"`
	Revoked    bool       `json:"revoked"`
}

// CounterIncrement names one fixed-window counter to bump and how long the
// counter must live.
type CounterIncrement struct {
	Key string
	TTL time.Duration
}

// User is the shape of an account as seen by this core. Accounts are owned
// by an external user service.
type User struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles,omitempty"`
	Active   bool     `json:"active"`
}

// Session is a browser session. It carries the tenant binding used by the
// tenant resolver and, once a user has logged in, the authenticated user.
type Session struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintFunc builds the token record for a session that is being consumed. It
// must not call back into the storage. Backends may run it for several
// concurrent callers and persist only one result. Returning an error aborts
// the consumption.
type MintFunc func(*AuthorizationSession) (*TokenRecord, error)

// RefreshFunc builds the replacement record during a refresh exchange. It
// must not call back into the storage. Backends may run it for several
// concurrent callers and persist only one result. Returning an error aborts
// the exchange.
type RefreshFunc func(current *TokenRecord) (*TokenRecord, error)

// KeyStorage persists tenant signing keys.
type KeyStorage interface {
	// GetActiveKey returns the tenant's active key or ErrNotFound.
	GetActiveKey(ctx context.Context, tenantID string) (*SigningKey, error)

	// CreateActiveKey inserts key as the tenant's active key only if the tenant
	// has no active key. Returns ErrAlreadyExists when another key is active.
	CreateActiveKey(ctx context.Context, key *SigningKey) error

	// RotateActiveKey atomically demotes the current active key (if any) and
	// inserts key as active. Demoted keys are retained.
	RotateActiveKey(ctx context.Context, key *SigningKey) error

	// ListKeys returns every key of the tenant, newest first.
	ListKeys(ctx context.Context, tenantID string) ([]*SigningKey, error)

	// DeactivateKeys demotes every key of the tenant.
	DeactivateKeys(ctx context.Context, tenantID string) error
}

// AuthorizationStorage persists authorization sessions.
type AuthorizationStorage interface {
	// CreateAuthorization stores a new session. Returns ErrAlreadyExists on a
	// duplicate code.
	CreateAuthorization(ctx context.Context, session *AuthorizationSession) error

	// GetAuthorization returns the session for code or ErrNotFound.
	GetAuthorization(ctx context.Context, code string) (*AuthorizationSession, error)

	// ConsumeAuthorization atomically checks the session is issued and not
	// expired at now, runs mint, flips the session to consumed and persists the
	// minted record. Returns ErrNotFound, ErrAlreadyConsumed or ErrExpired
	// without calling mint when the session is not exchangeable.
	ConsumeAuthorization(ctx context.Context, code string, now time.Time, mint MintFunc) (*TokenRecord, error)
}

// TokenStorage persists token records.
type TokenStorage interface {
	// CreateToken stores a new record.
	CreateToken(ctx context.Context, record *TokenRecord) error

	// GetTokenByAccess returns the record whose access token has the signature.
	GetTokenByAccess(ctx context.Context, accessSignature string) (*TokenRecord, error)

	// GetTokenByRefresh returns the record whose refresh token has the signature.
	GetTokenByRefresh(ctx context.Context, refreshSignature string) (*TokenRecord, error)

	// ExchangeRefreshToken atomically checks the record is unrevoked and its
	// refresh token unexpired at now, runs mint and stores the result. With
	// rotate the current record is revoked and the minted one inserted; without
	// rotate the minted record replaces the current one and must keep its
	// refresh signature. Returns ErrNotFound, ErrRevoked or ErrExpired without
	// calling mint when the refresh token is not exchangeable.
	ExchangeRefreshToken(ctx context.Context, refreshSignature string, now time.Time, rotate bool, mint RefreshFunc) (*TokenRecord, error)

	// RevokeToken revokes the record matching the signature as an access or a
	// refresh token. Returns ErrNotFound when nothing matches.
	RevokeToken(ctx context.Context, signature string) error

	// RevokeTenantTokens revokes every record of the tenant.
	RevokeTenantTokens(ctx context.Context, tenantID string) error
}

// ClientStorage persists registered clients and identity provider configs.
type ClientStorage interface {
	// GetClient returns the client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*RegisteredClient, error)

	// CreateClient stores a new client. Returns ErrAlreadyExists on a duplicate id.
	CreateClient(ctx context.Context, client *RegisteredClient) error

	// UpdateClient replaces an existing client's configuration. Returns ErrNotFound.
	UpdateClient(ctx context.Context, client *RegisteredClient) error

	// GetProviderConfig returns the config of provider for tenantID ("" for the
	// platform default) or ErrNotFound.
	GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error)

	// SetProviderConfig creates or replaces a provider config.
	SetProviderConfig(ctx context.Context, cfg *ProviderConfig) error

	// ListProviderConfigs returns the configs of tenantID ("" for defaults).
	ListProviderConfigs(ctx context.Context, tenantID string) ([]*ProviderConfig, error)

	// DeleteTenantClients removes every client and provider config of the tenant.
	DeleteTenantClients(ctx context.Context, tenantID string) error
}

// APIKeyStorage persists API key credentials.
type APIKeyStorage interface {
	// GetAPIKey returns the credential or ErrNotFound.
	GetAPIKey(ctx context.Context, keyID string) (*APIKeyCredential, error)

	// CreateAPIKey stores a new credential. Returns ErrAlreadyExists.
	CreateAPIKey(ctx context.Context, key *APIKeyCredential) error

	// RevokeAPIKey marks the credential revoked. Returns ErrNotFound.
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// CounterStorage holds fixed-window rate counters.
type CounterStorage interface {
	// IncrementCounters atomically increments every counter, creating missing
	// ones with their TTL, and returns the new values in order.
	IncrementCounters(ctx context.Context, increments []CounterIncrement) ([]int64, error)
}

// SessionStorage persists browser sessions.
type SessionStorage interface {
	// GetSession returns an unexpired session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, session *Session) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// UserStorage is the user lookup contract consumed from the user service.
type UserStorage interface {
	// FindActiveUser returns the active user with the normalized email in the
	// tenant, or ErrNotFound.
	FindActiveUser(ctx context.Context, tenantID, email string) (*User, error)

	// FindActiveUserByEmail returns the active user with the normalized email
	// in any tenant, or ErrNotFound.
	FindActiveUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUser returns a user by tenant and id, or ErrNotFound.
	GetUser(ctx context.Context, tenantID, userID string) (*User, error)

	// CreateUser stores a user. Returns ErrAlreadyExists.
	CreateUser(ctx context.Context, user *User) error
}

// Storage combines every storage concern of the server.
type Storage interface {
	KeyStorage
	AuthorizationStorage
	TokenStorage
	ClientStorage
	APIKeyStorage
	CounterStorage
	SessionStorage
	UserStorage

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Signature derives the storage key of a token value. Raw token values never
// reach a backend.
func Signature(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
