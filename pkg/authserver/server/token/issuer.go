// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and refreshes the RS256 access tokens, ID tokens and
// opaque refresh tokens issued under a tenant's issuer.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// Grant types handled by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the token_type of every response.
const TokenTypeBearer = "Bearer"

// errForeignToken aborts a refresh of a token issued to another tenant or client.
var errForeignToken = errors.New("refresh token belongs to another tenant or client")

// IssueRequest describes the tokens to mint.
type IssueRequest struct {
	TenantID  string
	Client    *storage.RegisteredClient
	Principal Principal
	Scopes    []string
	Nonce     string
	GrantType string
}

// Response is the token endpoint response body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Issuer signs tokens with the tenant's active key.
type Issuer struct {
	keys       keys.KeyProvider
	storage    storage.TokenStorage
	cfg        Config
	customizer ClaimsCustomizer
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClaimsCustomizer installs a claims customizer.
func WithClaimsCustomizer(c ClaimsCustomizer) Option {
	return func(i *Issuer) {
		if c != nil {
			i.customizer = c
		}
	}
}

// WithMetrics records issued tokens.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer.
func NewIssuer(kp keys.KeyProvider, st storage.TokenStorage, cfg Config, opts ...Option) (*Issuer, error) {
	if kp == nil {
		return nil, errors.New("key provider is required")
	}
	if st == nil {
		return nil, errors.New("token storage is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}
	i := &Issuer{
		keys:       kp,
		storage:    st,
		cfg:        cfg,
		customizer: NoopCustomizer{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Now returns the issuer's current time.
func (i *Issuer) Now() time.Time {
	return i.now()
}

// Issuer returns the issuer URL of tenantID.
func (i *Issuer) Issuer(tenantID string) string {
	return TenantIssuer(i.cfg.BaseIssuer, tenantID)
}

// Issue signs tokens for req and persists their record.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Response, *storage.TokenRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "token.Issue", req.TenantID)
	defer span.End()

	if err := checkRequest(req); err != nil {
		return nil, nil, err
	}

	var (
		resp   *Response
		record *storage.TokenRecord
	)
	err := i.keys.WithSigningKey(ctx, req.TenantID, func(key *keys.SigningKeyData) error {
		var err error
		resp, record, err = i.Mint(ctx, key, req, i.now())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if err := i.storage.CreateToken(ctx, record); err != nil {
		return nil, nil, taerrors.NewInternalError("failed to store token record", err)
	}
	if req.GrantType != "" {
		i.metrics.TokenIssued(req.GrantType)
	}
	return resp, record, nil
}

// Mint signs the tokens for req with key and builds the record to persist.
// It does not touch storage, so it can run inside a storage transaction.
// Callers record the issuance once the record is committed.
func (i *Issuer) Mint(ctx context.Context, key *keys.SigningKeyData, req IssueRequest, now time.Time) (*Response, *storage.TokenRecord, error) {
	if err := checkRequest(req); err != nil {
		return nil, nil, err
	}

	issuer := i.Issuer(req.TenantID)
	audience := i.cfg.Audience
	if audience == "" {
		audience = issuer
	}
	roles := NormalizeRoles(req.Principal.Roles)
	scope := strings.Join(req.Scopes, " ")
	accessTTL := ttlOr(req.Client.AccessTokenTTL, i.cfg.AccessTokenTTL)

	claims := jwt.MapClaims{}
	extra, err := i.customizer.CustomClaims(ctx, req.TenantID, req.Principal)
	if err != nil {
		return nil, nil, taerrors.NewInternalError("claims customization failed", err)
	}
	for name, value := range extra {
		if !slices.Contains(reservedClaims, name) {
			claims[name] = value
		}
	}
	claims["iss"] = issuer
	claims["sub"] = req.Principal.UserID
	claims["aud"] = audience
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = now.Add(accessTTL).Unix()
	claims["jti"] = uuid.NewString()
	claims[ClaimTenantID] = req.TenantID
	claims[ClaimRoles] = roles
	claims[ClaimClientID] = req.Client.ClientID
	if scope != "" {
		claims[ClaimScope] = scope
	}
	if req.Principal.Email != "" {
		claims[ClaimEmail] = req.Principal.Email
	}

	accessToken, err := sign(key, claims)
	if err != nil {
		return nil, nil, err
	}

	record := &storage.TokenRecord{
		ID:              uuid.NewString(),
		AccessSignature: storage.Signature(accessToken),
		TenantID:        req.TenantID,
		ClientID:        req.Client.ClientID,
		UserID:          req.Principal.UserID,
		Email:           req.Principal.Email,
		Scopes:          slices.Clone(req.Scopes),
		Roles:           roles,
		IssuedAt:        now,
		AccessExpiresAt: now.Add(accessTTL),
	}
	resp := &Response{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(accessTTL / time.Second),
		Scope:       scope,
	}

	if req.Client.AllowsGrant(GrantTypeRefreshToken) {
		refreshToken := rand.Text()
		record.RefreshSignature = storage.Signature(refreshToken)
		record.RefreshExpiresAt = now.Add(ttlOr(req.Client.RefreshTokenTTL, i.cfg.RefreshTokenTTL))
		resp.RefreshToken = refreshToken
	}

	if slices.Contains(req.Scopes, ScopeOpenID) {
		idClaims := jwt.MapClaims{
			"iss":         issuer,
			"sub":         req.Principal.UserID,
			"aud":         req.Client.ClientID,
			"iat":         now.Unix(),
			"exp":         now.Add(accessTTL).Unix(),
			ClaimTenantID: req.TenantID,
		}
		if req.Principal.Email != "" {
			idClaims[ClaimEmail] = req.Principal.Email
		}
		if req.Nonce != "" {
			idClaims[ClaimNonce] = req.Nonce
		}
		if resp.IDToken, err = sign(key, idClaims); err != nil {
			return nil, nil, err
		}
	}

	return resp, record, nil
}

// Refresh exchanges a refresh token for a new access token. With the client's
// refresh rotation enabled the old record is revoked and a new refresh token
// issued in the same storage transaction; otherwise the refresh token stays
// valid and only the access token is replaced.
func (i *Issuer) Refresh(ctx context.Context, tenantID string, client *storage.RegisteredClient, refreshToken string) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "token.Refresh", tenantID)
	defer span.End()

	if client == nil || client.TenantID != tenantID {
		return nil, taerrors.NewInvalidClientError("unknown client", nil)
	}
	if !client.AllowsGrant(GrantTypeRefreshToken) {
		return nil, taerrors.NewInvalidClientError("client is not allowed the refresh_token grant", nil)
	}
	if refreshToken == "" {
		return nil, invalidRefresh(nil)
	}

	now := i.now()
	rotate := client.RefreshRotation
	var resp *Response
	err := i.keys.WithSigningKey(ctx, tenantID, func(key *keys.SigningKeyData) error {
		_, err := i.storage.ExchangeRefreshToken(ctx, storage.Signature(refreshToken), now, rotate,
			func(current *storage.TokenRecord) (*storage.TokenRecord, error) {
				if current.TenantID != tenantID || current.ClientID != client.ClientID {
					return nil, errForeignToken
				}
				minted, next, err := i.Mint(ctx, key, IssueRequest{
					TenantID: tenantID,
					Client:   client,
					Principal: Principal{
						UserID: current.UserID,
						Email:  current.Email,
						Roles:  current.Roles,
					},
					Scopes:    current.Scopes,
					GrantType: GrantTypeRefreshToken,
				}, now)
				if err != nil {
					return nil, err
				}
				if !rotate {
					next.ID = current.ID
					next.RefreshSignature = current.RefreshSignature
					next.RefreshExpiresAt = current.RefreshExpiresAt
					minted.RefreshToken = refreshToken
				}
				resp = minted
				return next, nil
			})
		return err
	})
	switch {
	case err == nil:
		i.metrics.TokenIssued(GrantTypeRefreshToken)
		return resp, nil
	case storage.IsDomainOutcome(err), errors.Is(err, errForeignToken):
		logger.Debugw("refresh token rejected", "tenant_id", tenantID, "client_id", client.ClientID, "error", err)
		return nil, invalidRefresh(err)
	case taerrors.TypeOf(err) != "":
		return nil, err
	default:
		return nil, taerrors.NewInternalError("refresh failed", err)
	}
}

// Revoke revokes the record of an access or refresh token (RFC 7009).
// Unknown tokens and tokens of other tenants or clients are ignored.
func (i *Issuer) Revoke(ctx context.Context, tenantID, clientID, tokenValue string) error {
	if tokenValue == "" {
		return nil
	}
	signature := storage.Signature(tokenValue)

	record, err := i.storage.GetTokenByAccess(ctx, signature)
	if errors.Is(err, storage.ErrNotFound) {
		record, err = i.storage.GetTokenByRefresh(ctx, signature)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return taerrors.NewInternalError("failed to look up token", err)
	}
	if record.TenantID != tenantID || (clientID != "" && record.ClientID != clientID) {
		logger.Debugw("ignoring revocation of foreign token", "tenant_id", tenantID, "client_id", clientID)
		return nil
	}

	if err := i.storage.RevokeToken(ctx, signature); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return taerrors.NewInternalError("failed to revoke token", err)
	}
	return nil
}

func checkRequest(req IssueRequest) error {
	switch {
	case req.TenantID == "":
		return taerrors.NewTenantUnresolvedError("tenant is required", nil)
	case req.Client == nil:
		return taerrors.NewInvalidClientError("client is required", nil)
	case req.Client.TenantID != req.TenantID:
		return taerrors.NewInvalidClientError("client is not registered under the tenant", nil)
	case req.Principal.UserID == "":
		return taerrors.NewInvalidArgumentError("subject is required", nil)
	}
	return nil
}

func sign(key *keys.SigningKeyData, claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KeyID
	signed, err := tok.SignedString(key.Key)
	if err != nil {
		return "", taerrors.NewKeyStoreFailureError("failed to sign token", err)
	}
	return signed, nil
}

func invalidRefresh(cause error) error {
	return taerrors.NewInvalidGrantError("the refresh token is invalid", cause)
}

func ttlOr(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
