// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorization implements the authorization code grant: issuing
// single-use, PKCE-bound codes and exchanging them for tokens.
//
// A code is consumed and its token record persisted in one storage
// transaction, so a code can never yield two token sets.
package authorization

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"time"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// DefaultCodeTTL is how long an authorization code can be exchanged.
const DefaultCodeTTL = 5 * time.Minute

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// Exchange outcomes, used as metric labels.
const (
	resultSuccess  = "success"
	resultNotFound = "not_found"
	resultConsumed = "consumed"
	resultExpired  = "expired"
	resultMismatch = "mismatch"
	resultPKCE     = "pkce_failed"
	resultError    = "error"
)

var (
	errMismatch = errors.New("authorization code was issued for another tenant, client or redirect URI")
	errPKCE     = errors.New("PKCE verification failed")
)

// ClientResolver looks up a tenant's registered clients.
type ClientResolver interface {
	Client(ctx context.Context, tenantID, clientID string) (*storage.RegisteredClient, error)
}

// Config configures the Service.
type Config struct {
	// CodeTTL defaults to DefaultCodeTTL.
	CodeTTL time.Duration
}

// AuthorizeRequest is a validated-for-shape authorization request from an
// authenticated principal.
type AuthorizeRequest struct {
	TenantID            string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Principal           token.Principal
}

// ExchangeRequest is a token request with grant_type=authorization_code.
type ExchangeRequest struct {
	TenantID     string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// Service issues and exchanges authorization codes.
type Service struct {
	storage storage.AuthorizationStorage
	clients ClientResolver
	keys    keys.KeyProvider
	issuer  *token.Issuer
	metrics *telemetry.Metrics
	codeTTL time.Duration
}

// NewService creates a Service. metrics may be nil.
func NewService(
	cfg Config,
	st storage.AuthorizationStorage,
	clients ClientResolver,
	kp keys.KeyProvider,
	issuer *token.Issuer,
	metrics *telemetry.Metrics,
) (*Service, error) {
	if st == nil || clients == nil || kp == nil || issuer == nil {
		return nil, errors.New("authorization storage, client resolver, key provider and issuer are required")
	}
	if cfg.CodeTTL < 0 {
		return nil, fmt.Errorf("code TTL must be positive, got %s", cfg.CodeTTL)
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	return &Service{
		storage: st,
		clients: clients,
		keys:    kp,
		issuer:  issuer,
		metrics: metrics,
		codeTTL: cfg.CodeTTL,
	}, nil
}

// Authorize validates the request against the client's registration and
// stores a new authorization code for the principal.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*storage.AuthorizationSession, error) {
	ctx, span := telemetry.StartSpan(ctx, "authorization.Authorize", req.TenantID)
	defer span.End()

	if req.TenantID == "" {
		return nil, taerrors.NewTenantUnresolvedError("tenant is required", nil)
	}
	if req.Principal.UserID == "" {
		return nil, taerrors.NewUnauthorizedError("authentication required", nil)
	}
	if req.ResponseType != "" && req.ResponseType != ResponseTypeCode {
		return nil, taerrors.NewInvalidArgumentError("unsupported response_type", nil)
	}

	client, err := s.clients.Client(ctx, req.TenantID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(token.GrantTypeAuthorizationCode) {
		return nil, taerrors.NewInvalidClientError("client is not allowed the authorization_code grant", nil)
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(redirectURI) {
		return nil, taerrors.NewInvalidArgumentError("redirect_uri does not match a registered redirect URI", nil)
	}

	challenge, method, err := checkChallenge(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	now := s.issuer.Now()
	session := &storage.AuthorizationSession{
		Code:                rand.Text(),
		TenantID:            req.TenantID,
		ClientID:            client.ClientID,
		UserID:              req.Principal.UserID,
		Email:               req.Principal.Email,
		Roles:               slices.Clone(req.Principal.Roles),
		RedirectURI:         redirectURI,
		RedirectURIProvided: req.RedirectURI != "",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scopes:              slices.Clone(req.Scopes),
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.storage.CreateAuthorization(ctx, session); err != nil {
		return nil, taerrors.NewInternalError("failed to store authorization code", err)
	}

	logger.Debugw("authorization code issued",
		"tenant_id", req.TenantID, "client_id", client.ClientID, "pkce_method", method)
	return session, nil
}

// Exchange trades an authorization code for tokens. Every rejection is the
// same generic invalid_grant; the reason is only logged.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*token.Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "authorization.Exchange", req.TenantID)
	defer span.End()

	if req.TenantID == "" {
		return nil, taerrors.NewTenantUnresolvedError("tenant is required", nil)
	}
	client, err := s.clients.Client(ctx, req.TenantID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(token.GrantTypeAuthorizationCode) {
		return nil, taerrors.NewInvalidClientError("client is not allowed the authorization_code grant", nil)
	}
	if req.Code == "" {
		return nil, s.reject(req, resultNotFound, storage.ErrNotFound)
	}

	now := s.issuer.Now()

	// Cheap rejection of codes that can never succeed, before any key is
	// decrypted. The consuming transaction repeats every check.
	current, err := s.storage.GetAuthorization(ctx, req.Code)
	if err != nil {
		return nil, s.classify(req, err)
	}
	if err := checkSession(current, req, now); err != nil {
		return nil, s.classify(req, err)
	}

	var resp *token.Response
	err = s.keys.WithSigningKey(ctx, req.TenantID, func(key *keys.SigningKeyData) error {
		_, err := s.storage.ConsumeAuthorization(ctx, req.Code, now,
			func(session *storage.AuthorizationSession) (*storage.TokenRecord, error) {
				if err := checkSession(session, req, now); err != nil {
					return nil, err
				}
				minted, record, err := s.issuer.Mint(ctx, key, token.IssueRequest{
					TenantID: session.TenantID,
					Client:   client,
					Principal: token.Principal{
						UserID: session.UserID,
						Email:  session.Email,
						Roles:  session.Roles,
					},
					Scopes:    session.Scopes,
					Nonce:     session.Nonce,
					GrantType: token.GrantTypeAuthorizationCode,
				}, now)
				if err != nil {
					return nil, err
				}
				resp = minted
				return record, nil
			})
		return err
	})
	if err != nil {
		return nil, s.classify(req, err)
	}

	s.metrics.CodeExchange(resultSuccess)
	s.metrics.TokenIssued(token.GrantTypeAuthorizationCode)
	return resp, nil
}

// checkSession verifies everything about a stored code except single use,
// which only the storage transaction can decide.
func checkSession(session *storage.AuthorizationSession, req ExchangeRequest, now time.Time) error {
	if session.Consumed {
		return storage.ErrAlreadyConsumed
	}
	if session.IsExpired(now) {
		return storage.ErrExpired
	}
	if session.TenantID != req.TenantID || session.ClientID != req.ClientID {
		return errMismatch
	}
	// redirect_uri is required at the token endpoint only when the
	// authorization request carried it; when sent anyway it must still match.
	if (session.RedirectURIProvided || req.RedirectURI != "") && session.RedirectURI != req.RedirectURI {
		return errMismatch
	}
	if session.CodeChallenge == "" {
		// A verifier for a code issued without a challenge is a downgrade signal.
		if req.CodeVerifier != "" {
			return errPKCE
		}
		return nil
	}
	if !servercrypto.VerifyPKCE(session.CodeChallenge, session.CodeChallengeMethod, req.CodeVerifier) {
		return errPKCE
	}
	return nil
}

func checkChallenge(client *storage.RegisteredClient, challenge, method string) (string, string, error) {
	if challenge == "" {
		if method != "" {
			return "", "", taerrors.NewInvalidArgumentError("code_challenge_method requires code_challenge", nil)
		}
		if client.PKCERequired {
			return "", "", taerrors.NewInvalidArgumentError("code_challenge is required", nil)
		}
		return "", "", nil
	}
	if method == "" {
		method = servercrypto.PKCEChallengeMethodPlain
	}
	method = canonicalMethod(method)
	if !servercrypto.IsSupportedChallengeMethod(method) {
		return "", "", taerrors.NewInvalidArgumentError("unsupported code_challenge_method", nil)
	}
	// An S256 challenge is 43 base64url characters, a plain one is a verifier;
	// both fit the verifier alphabet and length.
	if !servercrypto.IsValidVerifier(challenge) {
		return "", "", taerrors.NewInvalidArgumentError("malformed code_challenge", nil)
	}
	return challenge, method, nil
}

// classify maps a failed exchange to its error. Domain outcomes become the
// generic invalid_grant; key store and internal failures pass through.
func (s *Service) classify(req ExchangeRequest, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.reject(req, resultNotFound, err)
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return s.reject(req, resultConsumed, err)
	case errors.Is(err, storage.ErrExpired):
		return s.reject(req, resultExpired, err)
	case errors.Is(err, errMismatch):
		return s.reject(req, resultMismatch, err)
	case errors.Is(err, errPKCE):
		return s.reject(req, resultPKCE, err)
	}
	s.metrics.CodeExchange(resultError)
	if taerrors.TypeOf(err) != "" {
		return err
	}
	return taerrors.NewInternalError("authorization code exchange failed", err)
}

func (s *Service) reject(req ExchangeRequest, result string, cause error) error {
	logger.Debugw("authorization code rejected",
		"tenant_id", req.TenantID, "client_id", req.ClientID, "reason", result)
	s.metrics.CodeExchange(result)
	return taerrors.NewInvalidGrantError("the authorization code is invalid", cause)
}
