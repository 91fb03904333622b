// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// RFC 7636 Appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

const redirectURI = "https://app.example.com/callback"

type staticClients map[string]*storage.RegisteredClient

func (c staticClients) Client(_ context.Context, tenantID, clientID string) (*storage.RegisteredClient, error) {
	client, ok := c[clientID]
	if !ok || client.TenantID != tenantID {
		return nil, taerrors.NewInvalidClientError("unknown client", nil)
	}
	return client, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	service *Service
	storage *storage.MemoryStorage
	clock   *clock
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = st.Close() })

	master := make([]byte, servercrypto.MasterKeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	sealer, err := servercrypto.NewSealer(master)
	require.NoError(t, err)

	metrics := telemetry.NewMetrics()
	keyStore, err := keys.NewStore(st, sealer, keys.Config{}, metrics)
	require.NoError(t, err)

	c := &clock{now: time.Now().Truncate(time.Second)}
	issuer, err := token.NewIssuer(keyStore, st, token.Config{BaseIssuer: "https://auth.example.com"},
		token.WithClock(c.Now), token.WithMetrics(metrics))
	require.NoError(t, err)

	clients := staticClients{
		"acme-app": {
			ClientID:          "acme-app",
			TenantID:          "acme",
			AllowedGrantTypes: []string{token.GrantTypeAuthorizationCode, token.GrantTypeRefreshToken},
			RedirectURIs:      []string{redirectURI},
			PKCERequired:      true,
			RefreshRotation:   true,
		},
		"acme-legacy": {
			ClientID:          "acme-legacy",
			TenantID:          "acme",
			AllowedGrantTypes: []string{token.GrantTypeAuthorizationCode},
			RedirectURIs:      []string{redirectURI, "https://app.example.com/other"},
		},
		"globex-app": {
			ClientID:          "globex-app",
			TenantID:          "globex",
			AllowedGrantTypes: []string{token.GrantTypeAuthorizationCode},
			RedirectURIs:      []string{redirectURI},
		},
	}

	svc, err := NewService(Config{}, st, clients, keyStore, issuer, metrics)
	require.NoError(t, err)
	return &fixture{service: svc, storage: st, clock: c, metrics: metrics}
}

var alice = token.Principal{UserID: "user-1", Email: "alice@acme.example", Roles: []string{"member"}}

func (f *fixture) authorize(t *testing.T, method string) *storage.AuthorizationSession {
	t.Helper()
	challenge := rfcChallenge
	if method == servercrypto.PKCEChallengeMethodPlain {
		challenge = rfcVerifier
	}
	session, err := f.service.Authorize(context.Background(), AuthorizeRequest{
		TenantID:            "acme",
		ClientID:            "acme-app",
		RedirectURI:         redirectURI,
		ResponseType:        ResponseTypeCode,
		Scopes:              []string{token.ScopeOpenID},
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Principal:           alice,
	})
	require.NoError(t, err)
	return session
}

func (f *fixture) exchangeCount(t *testing.T, result string) float64 {
	t.Helper()
	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tenantauth_authorization_code_exchanges_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestAuthorizeAndExchangeS256(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session := f.authorize(t, "s256")
	assert.Equal(t, servercrypto.PKCEChallengeMethodS256, session.CodeChallengeMethod)
	assert.Equal(t, f.clock.Now().Add(DefaultCodeTTL), session.ExpiresAt)

	resp, err := f.service.Exchange(ctx, ExchangeRequest{
		TenantID:     "acme",
		ClientID:     "acme-app",
		Code:         session.Code,
		RedirectURI:  redirectURI,
		CodeVerifier: rfcVerifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)

	record, err := f.storage.GetTokenByAccess(ctx, storage.Signature(resp.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, "acme", record.TenantID)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, 1.0, f.exchangeCount(t, resultSuccess))

	// Second use of the same code fails.
	_, err = f.service.Exchange(ctx, ExchangeRequest{
		TenantID:     "acme",
		ClientID:     "acme-app",
		Code:         session.Code,
		RedirectURI:  redirectURI,
		CodeVerifier: rfcVerifier,
	})
	require.Error(t, err)
	assert.True(t, taerrors.IsInvalidGrant(err))
	assert.Equal(t, 1.0, f.exchangeCount(t, resultConsumed))
}

func TestExchangePlain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	session := f.authorize(t, servercrypto.PKCEChallengeMethodPlain)
	_, err := f.service.Exchange(context.Background(), ExchangeRequest{
		TenantID:     "acme",
		ClientID:     "acme-app",
		Code:         session.Code,
		RedirectURI:  redirectURI,
		CodeVerifier: rfcVerifier,
	})
	require.NoError(t, err)
}

func TestExchangeRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*ExchangeRequest)
		advance    time.Duration
		wantResult string
		wantErr    func(error) bool
	}{
		{
			name:       "wrong verifier",
			mutate:     func(r *ExchangeRequest) { r.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier-x" },
			wantResult: resultPKCE,
			wantErr:    taerrors.IsInvalidGrant,
		},
		{
			name:       "missing verifier",
			mutate:     func(r *ExchangeRequest) { r.CodeVerifier = "" },
			wantResult: resultPKCE,
			wantErr:    taerrors.IsInvalidGrant,
		},
		{
			name:       "redirect mismatch",
			mutate:     func(r *ExchangeRequest) { r.RedirectURI = "https://app.example.com/other" },
			wantResult: resultMismatch,
			wantErr:    taerrors.IsInvalidGrant,
		},
		{
			name:       "unknown code",
			mutate:     func(r *ExchangeRequest) { r.Code = "nope" },
			wantResult: resultNotFound,
			wantErr:    taerrors.IsInvalidGrant,
		},
		{
			name:       "expired",
			advance:    DefaultCodeTTL,
			wantResult: resultExpired,
			wantErr:    taerrors.IsInvalidGrant,
		},
		{
			name:    "other tenant's client",
			mutate:  func(r *ExchangeRequest) { r.TenantID = "globex"; r.ClientID = "globex-app" },
			wantErr: taerrors.IsInvalidGrant,
		},
		{
			name:    "client of the tenant does not exist",
			mutate:  func(r *ExchangeRequest) { r.TenantID = "globex" },
			wantErr: taerrors.IsInvalidClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			session := f.authorize(t, servercrypto.PKCEChallengeMethodS256)
			f.clock.Advance(tt.advance)

			req := ExchangeRequest{
				TenantID:     "acme",
				ClientID:     "acme-app",
				Code:         session.Code,
				RedirectURI:  redirectURI,
				CodeVerifier: rfcVerifier,
			}
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			_, err := f.service.Exchange(context.Background(), req)
			require.Error(t, err)
			assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
			if tt.wantResult != "" {
				assert.Equal(t, 1.0, f.exchangeCount(t, tt.wantResult))
			}
		})
	}
}

func TestFailedExchangeDoesNotBurnCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	session := f.authorize(t, servercrypto.PKCEChallengeMethodS256)

	_, err := f.service.Exchange(ctx, ExchangeRequest{
		TenantID: "acme", ClientID: "acme-app", Code: session.Code, RedirectURI: redirectURI,
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier-x",
	})
	require.Error(t, err)

	_, err = f.service.Exchange(ctx, ExchangeRequest{
		TenantID: "acme", ClientID: "acme-app", Code: session.Code, RedirectURI: redirectURI,
		CodeVerifier: rfcVerifier,
	})
	require.NoError(t, err)
}

func TestConcurrentExchangeSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	session := f.authorize(t, servercrypto.PKCEChallengeMethodS256)

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Exchange(context.Background(), ExchangeRequest{
				TenantID: "acme", ClientID: "acme-app", Code: session.Code, RedirectURI: redirectURI,
				CodeVerifier: rfcVerifier,
			})
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()

	valid := AuthorizeRequest{
		TenantID:            "acme",
		ClientID:            "acme-app",
		RedirectURI:         redirectURI,
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       rfcChallenge,
		CodeChallengeMethod: servercrypto.PKCEChallengeMethodS256,
		Principal:           alice,
	}

	tests := []struct {
		name    string
		mutate  func(*AuthorizeRequest)
		wantErr func(error) bool
	}{
		{name: "no tenant", mutate: func(r *AuthorizeRequest) { r.TenantID = "" }, wantErr: taerrors.IsTenantUnresolved},
		{name: "no principal", mutate: func(r *AuthorizeRequest) { r.Principal = token.Principal{} }, wantErr: taerrors.IsUnauthorized},
		{name: "implicit flow", mutate: func(r *AuthorizeRequest) { r.ResponseType = "token" }, wantErr: taerrors.IsInvalidArgument},
		{name: "unknown client", mutate: func(r *AuthorizeRequest) { r.ClientID = "nope" }, wantErr: taerrors.IsInvalidClient},
		{name: "client of other tenant", mutate: func(r *AuthorizeRequest) { r.ClientID = "globex-app" }, wantErr: taerrors.IsInvalidClient},
		{name: "unregistered redirect", mutate: func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" }, wantErr: taerrors.IsInvalidArgument},
		{name: "redirect prefix", mutate: func(r *AuthorizeRequest) { r.RedirectURI = redirectURI + "/extra" }, wantErr: taerrors.IsInvalidArgument},
		{name: "pkce required", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = ""; r.CodeChallengeMethod = "" }, wantErr: taerrors.IsInvalidArgument},
		{name: "method without challenge", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = "" }, wantErr: taerrors.IsInvalidArgument},
		{name: "unsupported method", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" }, wantErr: taerrors.IsInvalidArgument},
		{name: "malformed challenge", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = "short" }, wantErr: taerrors.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			req := valid
			tt.mutate(&req)
			_, err := f.service.Authorize(context.Background(), req)
			require.Error(t, err)
			assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
		})
	}
}

func TestAuthorizeDefaultsSingleRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.service.Authorize(ctx, AuthorizeRequest{
		TenantID:      "acme",
		ClientID:      "acme-app",
		CodeChallenge: rfcVerifier,
		Principal:     alice,
	})
	require.NoError(t, err)
	assert.Equal(t, redirectURI, session.RedirectURI)
	assert.Equal(t, servercrypto.PKCEChallengeMethodPlain, session.CodeChallengeMethod)

	// With several registered redirects the caller must pick one.
	_, err = f.service.Authorize(ctx, AuthorizeRequest{
		TenantID:  "acme",
		ClientID:  "acme-legacy",
		Principal: alice,
	})
	assert.True(t, taerrors.IsInvalidArgument(err))
}

func TestExchangeRedirectURIOnlyRequiredWhenSent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		authorizeRedirect string
		exchangeRedirect  string
		wantErr           bool
	}{
		{name: "omitted on both requests"},
		{name: "omitted at authorize, registered URI at token", exchangeRedirect: redirectURI},
		{name: "omitted at authorize, other URI at token", exchangeRedirect: "https://app.example.com/other", wantErr: true},
		{name: "sent on both requests", authorizeRedirect: redirectURI, exchangeRedirect: redirectURI},
		{name: "sent at authorize, omitted at token", authorizeRedirect: redirectURI, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()

			session, err := f.service.Authorize(ctx, AuthorizeRequest{
				TenantID:            "acme",
				ClientID:            "acme-app",
				RedirectURI:         tt.authorizeRedirect,
				CodeChallenge:       rfcChallenge,
				CodeChallengeMethod: servercrypto.PKCEChallengeMethodS256,
				Principal:           alice,
			})
			require.NoError(t, err)
			assert.Equal(t, redirectURI, session.RedirectURI)
			assert.Equal(t, tt.authorizeRedirect != "", session.RedirectURIProvided)

			_, err = f.service.Exchange(ctx, ExchangeRequest{
				TenantID:     "acme",
				ClientID:     "acme-app",
				Code:         session.Code,
				RedirectURI:  tt.exchangeRedirect,
				CodeVerifier: rfcVerifier,
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, taerrors.IsInvalidGrant(err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExchangeWithoutPKCE(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	issue := func() string {
		session, err := f.service.Authorize(ctx, AuthorizeRequest{
			TenantID:    "acme",
			ClientID:    "acme-legacy",
			RedirectURI: redirectURI,
			Principal:   alice,
		})
		require.NoError(t, err)
		return session.Code
	}

	_, err := f.service.Exchange(ctx, ExchangeRequest{
		TenantID: "acme", ClientID: "acme-legacy", Code: issue(), RedirectURI: redirectURI,
	})
	require.NoError(t, err)

	// A verifier for a code issued without a challenge is refused.
	_, err = f.service.Exchange(ctx, ExchangeRequest{
		TenantID: "acme", ClientID: "acme-legacy", Code: issue(), RedirectURI: redirectURI,
		CodeVerifier: rfcVerifier,
	})
	assert.True(t, taerrors.IsInvalidGrant(err))
}
