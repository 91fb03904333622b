// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

const (
	testIssuer      = "https://auth.example.com"
	testAudience    = "tenantauth-api"
	testRedirectURI = "https://app.example.com/callback"
	testMasterKey   = "0123456789abcdef0123456789abcdef"

	// RFC 7636 Appendix B.
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type fixture struct {
	storage  *storage.MemoryStorage
	keys     *keys.Store
	issuer   *token.Issuer
	registry *registration.Registry
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = st.Close() })

	sealer, err := servercrypto.NewSealer([]byte(testMasterKey))
	require.NoError(t, err)
	keyStore, err := keys.NewStore(st, sealer, keys.Config{}, nil)
	require.NoError(t, err)
	issuer, err := token.NewIssuer(keyStore, st, token.Config{BaseIssuer: testIssuer, Audience: testAudience})
	require.NoError(t, err)
	registry, err := registration.NewRegistry(st, keyStore, sealer, registration.Config{})
	require.NoError(t, err)
	authz, err := authorization.NewService(authorization.Config{}, st, registry, keyStore, issuer, nil)
	require.NoError(t, err)
	validator, err := validation.NewValidator(validation.Config{
		Policy:   validation.IssuerPolicy{BaseIssuer: testIssuer},
		Audience: testAudience,
	}, validation.NewLocalKeySets(keyStore, ""), nil)
	require.NoError(t, err)
	t.Cleanup(validator.Close)
	keyStore.OnKeysChanged(validator.InvalidateTenant)

	h, err := NewHandler(Dependencies{
		Resolver:      tenant.NewResolver(st, tenant.Config{}, nil),
		Keys:          keyStore,
		Issuer:        issuer,
		Authorization: authz,
		Registry:      registry,
		Users:         st,
		Validator:     validator,
		APIKeys:       quota.NewAuthenticator(st, storage.RateLimits{PerMinute: 60}),
	})
	require.NoError(t, err)

	return &fixture{storage: st, keys: keyStore, issuer: issuer, registry: registry, router: h.Routes()}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// registerClient registers a PKCE client with refresh rotation under tenantID.
func (f *fixture) registerClient(t *testing.T, tenantID string) *storage.RegisteredClient {
	t.Helper()
	client, err := f.registry.RegisterClient(context.Background(), tenantID, &registration.ClientRegistration{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   tenantID + " app",
	})
	require.NoError(t, err)
	return client
}

// login creates an active user in tenantID and a session logged in as that
// user, returning the session id.
func (f *fixture) login(t *testing.T, tenantID, userID string, roles ...string) string {
	t.Helper()
	ctx := context.Background()
	err := f.storage.CreateUser(ctx, &storage.User{
		ID:       userID,
		TenantID: tenantID,
		Email:    userID + "@" + tenantID + ".example",
		Roles:    roles,
		Active:   true,
	})
	require.NoError(t, err)

	sessionID := "session-" + tenantID + "-" + userID
	now := time.Now()
	require.NoError(t, f.storage.SaveSession(ctx, &storage.Session{
		ID:        sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	return sessionID
}

// adminToken issues an access token for an admin of tenantID.
func (f *fixture) adminToken(t *testing.T, tenantID string, roles ...string) string {
	t.Helper()
	resp, _, err := f.issuer.Issue(context.Background(), token.IssueRequest{
		TenantID: tenantID,
		Client: &storage.RegisteredClient{
			ClientID:          "console",
			TenantID:          tenantID,
			AllowedGrantTypes: []string{token.GrantTypeAuthorizationCode},
		},
		Principal: token.Principal{UserID: "admin-1", Email: "admin@example.com", Roles: roles},
		GrantType: token.GrantTypeAuthorizationCode,
	})
	require.NoError(t, err)
	return resp.AccessToken
}

func authorizeRequest(tenantID, sessionID string, params url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/"+tenantID+"/oauth/authorize?"+params.Encode(), nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: tenant.DefaultCookieName, Value: sessionID})
	}
	return req
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// authorizeCode runs the authorize endpoint with the RFC 7636 challenge and
// returns the issued code.
func (f *fixture) authorizeCode(t *testing.T, tenantID, sessionID, clientID string) string {
	t.Helper()
	rec := f.do(authorizeRequest(tenantID, sessionID, url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}
