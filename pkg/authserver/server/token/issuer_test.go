// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
)

const testBaseIssuer = "https://auth.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	issuer  *Issuer
	keys    *keys.Store
	storage *storage.MemoryStorage
	clock   *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	st := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = st.Close() })

	master := make([]byte, servercrypto.MasterKeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	sealer, err := servercrypto.NewSealer(master)
	require.NoError(t, err)

	keyStore, err := keys.NewStore(st, sealer, keys.Config{}, nil)
	require.NoError(t, err)

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	issuer, err := NewIssuer(keyStore, st, Config{BaseIssuer: testBaseIssuer + "/"}, opts...)
	require.NoError(t, err)

	return &fixture{issuer: issuer, keys: keyStore, storage: st, clock: clock}
}

func testClient(tenantID string, rotation bool, grants ...string) *storage.RegisteredClient {
	if len(grants) == 0 {
		grants = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	return &storage.RegisteredClient{
		ClientID:          tenantID + "-app",
		TenantID:          tenantID,
		AllowedGrantTypes: grants,
		RedirectURIs:      []string{"https://app.example.com/callback"},
		RefreshRotation:   rotation,
	}
}

// parse verifies a token against the tenant's published key set.
func (f *fixture) parse(t *testing.T, tenantID, raw string) (*jwt.Token, jwt.MapClaims) {
	t.Helper()
	set, err := f.keys.PublicKeySet(context.Background(), tenantID)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		found := set.Key(kid)
		require.Len(t, found, 1)
		return found[0].Key, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(f.clock.Now))
	require.NoError(t, err)
	return tok, claims
}

func TestNewIssuerValidation(t *testing.T) {
	t.Parallel()
	st := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = st.Close() })

	_, err := NewIssuer(nil, st, Config{BaseIssuer: testBaseIssuer})
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewIssuer(f.keys, st, Config{})
	assert.ErrorContains(t, err, "base issuer is required")
	_, err = NewIssuer(f.keys, st, Config{BaseIssuer: "auth.example.com"})
	assert.ErrorContains(t, err, "absolute URL")
}

func TestIssue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp, record, err := f.issuer.Issue(ctx, IssueRequest{
		TenantID:  "acme",
		Client:    testClient("acme", true),
		Principal: Principal{UserID: "user-1", Email: "ada@acme.example", Roles: []string{"owner"}},
		Scopes:    []string{ScopeOpenID, "profile"},
		Nonce:     "n-0S6",
		GrantType: GrantTypeAuthorizationCode,
	})
	require.NoError(t, err)

	assert.Equal(t, TokenTypeBearer, resp.TokenType)
	assert.Equal(t, int64(DefaultAccessTokenTTL/time.Second), resp.ExpiresIn)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)

	active, err := f.keys.GetOrCreateActiveKey(ctx, "acme")
	require.NoError(t, err)

	tok, claims := f.parse(t, "acme", resp.AccessToken)
	assert.Equal(t, active.KeyID, tok.Header["kid"])
	assert.Equal(t, "acme", claims[ClaimTenantID])
	assert.Equal(t, testBaseIssuer+"/acme", claims["iss"])
	assert.Equal(t, testBaseIssuer+"/acme", claims["aud"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "acme-app", claims[ClaimClientID])
	assert.Equal(t, "openid profile", claims[ClaimScope])
	assert.ElementsMatch(t, []any{"admin", "owner"}, claims[ClaimRoles])
	assert.NotEmpty(t, claims["jti"])

	_, idClaims := f.parse(t, "acme", resp.IDToken)
	assert.Equal(t, "acme-app", idClaims["aud"])
	assert.Equal(t, "n-0S6", idClaims[ClaimNonce])
	assert.Equal(t, "ada@acme.example", idClaims[ClaimEmail])

	stored, err := f.storage.GetTokenByAccess(ctx, storage.Signature(resp.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)
	assert.Equal(t, storage.Signature(resp.RefreshToken), stored.RefreshSignature)
}

func TestIssueWithoutRefreshGrantOrOpenID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, record, err := f.issuer.Issue(context.Background(), IssueRequest{
		TenantID:  "acme",
		Client:    testClient("acme", false, GrantTypeAuthorizationCode),
		Principal: Principal{UserID: "user-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)
	assert.False(t, record.HasRefresh())
}

func TestIssueRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name  string
		req   IssueRequest
		check func(error) bool
	}{
		{
			name:  "missing tenant",
			req:   IssueRequest{Client: testClient("acme", false), Principal: Principal{UserID: "u"}},
			check: taerrors.IsTenantUnresolved,
		},
		{
			name:  "foreign client",
			req:   IssueRequest{TenantID: "acme", Client: testClient("globex", false), Principal: Principal{UserID: "u"}},
			check: taerrors.IsInvalidClient,
		},
		{
			name:  "missing subject",
			req:   IssueRequest{TenantID: "acme", Client: testClient("acme", false)},
			check: taerrors.IsInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := f.issuer.Issue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

type staticCustomizer map[string]any

func (c staticCustomizer) CustomClaims(context.Context, string, Principal) (map[string]any, error) {
	return c, nil
}

func TestClaimsCustomizerCannotOverrideReservedClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithClaimsCustomizer(staticCustomizer{
		"org_plan":    "enterprise",
		ClaimTenantID: "globex",
		"iss":         "https://evil.example",
	}))

	resp, _, err := f.issuer.Issue(context.Background(), IssueRequest{
		TenantID:  "acme",
		Client:    testClient("acme", false),
		Principal: Principal{UserID: "user-1"},
	})
	require.NoError(t, err)

	_, claims := f.parse(t, "acme", resp.AccessToken)
	assert.Equal(t, "enterprise", claims["org_plan"])
	assert.Equal(t, "acme", claims[ClaimTenantID])
	assert.Equal(t, testBaseIssuer+"/acme", claims["iss"])
}

func issueFor(t *testing.T, f *fixture, client *storage.RegisteredClient) *Response {
	t.Helper()
	resp, _, err := f.issuer.Issue(context.Background(), IssueRequest{
		TenantID:  client.TenantID,
		Client:    client,
		Principal: Principal{UserID: "user-1", Roles: []string{"member"}},
		Scopes:    []string{"profile"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)
	return resp
}

func TestRefreshWithRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient("acme", true)
	first := issueFor(t, f, client)

	f.clock.Advance(time.Minute)
	second, err := f.issuer.Refresh(ctx, "acme", client, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	_, claims := f.parse(t, "acme", second.AccessToken)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "profile", claims[ClaimScope])

	_, err = f.issuer.Refresh(ctx, "acme", client, first.RefreshToken)
	assert.True(t, taerrors.IsInvalidGrant(err), "rotated refresh token must be rejected")

	_, err = f.issuer.Refresh(ctx, "acme", client, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshWithoutRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient("acme", false)
	first := issueFor(t, f, client)

	for range 2 {
		f.clock.Advance(time.Minute)
		next, err := f.issuer.Refresh(ctx, "acme", client, first.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, first.RefreshToken, next.RefreshToken)
		assert.NotEqual(t, first.AccessToken, next.AccessToken)
	}
}

func TestRefreshRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, refresh string) (tenantID string, client *storage.RegisteredClient, token string)
	}{
		{
			name: "unknown token",
			prepare: func(_ *testing.T, _ *fixture, _ string) (string, *storage.RegisteredClient, string) {
				return "acme", testClient("acme", true), "not-a-token"
			},
		},
		{
			name: "empty token",
			prepare: func(_ *testing.T, _ *fixture, _ string) (string, *storage.RegisteredClient, string) {
				return "acme", testClient("acme", true), ""
			},
		},
		{
			name: "other client of the tenant",
			prepare: func(_ *testing.T, _ *fixture, refresh string) (string, *storage.RegisteredClient, string) {
				other := testClient("acme", true)
				other.ClientID = "acme-other"
				return "acme", other, refresh
			},
		},
		{
			name: "other tenant",
			prepare: func(_ *testing.T, _ *fixture, refresh string) (string, *storage.RegisteredClient, string) {
				return "globex", testClient("globex", true), refresh
			},
		},
		{
			name: "expired",
			prepare: func(_ *testing.T, f *fixture, refresh string) (string, *storage.RegisteredClient, string) {
				f.clock.Advance(DefaultRefreshTokenTTL + time.Second)
				return "acme", testClient("acme", true), refresh
			},
		},
		{
			name: "revoked",
			prepare: func(t *testing.T, f *fixture, refresh string) (string, *storage.RegisteredClient, string) {
				require.NoError(t, f.issuer.Revoke(context.Background(), "acme", "acme-app", refresh))
				return "acme", testClient("acme", true), refresh
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			issued := issueFor(t, f, testClient("acme", true))

			tenantID, client, refresh := tt.prepare(t, f, issued.RefreshToken)
			_, err := f.issuer.Refresh(context.Background(), tenantID, client, refresh)
			require.Error(t, err)
			assert.True(t, taerrors.IsInvalidGrant(err), "unexpected error: %v", err)
		})
	}
}

func TestRefreshRequiresGrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	client := testClient("acme", false, GrantTypeAuthorizationCode)

	_, err := f.issuer.Refresh(context.Background(), "acme", client, "anything")
	assert.True(t, taerrors.IsInvalidClient(err))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient("acme", true)
	resp := issueFor(t, f, client)

	// Unknown and foreign tokens are ignored.
	require.NoError(t, f.issuer.Revoke(ctx, "acme", client.ClientID, "unknown"))
	require.NoError(t, f.issuer.Revoke(ctx, "globex", "", resp.AccessToken))
	record, err := f.storage.GetTokenByAccess(ctx, storage.Signature(resp.AccessToken))
	require.NoError(t, err)
	assert.False(t, record.Revoked)

	require.NoError(t, f.issuer.Revoke(ctx, "acme", client.ClientID, resp.AccessToken))
	record, err = f.storage.GetTokenByAccess(ctx, storage.Signature(resp.AccessToken))
	require.NoError(t, err)
	assert.True(t, record.Revoked)

	_, err = f.issuer.Refresh(ctx, "acme", client, resp.RefreshToken)
	assert.True(t, taerrors.IsInvalidGrant(err))
}

func TestNormalizeRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		roles []string
		want  []string
	}{
		{name: "nil", roles: nil, want: []string{}},
		{name: "member", roles: []string{"member"}, want: []string{"member"}},
		{name: "owner implies admin", roles: []string{"owner"}, want: []string{"admin", "owner"}},
		{name: "owner and admin", roles: []string{"admin", "owner", "admin"}, want: []string{"admin", "owner"}},
		{name: "empty entries dropped", roles: []string{"", "viewer"}, want: []string{"viewer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeRoles(tt.roles))
		})
	}
}
