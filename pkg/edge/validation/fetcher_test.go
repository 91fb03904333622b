// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves one published key set per tenant path.
type jwksServer struct {
	*httptest.Server

	mu   sync.Mutex
	sets map[string]jose.JSONWebKeySet
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{sets: make(map[string]jose.JSONWebKeySet)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/.well-known/jwks.json")
		s.mu.Lock()
		set, found := s.sets[tenantID]
		s.mu.Unlock()
		if !ok || !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) publish(tenantID, kid string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[tenantID]
	set.Keys = append(set.Keys, jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"})
	s.sets[tenantID] = set
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid, iss, tenantID string, now time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       iss,
		"sub":       "user-1",
		"exp":       now.Add(time.Hour).Unix(),
		"tenant_id": tenantID,
	})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newRemoteValidator(
	t *testing.T, srv *jwksServer, timeout time.Duration, now func() time.Time,
) (*Validator, *RemoteKeySets) {
	t.Helper()
	remote, err := NewRemoteKeySets(t.Context(), srv.Client(), timeout)
	require.NoError(t, err)
	v, err := NewValidator(Config{
		Policy:   IssuerPolicy{BaseIssuer: srv.URL},
		CacheTTL: time.Minute,
	}, remote, nil, WithClock(now))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, remote
}

func TestRemoteKeySetsForgottenOnEviction(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv.publish("acme", "k1", key)

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	v, remote := newRemoteValidator(t, srv, 2*time.Second, clock)

	_, err = v.Validate(t.Context(), signRS256(t, key, "k1", srv.URL+"/acme", "acme", now))
	require.NoError(t, err)
	assert.Equal(t, 1, remote.Registered())

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	assert.Equal(t, 1, v.cache.cleanup())
	assert.Zero(t, remote.Registered(), "an evicted issuer is no longer refreshed")
}

func TestRemoteKeySetsFailedFetchNotRegistered(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	// A missing key set never becomes ready, so the fetch runs into its timeout.
	v, remote := newRemoteValidator(t, srv, 200*time.Millisecond, time.Now)

	for _, tenantID := range []string{"ghost1", "ghost2", "ghost3"} {
		_, err := v.Validate(t.Context(), signRS256(t, key, "k1", srv.URL+"/"+tenantID, tenantID, time.Now()))
		require.Error(t, err)
	}
	assert.Zero(t, remote.Registered())
	assert.Zero(t, v.cache.size())
}

func TestRemoteKeySetsRefreshPicksUpNewKey(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t)
	first, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	second, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv.publish("acme", "k1", first)
	v, _ := newRemoteValidator(t, srv, 2*time.Second, time.Now)
	iss := srv.URL + "/acme"

	_, err = v.Validate(t.Context(), signRS256(t, first, "k1", iss, "acme", time.Now()))
	require.NoError(t, err)

	srv.publish("acme", "k2", second)
	_, err = v.Validate(t.Context(), signRS256(t, second, "k2", iss, "acme", time.Now()))
	require.NoError(t, err, "the jwx cache is bypassed for an unknown key ID")
}

func TestRemoteKeySetsRegisterOnce(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv.publish("acme", "k1", key)

	remote, err := NewRemoteKeySets(t.Context(), srv.Client(), 2*time.Second)
	require.NoError(t, err)
	issuer := AllowedIssuer{Issuer: srv.URL + "/acme", Kind: IssuerTenant, TenantID: "acme"}

	for range 3 {
		set, err := remote.FetchKeySet(t.Context(), issuer)
		require.NoError(t, err)
		assert.Equal(t, 1, set.Len())
	}
	assert.Equal(t, 1, remote.Registered())

	remote.ForgetKeySet(t.Context(), issuer.Issuer)
	assert.Zero(t, remote.Registered())
}
