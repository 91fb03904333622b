// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks -source=fetcher.go KeySetFetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// DefaultFetchTimeout bounds a single key set fetch.
const DefaultFetchTimeout = 5 * time.Second

// ErrNoKeySet is returned when an allow-listed issuer publishes no keys.
var ErrNoKeySet = errors.New("issuer has no key set")

// KeySetFetcher obtains the verification keys of an allow-listed issuer.
type KeySetFetcher interface {
	FetchKeySet(ctx context.Context, issuer AllowedIssuer) (jwk.Set, error)
}

// KeySetRefresher is implemented by fetchers that cache key sets themselves.
// RefreshKeySet bypasses that cache.
type KeySetRefresher interface {
	RefreshKeySet(ctx context.Context, issuer AllowedIssuer) (jwk.Set, error)
}

// KeySetForgetter is implemented by fetchers that hold per-issuer state.
// ForgetKeySet is called once the issuer's validator leaves the cache.
type KeySetForgetter interface {
	ForgetKeySet(ctx context.Context, issuer string)
}

// RemoteKeySets fetches "{issuer}/.well-known/jwks.json" through a jwx cache
// that refreshes registered key sets in the background.
type RemoteKeySets struct {
	cache   *jwk.Cache
	timeout time.Duration

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewRemoteKeySets creates a RemoteKeySets. The background refresh stops
// when ctx is cancelled.
func NewRemoteKeySets(ctx context.Context, client *http.Client, timeout time.Duration) (*RemoteKeySets, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteKeySets{
		cache:      cache,
		timeout:    timeout,
		registered: make(map[string]struct{}),
	}, nil
}

// JWKSURL returns the key set location of an issuer.
func JWKSURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// FetchKeySet implements KeySetFetcher.
func (r *RemoteKeySets) FetchKeySet(ctx context.Context, issuer AllowedIssuer) (jwk.Set, error) {
	return r.fetch(ctx, issuer.Issuer, r.cache.Lookup)
}

// RefreshKeySet implements KeySetRefresher.
func (r *RemoteKeySets) RefreshKeySet(ctx context.Context, issuer AllowedIssuer) (jwk.Set, error) {
	return r.fetch(ctx, issuer.Issuer, r.cache.Refresh)
}

// ForgetKeySet implements KeySetForgetter. The URL stops being refreshed in
// the background.
func (r *RemoteKeySets) ForgetKeySet(ctx context.Context, issuer string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.unregister(ctx, JWKSURL(issuer))
}

// Registered returns the number of key set URLs refreshed in the background.
func (r *RemoteKeySets) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

func (r *RemoteKeySets) fetch(
	ctx context.Context, issuer string, get func(context.Context, string) (jwk.Set, error),
) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := JWKSURL(issuer)
	if err := r.register(ctx, url); err != nil {
		return nil, err
	}
	set, err := get(ctx, url)
	if err != nil {
		// The issuer gets no validator, so nothing would ever unregister it.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cleanupCancel()
		r.unregister(cleanupCtx, url)
		return nil, fmt.Errorf("failed to look up JWKS: %w", err)
	}
	return set, nil
}

func (r *RemoteKeySets) register(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[url]; ok {
		return nil
	}
	if err := r.cache.Register(ctx, url); err != nil {
		// A registration whose first fetch failed stays in the jwx cache.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		_ = r.cache.Unregister(cleanupCtx, url)
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	r.registered[url] = struct{}{}
	return nil
}

func (r *RemoteKeySets) unregister(ctx context.Context, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[url]; !ok {
		return
	}
	delete(r.registered, url)
	if err := r.cache.Unregister(ctx, url); err != nil {
		logger.Debugw("failed to unregister JWKS URL", "url", url, "error", err)
	}
}

// LocalKeySets reads key sets straight from the in-process key store.
type LocalKeySets struct {
	keys keys.KeyProvider

	// PlatformTenant is the key store tenant whose keys sign platform and
	// super-tenant tokens. Those issuers have no key set when it is empty.
	PlatformTenant string
}

// NewLocalKeySets creates a LocalKeySets.
func NewLocalKeySets(kp keys.KeyProvider, platformTenant string) *LocalKeySets {
	return &LocalKeySets{keys: kp, PlatformTenant: platformTenant}
}

// FetchKeySet implements KeySetFetcher.
func (l *LocalKeySets) FetchKeySet(ctx context.Context, issuer AllowedIssuer) (jwk.Set, error) {
	tenantID := issuer.TenantID
	if issuer.Kind != IssuerTenant {
		tenantID = l.PlatformTenant
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: no local key set for issuer", ErrNoKeySet)
	}

	set, err := l.keys.PublicKeySet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: tenant %q has no signing keys", ErrNoKeySet, tenantID)
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key set: %w", err)
	}
	parsed, err := jwk.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key set: %w", err)
	}
	return parsed, nil
}
