// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation validates bearer tokens at the edge.
//
// Validation runs in two phases. The issuer is read from the unverified
// token and checked against an allow-list; only an allow-listed issuer gets
// a validator, built from the issuer's key set and cached for a bounded
// time. Arbitrary attacker-chosen issuers therefore never cause a key fetch.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// Defaults for Config.
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultMaxIssuers      = 1000
	DefaultCleanupInterval = time.Minute
	DefaultRefreshInterval = 10 * time.Second
)

// Rejection reasons, used as metric labels.
const (
	reasonMalformed        = "malformed"
	reasonIssuerNotAllowed = "issuer_not_allowed"
	reasonKeySet           = "key_set_unavailable"
	reasonInvalid          = "invalid"
	reasonTenantMismatch   = "tenant_mismatch"
)

// Config configures a Validator.
type Config struct {
	Policy IssuerPolicy

	// Audience, when set, must be one of the token's audiences.
	Audience string

	// CacheTTL bounds how long a validator, and with it the issuer's key
	// set, is reused.
	CacheTTL time.Duration

	// MaxIssuers caps the number of cached validators.
	MaxIssuers int

	// CleanupInterval is how often expired validators are dropped.
	CleanupInterval time.Duration

	// RefreshInterval is the minimum time between two rebuilds of one
	// issuer's validator triggered by a token whose key ID is unknown.
	RefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxIssuers == 0 {
		c.MaxIssuers = DefaultMaxIssuers
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
}

func (c *Config) validate() error {
	if c.Policy.BaseIssuer == "" {
		return errors.New("base issuer is required")
	}
	if c.CacheTTL < 0 || c.MaxIssuers < 0 || c.CleanupInterval < 0 || c.RefreshInterval < 0 {
		return errors.New("cache TTL, max issuers and cache intervals must be positive")
	}
	return nil
}

// Identity is the verified caller behind a bearer token.
type Identity struct {
	Issuer    string    `json:"issuer"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Roles     []string  `json:"roles"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`

	// SuperTenant is set for tokens from the super-tenant issuer.
	SuperTenant bool `json:"super_tenant,omitempty"`
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// errUnknownKeyID marks a token whose kid is absent from the issuer's key set.
var errUnknownKeyID = errors.New("key ID not found in key set")

// issuerValidator verifies tokens of one allow-listed issuer.
type issuerValidator struct {
	issuer AllowedIssuer
	keys   jwk.Set
}

// Validator validates bearer tokens from allow-listed issuers.
type Validator struct {
	cfg     Config
	fetcher KeySetFetcher
	cache   *validatorCache
	metrics *telemetry.Metrics
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator and starts its cache cleanup. metrics may
// be nil. Call Close to stop the cleanup.
func NewValidator(cfg Config, fetcher KeySetFetcher, metrics *telemetry.Metrics, opts ...Option) (*Validator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}
	if fetcher == nil {
		return nil, errors.New("key set fetcher is required")
	}
	v := &Validator{
		cfg:     cfg,
		fetcher: fetcher,
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.cache = newValidatorCache(cfg.CacheTTL, cfg.MaxIssuers, v.now, metrics)
	v.cache.refreshInterval = cfg.RefreshInterval
	if forgetter, ok := fetcher.(KeySetForgetter); ok {
		v.cache.onEvict = func(issuer string) {
			forgetter.ForgetKeySet(context.Background(), issuer)
		}
	}
	go v.cleanupLoop()
	return v, nil
}

// Close stops the background cleanup.
func (v *Validator) Close() {
	v.stopOnce.Do(func() { close(v.stop) })
}

func (v *Validator) cleanupLoop() {
	ticker := time.NewTicker(v.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			if n := v.cache.cleanup(); n > 0 {
				logger.Debugw("expired issuer validators removed", "count", n)
			}
		}
	}
}

// InvalidateTenant drops the cached validator of the tenant's issuer so the
// next token is checked against a freshly fetched key set. Wire it to key
// rotation when the key store runs in the same process.
func (v *Validator) InvalidateTenant(tenantID string) {
	n := v.cache.invalidate(func(issuer AllowedIssuer) bool {
		return issuer.Kind == IssuerTenant && issuer.TenantID == tenantID
	})
	if n > 0 {
		logger.Debugw("issuer validator invalidated", "tenant_id", tenantID)
	}
}

// Validate verifies bearer and returns the identity it carries.
func (v *Validator) Validate(ctx context.Context, bearer string) (*Identity, error) {
	ctx, span := telemetry.StartSpan(ctx, "validation.Validate", "")
	defer span.End()

	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, v.reject(reasonMalformed, taerrors.NewTokenInvalidError("missing bearer token", nil))
	}

	// Phase 1: string checks on the unverified issuer.
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, unverified); err != nil {
		return nil, v.reject(reasonMalformed, taerrors.NewTokenInvalidError("malformed token", err))
	}
	iss, _ := unverified.GetIssuer()
	allowed, ok := v.cfg.Policy.Match(iss)
	if !ok {
		return nil, v.reject(reasonIssuerNotAllowed, taerrors.NewIssuerNotAllowedError("token issuer is not allowed", nil))
	}

	// Phase 2: a validator bound to the issuer's key set.
	iv, err := v.cache.get(ctx, allowed, v.build)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warnw("failed to obtain key set", "issuer", allowed.Issuer, "error", err)
		return nil, v.reject(reasonKeySet, taerrors.NewTokenInvalidError("issuer key set unavailable", err))
	}

	// Phase 3: full verification.
	identity, reason, err := v.verify(iv, bearer)
	if errors.Is(err, errUnknownKeyID) {
		// The issuer may have rotated since its key set was fetched.
		fresh, rerr := v.cache.refresh(ctx, allowed, iv, v.rebuild)
		switch {
		case rerr == nil:
			identity, reason, err = v.verify(fresh, bearer)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !errors.Is(rerr, errRefreshThrottled):
			logger.Warnw("failed to refresh key set", "issuer", allowed.Issuer, "error", rerr)
		}
	}
	if err != nil {
		return nil, v.reject(reason, err)
	}
	return identity, nil
}

func (v *Validator) build(ctx context.Context, issuer AllowedIssuer) (*issuerValidator, error) {
	set, err := v.fetcher.FetchKeySet(ctx, issuer)
	if err != nil {
		return nil, err
	}
	logger.Debugw("issuer validator built", "issuer", issuer.Issuer, "keys", set.Len())
	return &issuerValidator{issuer: issuer, keys: set}, nil
}

// rebuild is build for a key set known to be stale.
func (v *Validator) rebuild(ctx context.Context, issuer AllowedIssuer) (*issuerValidator, error) {
	refresher, ok := v.fetcher.(KeySetRefresher)
	if !ok {
		return v.build(ctx, issuer)
	}
	set, err := refresher.RefreshKeySet(ctx, issuer)
	if err != nil {
		return nil, err
	}
	logger.Debugw("issuer validator refreshed", "issuer", issuer.Issuer, "keys", set.Len())
	return &issuerValidator{issuer: issuer, keys: set}, nil
}

func (v *Validator) verify(iv *issuerValidator, bearer string) (*Identity, string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(iv.issuer.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(bearer, claims, iv.keyFunc, opts...); err != nil {
		return nil, reasonInvalid, taerrors.NewTokenInvalidError("token verification failed", err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, reasonInvalid, taerrors.NewTokenInvalidError("token has no subject", nil)
	}

	tenantID, _ := claims[token.ClaimTenantID].(string)
	switch iv.issuer.Kind {
	case IssuerTenant:
		// A key of tenant A can never vouch for tenant B: the issuer already
		// selected A's keys, and the claim must agree with it.
		if tenantID != iv.issuer.TenantID {
			return nil, reasonTenantMismatch, taerrors.NewTokenInvalidError("token tenant does not match its issuer", nil)
		}
	default:
		if tenantID != "" && !tenant.IsValidID(tenantID) {
			return nil, reasonTenantMismatch, taerrors.NewTokenInvalidError("malformed tenant claim", nil)
		}
	}

	identity := &Identity{
		Issuer:      iv.issuer.Issuer,
		TenantID:    tenantID,
		UserID:      sub,
		Roles:       stringsClaim(claims[token.ClaimRoles]),
		Scopes:      strings.Fields(stringClaim(claims[token.ClaimScope])),
		Email:       stringClaim(claims[token.ClaimEmail]),
		ClientID:    stringClaim(claims[token.ClaimClientID]),
		SuperTenant: iv.issuer.Kind == IssuerSuperTenant,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}
	return identity, "", nil
}

func (iv *issuerValidator) keyFunc(t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token header missing kid")
	}
	key, found := iv.keys.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %s", errUnknownKeyID, kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return raw, nil
}

func (v *Validator) reject(reason string, err error) error {
	v.metrics.ValidationRejected(reason)
	logger.Debugw("bearer token rejected", "reason", reason)
	return err
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}

func stringsClaim(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
