// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// Defaults for Config.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
)

// Config is the resolved configuration of the authorization server.
// The caller is responsible for populating it from their own config source.
type Config struct {
	// BaseIssuer is the platform issuer URL. Tenant issuers are
	// BaseIssuer + "/" + tenantID.
	BaseIssuer string

	// SuperTenantIssuer is an optional extra issuer trusted across tenants
	// by the edge validator.
	SuperTenantIssuer string

	// Audience is the aud claim of access tokens. Empty means the tenant's
	// issuer URL.
	Audience string

	// MasterKey seals private keys and provider secrets at rest.
	MasterKey []byte

	// PlatformTenant is the key store tenant whose keys back the platform
	// and super-tenant issuers at the edge. Optional.
	PlatformTenant string

	// RSABits is the size of generated signing keys.
	RSABits int

	// KeyRetention is how long a demoted key keeps being published.
	KeyRetention time.Duration

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration

	// RequestTimeout bounds the handling of a single request.
	RequestTimeout time.Duration

	// StorageOperationTimeout bounds every storage call.
	StorageOperationTimeout time.Duration

	Tenancy    tenant.Config
	Validation ValidationConfig
	Quota      QuotaConfig

	// DefaultProvider is always offered by tenant discovery.
	DefaultProvider string

	// DisableMetrics removes the /metrics endpoint.
	DisableMetrics bool

	// PlatformProviders are stored as platform-default identity provider
	// configs at startup.
	PlatformProviders []registration.ProviderSettings
}

// Key sources of the edge validator.
const (
	// KeySourceLocal reads verification keys from the in-process key store.
	KeySourceLocal = "local"

	// KeySourceRemote fetches each issuer's published JWKS over HTTP.
	KeySourceRemote = "remote"
)

// ValidationConfig configures the edge token validator.
type ValidationConfig struct {
	CacheTTL        time.Duration
	MaxIssuers      int
	CleanupInterval time.Duration

	// RefreshInterval limits how often one issuer's key set is refetched
	// for tokens signed with an unknown key ID.
	RefreshInterval time.Duration

	// KeySource is KeySourceLocal (default) or KeySourceRemote.
	KeySource string

	// FetchTimeout bounds a remote JWKS fetch.
	FetchTimeout time.Duration
}

// QuotaConfig configures API key quotas.
type QuotaConfig struct {
	// DefaultLimits apply to keys created without explicit limits.
	DefaultLimits storage.RateLimits

	// FailureRate is the sustained number of failed API key attempts per
	// second allowed from one client IP.
	FailureRate float64

	// FailureBurst is the number of failed attempts a client IP may make at once.
	FailureBurst int
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	logger.Debug("validating authserver config")

	if c.BaseIssuer == "" {
		return errors.New("base issuer is required")
	}
	if err := validateIssuerURL(c.BaseIssuer); err != nil {
		return fmt.Errorf("base issuer: %w", err)
	}
	if c.SuperTenantIssuer != "" {
		if err := validateIssuerURL(c.SuperTenantIssuer); err != nil {
			return fmt.Errorf("super-tenant issuer: %w", err)
		}
	}
	if len(c.MasterKey) != servercrypto.MasterKeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", servercrypto.MasterKeySize, len(c.MasterKey))
	}
	if c.PlatformTenant != "" {
		if err := tenant.ValidateID(c.PlatformTenant); err != nil {
			return fmt.Errorf("platform tenant: %w", err)
		}
	}
	if c.RSABits < servercrypto.MinRSAKeySize {
		return fmt.Errorf("RSA key size must be at least %d bits, got %d", servercrypto.MinRSAKeySize, c.RSABits)
	}

	for name, d := range map[string]time.Duration{
		"key retention":             c.KeyRetention,
		"access token TTL":          c.AccessTokenTTL,
		"refresh token TTL":         c.RefreshTokenTTL,
		"code TTL":                  c.CodeTTL,
		"request timeout":           c.RequestTimeout,
		"storage operation timeout": c.StorageOperationTimeout,
		"validator cache TTL":       c.Validation.CacheTTL,
		"JWKS fetch timeout":        c.Validation.FetchTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.Validation.KeySource {
	case KeySourceLocal, KeySourceRemote:
	default:
		return fmt.Errorf("unknown validator key source %q", c.Validation.KeySource)
	}
	if c.Validation.MaxIssuers <= 0 {
		return fmt.Errorf("validator max issuers must be positive, got %d", c.Validation.MaxIssuers)
	}
	limits := c.Quota.DefaultLimits
	if limits.PerMinute < 0 || limits.PerHour < 0 || limits.PerDay < 0 {
		return errors.New("default rate limits cannot be negative")
	}
	if c.Quota.FailureRate < 0 || c.Quota.FailureBurst < 0 {
		return errors.New("API key failure throttle cannot be negative")
	}

	for i, p := range c.PlatformProviders {
		if p.Provider == "" || p.ClientID == "" {
			return fmt.Errorf("platform provider %d: provider and client_id are required", i)
		}
	}

	logger.Debugw("authserver config validated", "base_issuer", c.BaseIssuer)
	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debug("applying default values to authserver config")

	c.BaseIssuer = strings.TrimRight(c.BaseIssuer, "/")
	if c.RSABits == 0 {
		c.RSABits = keys.DefaultRSABits
	}
	if c.KeyRetention == 0 {
		c.KeyRetention = keys.DefaultRetention
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = token.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = token.DefaultRefreshTokenTTL
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = authorization.DefaultCodeTTL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StorageOperationTimeout == 0 {
		c.StorageOperationTimeout = storage.DefaultOperationTimeout
	}
	if c.Validation.CacheTTL == 0 {
		c.Validation.CacheTTL = validation.DefaultCacheTTL
	}
	if c.Validation.MaxIssuers == 0 {
		c.Validation.MaxIssuers = validation.DefaultMaxIssuers
	}
	if c.Validation.CleanupInterval == 0 {
		c.Validation.CleanupInterval = validation.DefaultCleanupInterval
	}
	if c.Validation.RefreshInterval == 0 {
		c.Validation.RefreshInterval = validation.DefaultRefreshInterval
	}
	if c.Validation.KeySource == "" {
		c.Validation.KeySource = KeySourceLocal
	}
	if c.Validation.FetchTimeout == 0 {
		c.Validation.FetchTimeout = DefaultFetchTimeout
	}
	if c.Quota.FailureRate == 0 {
		c.Quota.FailureRate = float64(quota.DefaultFailureRate)
	}
	if c.Quota.FailureBurst == 0 {
		c.Quota.FailureBurst = quota.DefaultFailureBurst
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = registration.DefaultProvider
	}
}

func validateIssuerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL: %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not carry a query or fragment: %q", raw)
	}
	return nil
}
