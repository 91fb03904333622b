// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver"
	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// Error message templates for consistent error formatting
const (
	errFileNotFound     = "file not found or not accessible: %w"
	errFileRead         = "failed to read file: %w"
	errInvalidURL       = "invalid URL format: %w"
	errInvalidURLScheme = "URL must start with https://"
)

// Validate checks the configuration for errors that would only surface
// later, at server construction or at request time.
func (c *Config) Validate() error {
	if c.Issuer.BaseURL == "" {
		return fieldErrorf("issuer.base_url", "is required")
	}
	if _, err := validateURLScheme(c.Issuer.BaseURL, c.Issuer.AllowInsecure); err != nil {
		return fieldError("issuer.base_url", err)
	}
	if c.Issuer.SuperTenantIssuer != "" {
		if _, err := validateURLScheme(c.Issuer.SuperTenantIssuer, c.Issuer.AllowInsecure); err != nil {
			return fieldError("issuer.super_tenant_issuer", err)
		}
	}
	if c.Issuer.PlatformTenant != "" && !tenant.IsValidID(c.Issuer.PlatformTenant) {
		return fieldErrorf("issuer.platform_tenant", "malformed tenant identifier %q", c.Issuer.PlatformTenant)
	}

	if c.Keys.RSABits < servercrypto.MinRSAKeySize {
		return fieldErrorf("keys.rsa_bits", "must be at least %d, got %d", servercrypto.MinRSAKeySize, c.Keys.RSABits)
	}
	if c.Keys.Retention <= 0 {
		return fieldErrorf("keys.retention", "must be positive")
	}
	if _, err := c.MasterKey(); err != nil {
		return fieldError("keys.master_key", err)
	}

	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return fieldErrorf("tokens", "access and refresh TTLs must be positive")
	}
	if c.Tokens.CodeTTL <= 0 {
		return fieldErrorf("tokens.code_ttl", "must be positive")
	}

	switch storage.Type(c.Storage.Type) {
	case storage.TypeMemory:
	case storage.TypeRedis:
		if c.Storage.Redis.Addr == "" && c.Storage.Redis.SentinelMaster == "" {
			return fieldErrorf("storage.redis.addr", "is required for the redis backend")
		}
		if c.Storage.Redis.SentinelMaster != "" && len(c.Storage.Redis.SentinelAddrs) == 0 {
			return fieldErrorf("storage.redis.sentinel_addrs", "are required with a sentinel master")
		}
	case storage.TypeSQLite, storage.TypePostgres:
		if c.Storage.DSN == "" {
			return fieldErrorf("storage.dsn", "is required for the %s backend", c.Storage.Type)
		}
	default:
		return fieldErrorf("storage.type", "unsupported backend %q", c.Storage.Type)
	}
	if c.Storage.OperationTimeout <= 0 {
		return fieldErrorf("storage.operation_timeout", "must be positive")
	}

	switch c.Edge.KeySource {
	case authserver.KeySourceLocal, authserver.KeySourceRemote:
	default:
		return fieldErrorf("edge.key_source", "must be %q or %q", authserver.KeySourceLocal, authserver.KeySourceRemote)
	}
	if c.Edge.CacheTTL <= 0 || c.Edge.MaxIssuers <= 0 {
		return fieldErrorf("edge", "cache TTL and max issuers must be positive")
	}
	if c.Quota.PerMinute < 0 || c.Quota.PerHour < 0 || c.Quota.PerDay < 0 {
		return fieldErrorf("quota", "limits cannot be negative")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fieldErrorf("telemetry.sampling_rate", "must be between 0 and 1")
	}
	if _, err := c.TracingConfig(""); err != nil {
		return err
	}
	if c.Server.RequestTimeout <= 0 || c.Server.WriteTimeout <= c.Server.RequestTimeout {
		return fieldErrorf("server.write_timeout", "must exceed the request timeout")
	}
	return nil
}

// MasterKey returns the decoded master key from keys.master_key or, when that
// is empty, from keys.master_key_file.
func (c *Config) MasterKey() ([]byte, error) {
	encoded := c.Keys.MasterKey
	if encoded == "" {
		if c.Keys.MasterKeyFile == "" {
			return nil, ErrMissingMasterKey
		}
		cleanPath, err := validateFilePath(c.Keys.MasterKeyFile)
		if err != nil {
			return nil, err
		}
		data, err := readFile(cleanPath)
		if err != nil {
			return nil, err
		}
		encoded = string(data)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64", ErrInvalidMasterKey)
	}
	if len(key) != servercrypto.MasterKeySize {
		return nil, fmt.Errorf("%w: must decode to %d bytes, got %d", ErrInvalidMasterKey, servercrypto.MasterKeySize, len(key))
	}
	return key, nil
}

// validateFilePath validates that a file path exists and is accessible.
// It also cleans the file path using filepath.Clean.
func validateFilePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)

	if _, err := os.Stat(cleanPath); err != nil {
		return "", fmt.Errorf(errFileNotFound, err)
	}

	return cleanPath, nil
}

// readFile reads the contents of a file and returns the data.
func readFile(path string) ([]byte, error) {
	// #nosec G304: File path is operator-provided and validated by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(errFileRead, err)
	}
	return data, nil
}

// validateURLScheme validates that a URL is absolute with an https scheme, or
// http when allowInsecure is set.
func validateURLScheme(rawURL string, allowInsecure bool) (*neturl.URL, error) {
	parsedURL, err := neturl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf(errInvalidURL, err)
	}

	switch {
	case parsedURL.Scheme == "https":
	case parsedURL.Scheme == "http" && allowInsecure:
	case allowInsecure:
		return nil, fmt.Errorf("URL must start with http:// or https://")
	default:
		return nil, fmt.Errorf(errInvalidURLScheme)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("URL must have a host")
	}

	return parsedURL, nil
}
