// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Config holds the issuer configuration.
type Config struct {
	// BaseIssuer is the platform issuer URL. A tenant's issuer is
	// BaseIssuer + "/" + tenantID.
	BaseIssuer string

	// Audience is the aud claim of access tokens. Empty means the tenant's
	// issuer URL.
	Audience string

	// AccessTokenTTL applies when the client does not set its own.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL applies when the client does not set its own.
	RefreshTokenTTL time.Duration
}

func (c *Config) applyDefaults() {
	c.BaseIssuer = strings.TrimRight(c.BaseIssuer, "/")
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

func (c *Config) validate() error {
	if c.BaseIssuer == "" {
		return errors.New("base issuer is required")
	}
	u, err := url.Parse(c.BaseIssuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base issuer must be an absolute URL: %q", c.BaseIssuer)
	}
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		return errors.New("token lifetimes cannot be negative")
	}
	return nil
}

// TenantIssuer returns the issuer URL of a tenant.
func TenantIssuer(baseIssuer, tenantID string) string {
	return strings.TrimRight(baseIssuer, "/") + "/" + tenantID
}
