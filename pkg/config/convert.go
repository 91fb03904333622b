// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/stacklok/tenantauth/pkg/authserver"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/telemetry"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// AuthServerConfig resolves the configuration into the server's Config.
func (c *Config) AuthServerConfig() (authserver.Config, error) {
	masterKey, err := c.MasterKey()
	if err != nil {
		return authserver.Config{}, fieldError("keys.master_key", err)
	}
	return authserver.Config{
		BaseIssuer:              c.Issuer.BaseURL,
		SuperTenantIssuer:       c.Issuer.SuperTenantIssuer,
		Audience:                c.Issuer.Audience,
		MasterKey:               masterKey,
		PlatformTenant:          c.Issuer.PlatformTenant,
		RSABits:                 c.Keys.RSABits,
		KeyRetention:            c.Keys.Retention,
		AccessTokenTTL:          c.Tokens.AccessTTL,
		RefreshTokenTTL:         c.Tokens.RefreshTTL,
		CodeTTL:                 c.Tokens.CodeTTL,
		RequestTimeout:          c.Server.RequestTimeout,
		StorageOperationTimeout: c.Storage.OperationTimeout,
		Tenancy: tenant.Config{
			QueryParam:       c.Tenancy.QueryParam,
			CookieName:       c.Tenancy.CookieName,
			OnboardingTenant: c.Tenancy.OnboardingTenant,
		},
		Validation: authserver.ValidationConfig{
			CacheTTL:        c.Edge.CacheTTL,
			MaxIssuers:      c.Edge.MaxIssuers,
			CleanupInterval: c.Edge.CleanupInterval,
			RefreshInterval: c.Edge.RefreshInterval,
			KeySource:       c.Edge.KeySource,
			FetchTimeout:    c.Edge.FetchTimeout,
		},
		Quota: authserver.QuotaConfig{
			DefaultLimits: storage.RateLimits{
				PerMinute: c.Quota.PerMinute,
				PerHour:   c.Quota.PerHour,
				PerDay:    c.Quota.PerDay,
			},
			FailureRate:  c.Edge.FailureRate,
			FailureBurst: c.Edge.FailureBurst,
		},
		DefaultProvider:   c.Tenancy.DefaultProvider,
		DisableMetrics:    !c.Telemetry.MetricsEnabled,
		PlatformProviders: c.Providers,
	}, nil
}

// StorageConfig returns the storage backend configuration.
func (c *Config) StorageConfig() *storage.Config {
	redis := c.Storage.Redis
	cfg := &storage.Config{
		Type: storage.Type(c.Storage.Type),
		DSN:  c.Storage.DSN,
		Redis: storage.RedisConfig{
			Addr:         redis.Addr,
			DB:           redis.DB,
			KeyPrefix:    redis.KeyPrefix,
			DialTimeout:  redis.DialTimeout,
			ReadTimeout:  redis.ReadTimeout,
			WriteTimeout: redis.WriteTimeout,
		},
	}
	if redis.SentinelMaster != "" {
		cfg.Redis.SentinelConfig = &storage.SentinelConfig{
			MasterName:    redis.SentinelMaster,
			SentinelAddrs: redis.SentinelAddrs,
			DB:            redis.DB,
		}
	}
	if redis.Username != "" || redis.Password != "" {
		cfg.Redis.ACLUserConfig = &storage.ACLUserConfig{
			Username: redis.Username,
			Password: redis.Password,
		}
	}
	return cfg
}

// TracingConfig returns the OTLP tracing configuration.
func (c *Config) TracingConfig(version string) (telemetry.TracingConfig, error) {
	headers, err := telemetry.ParseCustomAttributes(c.Telemetry.Headers)
	if err != nil {
		return telemetry.TracingConfig{}, fieldError("telemetry.headers", err)
	}
	attributes, err := telemetry.ParseCustomAttributes(c.Telemetry.Attributes)
	if err != nil {
		return telemetry.TracingConfig{}, fieldError("telemetry.attributes", err)
	}
	return telemetry.TracingConfig{
		Endpoint:       c.Telemetry.OTLPEndpoint,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       c.Telemetry.Insecure,
		SamplingRate:   c.Telemetry.SamplingRate,
		Headers:        headers,
		Attributes:     attributes,
	}, nil
}
