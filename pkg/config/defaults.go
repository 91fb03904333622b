// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/tenantauth/pkg/authserver"
	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// Listener defaults. The write timeout must exceed the request timeout so the
// deadline middleware answers before the connection is cut.
const (
	DefaultAddress         = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 45 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultServiceName     = "tenantauth"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			RequestTimeout:  authserver.DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Keys: KeysConfig{
			RSABits:   keys.DefaultRSABits,
			Retention: keys.DefaultRetention,
		},
		Tokens: TokensConfig{
			AccessTTL:  token.DefaultAccessTokenTTL,
			RefreshTTL: token.DefaultRefreshTokenTTL,
			CodeTTL:    authorization.DefaultCodeTTL,
		},
		Storage: StorageConfig{
			Type: string(storage.TypeMemory),
			Redis: RedisConfig{
				KeyPrefix:    storage.DefaultKeyPrefix,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			OperationTimeout: storage.DefaultOperationTimeout,
		},
		Edge: EdgeConfig{
			CacheTTL:        validation.DefaultCacheTTL,
			MaxIssuers:      validation.DefaultMaxIssuers,
			CleanupInterval: validation.DefaultCleanupInterval,
			RefreshInterval: validation.DefaultRefreshInterval,
			KeySource:       authserver.KeySourceLocal,
			FetchTimeout:    authserver.DefaultFetchTimeout,
			FailureRate:     float64(quota.DefaultFailureRate),
			FailureBurst:    quota.DefaultFailureBurst,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			SamplingRate:   0.1,
			ServiceName:    DefaultServiceName,
		},
		Tenancy: TenancyConfig{
			OnboardingTenant: tenant.DefaultOnboardingTenant,
			QueryParam:       tenant.DefaultQueryParam,
			CookieName:       tenant.DefaultCookieName,
			DefaultProvider:  registration.DefaultProvider,
		},
	}
}

// setDefaults registers every key with viper. Keys unknown to viper are not
// picked up from the environment on Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("issuer.base_url", "")
	v.SetDefault("issuer.super_tenant_issuer", "")
	v.SetDefault("issuer.audience", "")
	v.SetDefault("issuer.platform_tenant", "")
	v.SetDefault("issuer.allow_insecure", false)

	v.SetDefault("keys.rsa_bits", d.Keys.RSABits)
	v.SetDefault("keys.retention", d.Keys.Retention)
	v.SetDefault("keys.master_key", "")
	v.SetDefault("keys.master_key_file", "")

	v.SetDefault("tokens.access_ttl", d.Tokens.AccessTTL)
	v.SetDefault("tokens.refresh_ttl", d.Tokens.RefreshTTL)
	v.SetDefault("tokens.code_ttl", d.Tokens.CodeTTL)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.operation_timeout", d.Storage.OperationTimeout)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.sentinel_master", "")
	v.SetDefault("storage.redis.sentinel_addrs", []string{})
	v.SetDefault("storage.redis.dial_timeout", d.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", d.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", d.Storage.Redis.WriteTimeout)

	v.SetDefault("edge.cache_ttl", d.Edge.CacheTTL)
	v.SetDefault("edge.max_issuers", d.Edge.MaxIssuers)
	v.SetDefault("edge.cleanup_interval", d.Edge.CleanupInterval)
	v.SetDefault("edge.refresh_interval", d.Edge.RefreshInterval)
	v.SetDefault("edge.key_source", d.Edge.KeySource)
	v.SetDefault("edge.fetch_timeout", d.Edge.FetchTimeout)
	v.SetDefault("edge.failure_rate", d.Edge.FailureRate)
	v.SetDefault("edge.failure_burst", d.Edge.FailureBurst)

	v.SetDefault("quota.per_minute", 0)
	v.SetDefault("quota.per_hour", 0)
	v.SetDefault("quota.per_day", 0)

	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampling_rate", d.Telemetry.SamplingRate)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.headers", "")
	v.SetDefault("telemetry.attributes", "")

	v.SetDefault("tenancy.onboarding_tenant", d.Tenancy.OnboardingTenant)
	v.SetDefault("tenancy.query_param", d.Tenancy.QueryParam)
	v.SetDefault("tenancy.cookie_name", d.Tenancy.CookieName)
	v.SetDefault("tenancy.default_provider", d.Tenancy.DefaultProvider)
}
