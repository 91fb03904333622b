// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the service configuration and
// the logic required to load it from a YAML file and the environment.
package config

import (
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
)

// EnvPrefix prefixes every environment variable read by Load, for example
// TENANTAUTH_ISSUER_BASE_URL for issuer.base_url.
const EnvPrefix = "TENANTAUTH"

// Config represents the configuration of the service.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Issuer    IssuerConfig    `yaml:"issuer" mapstructure:"issuer"`
	Keys      KeysConfig      `yaml:"keys" mapstructure:"keys"`
	Tokens    TokensConfig    `yaml:"tokens" mapstructure:"tokens"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Edge      EdgeConfig      `yaml:"edge" mapstructure:"edge"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Tenancy   TenancyConfig   `yaml:"tenancy" mapstructure:"tenancy"`

	// Providers are the platform-default identity provider client configs.
	Providers []registration.ProviderSettings `yaml:"providers,omitempty" mapstructure:"providers"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// IssuerConfig contains the issuer identities.
type IssuerConfig struct {
	// BaseURL is the platform issuer. Tenant issuers are BaseURL/{tenantId}.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// SuperTenantIssuer is trusted across tenants by the edge. Optional.
	SuperTenantIssuer string `yaml:"super_tenant_issuer,omitempty" mapstructure:"super_tenant_issuer"`

	// Audience is the aud claim of access tokens.
	Audience string `yaml:"audience,omitempty" mapstructure:"audience"`

	// PlatformTenant is the key store tenant behind the platform issuer.
	PlatformTenant string `yaml:"platform_tenant,omitempty" mapstructure:"platform_tenant"`

	// AllowInsecure permits http issuer URLs. Development only.
	AllowInsecure bool `yaml:"allow_insecure,omitempty" mapstructure:"allow_insecure"`
}

// KeysConfig contains the signing key settings.
type KeysConfig struct {
	RSABits   int           `yaml:"rsa_bits" mapstructure:"rsa_bits"`
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`

	// MasterKey is the base64-encoded 32-byte sealing key.
	MasterKey string `yaml:"master_key,omitempty" mapstructure:"master_key"`

	// MasterKeyFile holds the base64-encoded master key. Used when MasterKey
	// is empty.
	MasterKeyFile string `yaml:"master_key_file,omitempty" mapstructure:"master_key_file"`
}

// TokensConfig contains token and code lifetimes.
type TokensConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl" mapstructure:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" mapstructure:"refresh_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl" mapstructure:"code_ttl"`
}

// StorageConfig selects and configures the state backend.
type StorageConfig struct {
	// Type is memory, redis, sqlite or postgres.
	Type string `yaml:"type" mapstructure:"type"`

	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// DSN is the SQLite file or the Postgres connection string.
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`

	// OperationTimeout bounds every storage call.
	OperationTimeout time.Duration `yaml:"operation_timeout" mapstructure:"operation_timeout"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty" mapstructure:"addr"`
	Username  string `yaml:"username,omitempty" mapstructure:"username"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	// SentinelMaster enables Sentinel failover when set.
	SentinelMaster string   `yaml:"sentinel_master,omitempty" mapstructure:"sentinel_master"`
	SentinelAddrs  []string `yaml:"sentinel_addrs,omitempty" mapstructure:"sentinel_addrs"`

	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// EdgeConfig configures bearer token validation and API key throttling.
type EdgeConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	MaxIssuers      int           `yaml:"max_issuers" mapstructure:"max_issuers"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`

	// KeySource is local (in-process key store) or remote (published JWKS).
	KeySource    string        `yaml:"key_source" mapstructure:"key_source"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`

	// FailureRate and FailureBurst throttle failed API key attempts per client IP.
	FailureRate  float64 `yaml:"failure_rate" mapstructure:"failure_rate"`
	FailureBurst int     `yaml:"failure_burst" mapstructure:"failure_burst"`
}

// QuotaConfig contains the default API key limits. Zero means unlimited.
type QuotaConfig struct {
	PerMinute int64 `yaml:"per_minute" mapstructure:"per_minute"`
	PerHour   int64 `yaml:"per_hour" mapstructure:"per_hour"`
	PerDay    int64 `yaml:"per_day" mapstructure:"per_day"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	Insecure       bool    `yaml:"insecure,omitempty" mapstructure:"insecure"`
	SamplingRate   float64 `yaml:"sampling_rate" mapstructure:"sampling_rate"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	// Headers and Attributes are comma-separated key=value lists sent with
	// every OTLP export and added to the trace resource respectively.
	Headers    string `yaml:"headers,omitempty" mapstructure:"headers"`
	Attributes string `yaml:"attributes,omitempty" mapstructure:"attributes"`
}

// TenancyConfig configures tenant resolution.
type TenancyConfig struct {
	OnboardingTenant string `yaml:"onboarding_tenant" mapstructure:"onboarding_tenant"`
	QueryParam       string `yaml:"query_param" mapstructure:"query_param"`
	CookieName       string `yaml:"cookie_name" mapstructure:"cookie_name"`
	DefaultProvider  string `yaml:"default_provider" mapstructure:"default_provider"`
}
