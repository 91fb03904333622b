// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func validConfig() *Config {
	cfg := Default()
	cfg.Issuer.BaseURL = "https://auth.example.com"
	cfg.Keys.MasterKey = testMasterKey
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
issuer:
  base_url: https://auth.example.com
  audience: tenantauth-api
keys:
  master_key: `+testMasterKey+`
  retention: 48h
tokens:
  access_ttl: 15m
storage:
  type: sqlite
  dsn: /var/lib/tenantauth/state.db
quota:
  per_minute: 120
providers:
  - provider: google
    client_id: platform-google
    redirect_uri: https://auth.example.com/callback
    active: true
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "tenantauth-api", cfg.Issuer.Audience)
	assert.Equal(t, 48*time.Hour, cfg.Keys.Retention)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.CodeTTL, "unset keys keep their defaults")
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, int64(120), cfg.Quota.PerMinute)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "platform-google", cfg.Providers[0].ClientID)
	assert.True(t, cfg.Providers[0].Active)
}

//nolint:paralleltest // t.Setenv is incompatible with t.Parallel
func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
issuer:
  base_url: https://file.example.com
keys:
  master_key: `+testMasterKey+`
`)
	t.Setenv("TENANTAUTH_ISSUER_BASE_URL", "https://env.example.com")
	t.Setenv("TENANTAUTH_EDGE_MAX_ISSUERS", "42")
	t.Setenv("TENANTAUTH_STORAGE_OPERATION_TIMEOUT", "2s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Issuer.BaseURL)
	assert.Equal(t, 42, cfg.Edge.MaxIssuers)
	assert.Equal(t, 2*time.Second, cfg.Storage.OperationTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "missing issuer", modify: func(c *Config) { c.Issuer.BaseURL = "" }, wantField: "issuer.base_url"},
		{name: "http issuer", modify: func(c *Config) { c.Issuer.BaseURL = "http://auth.example.com" }, wantField: "issuer.base_url"},
		{
			name: "http issuer allowed when insecure",
			modify: func(c *Config) {
				c.Issuer.BaseURL = "http://localhost:8080"
				c.Issuer.AllowInsecure = true
			},
		},
		{name: "bad platform tenant", modify: func(c *Config) { c.Issuer.PlatformTenant = "a b" }, wantField: "issuer.platform_tenant"},
		{name: "small RSA key", modify: func(c *Config) { c.Keys.RSABits = 1024 }, wantField: "keys.rsa_bits"},
		{name: "no master key", modify: func(c *Config) { c.Keys.MasterKey = "" }, wantField: "keys.master_key"},
		{name: "short master key", modify: func(c *Config) { c.Keys.MasterKey = "c2hvcnQ=" }, wantField: "keys.master_key"},
		{name: "zero code TTL", modify: func(c *Config) { c.Tokens.CodeTTL = 0 }, wantField: "tokens.code_ttl"},
		{name: "unknown backend", modify: func(c *Config) { c.Storage.Type = "etcd" }, wantField: "storage.type"},
		{name: "redis without addr", modify: func(c *Config) { c.Storage.Type = "redis" }, wantField: "storage.redis.addr"},
		{
			name: "sentinel without addrs",
			modify: func(c *Config) {
				c.Storage.Type = "redis"
				c.Storage.Redis.SentinelMaster = "mymaster"
			},
			wantField: "storage.redis.sentinel_addrs",
		},
		{name: "postgres without dsn", modify: func(c *Config) { c.Storage.Type = "postgres" }, wantField: "storage.dsn"},
		{name: "unknown key source", modify: func(c *Config) { c.Edge.KeySource = "peer" }, wantField: "edge.key_source"},
		{name: "negative quota", modify: func(c *Config) { c.Quota.PerHour = -1 }, wantField: "quota"},
		{name: "sampling out of range", modify: func(c *Config) { c.Telemetry.SamplingRate = 2 }, wantField: "telemetry.sampling_rate"},
		{name: "malformed export headers", modify: func(c *Config) { c.Telemetry.Headers = "authorization" }, wantField: "telemetry.headers"},
		{
			name:      "write timeout below request timeout",
			modify:    func(c *Config) { c.Server.WriteTimeout = time.Second },
			wantField: "server.write_timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var fieldErr *FieldError
			require.True(t, errors.As(err, &fieldErr), "got %v", err)
			assert.Equal(t, tt.wantField, fieldErr.Field)
		})
	}
}

func TestMasterKeyFromFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Keys.MasterKey = ""
	cfg.Keys.MasterKeyFile = writeFile(t, "master.key", testMasterKey+"\n")

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), key)

	cfg.Keys.MasterKeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = cfg.MasterKey()
	assert.Error(t, err)

	cfg.Keys.MasterKeyFile = ""
	_, err = cfg.MasterKey()
	assert.ErrorIs(t, err, ErrMissingMasterKey)
}

func TestAuthServerConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Issuer.SuperTenantIssuer = "https://platform.example.com"
	cfg.Quota.PerDay = 1000
	cfg.Edge.KeySource = "remote"

	got, err := cfg.AuthServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", got.BaseIssuer)
	assert.Equal(t, "https://platform.example.com", got.SuperTenantIssuer)
	assert.Len(t, got.MasterKey, 32)
	assert.Equal(t, int64(1000), got.Quota.DefaultLimits.PerDay)
	assert.Equal(t, "remote", got.Validation.KeySource)
	assert.Equal(t, cfg.Tenancy.CookieName, got.Tenancy.CookieName)
}

func TestStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Storage.Type = "redis"
	cfg.Storage.Redis.SentinelMaster = "mymaster"
	cfg.Storage.Redis.SentinelAddrs = []string{"sentinel-1:26379"}
	cfg.Storage.Redis.Password = "secret"

	got := cfg.StorageConfig()
	assert.Equal(t, storage.TypeRedis, got.Type)
	require.NotNil(t, got.Redis.SentinelConfig)
	assert.Equal(t, "mymaster", got.Redis.SentinelConfig.MasterName)
	require.NotNil(t, got.Redis.ACLUserConfig)
	assert.Equal(t, "secret", got.Redis.ACLUserConfig.Password)
	assert.Equal(t, storage.DefaultKeyPrefix, got.Redis.KeyPrefix)

	cfg.Storage.Redis = RedisConfig{Addr: "localhost:6379"}
	got = cfg.StorageConfig()
	assert.Nil(t, got.Redis.SentinelConfig)
	assert.Nil(t, got.Redis.ACLUserConfig)
}

func TestTracingConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Telemetry.OTLPEndpoint = "otel-collector:4318"
	cfg.Telemetry.Headers = "x-api-key=secret"
	cfg.Telemetry.Attributes = "deployment=production,region=eu-west-1"

	got, err := cfg.TracingConfig("v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "otel-collector:4318", got.Endpoint)
	assert.Equal(t, "v1.2.3", got.ServiceVersion)
	assert.Equal(t, map[string]string{"x-api-key": "secret"}, got.Headers)
	assert.Equal(t, "eu-west-1", got.Attributes["region"])
}
