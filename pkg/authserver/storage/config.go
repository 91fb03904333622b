// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default). Single process only.
	TypeMemory Type = "memory"

	// TypeRedis uses Redis.
	TypeRedis Type = "redis"

	// TypeSQLite uses an SQLite database file.
	TypeSQLite Type = "sqlite"

	// TypePostgres uses PostgreSQL through pgx.
	TypePostgres Type = "postgres"
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultAuthCodeTTL is the lifetime of an authorization code.
	DefaultAuthCodeTTL = 5 * time.Minute

	// DefaultSessionTTL is the lifetime of a browser session.
	DefaultSessionTTL = 12 * time.Hour

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "tenantauth:"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// Redis is used when Type is redis.
	Redis RedisConfig

	// DSN is the SQLite path or Postgres connection string.
	DSN string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// New creates the backend selected by cfg.
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(), nil
	case TypeRedis:
		return NewRedisStorage(ctx, cfg.Redis)
	case TypeSQLite:
		return NewSQLStorage(ctx, DialectSQLite, cfg.DSN)
	case TypePostgres:
		return NewSQLStorage(ctx, DialectPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
