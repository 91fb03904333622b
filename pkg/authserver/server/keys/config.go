// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"time"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/retry"
)

// Defaults for Config.
const (
	DefaultRSABits   = 2048
	DefaultRetention = 7 * 24 * time.Hour
)

// Config holds configuration for creating a Store.
// The caller is responsible for populating this from their own config source
// (environment variables, YAML files, flags, etc.).
type Config struct {
	// RSABits is the size of generated keys. Defaults to DefaultRSABits.
	RSABits int

	// Retention is how long a demoted key stays in the published key set after
	// its successor was created. Tokens signed with the old key remain
	// verifiable for this long.
	Retention time.Duration

	// ReadPolicy bounds retries of storage reads.
	ReadPolicy retry.Policy
}

func (c *Config) applyDefaults() {
	if c.RSABits == 0 {
		c.RSABits = DefaultRSABits
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.ReadPolicy.MaxTries == 0 {
		c.ReadPolicy = retry.DefaultPolicy()
	}
}

func (c *Config) validate() error {
	if c.RSABits < servercrypto.MinRSAKeySize {
		return fmt.Errorf("RSA key size must be at least %d bits, got %d", servercrypto.MinRSAKeySize, c.RSABits)
	}
	if c.Retention < 0 {
		return fmt.Errorf("key retention cannot be negative")
	}
	return nil
}
