// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages per-tenant signing keys: lazy creation of a tenant's
// first key, rotation with retention of demoted keys, the public key set
// served at the tenant's JWKS endpoint, and scoped access to decrypted
// private key material for one signing call at a time.
package keys

import (
	"crypto/rsa"
	"time"
)

// DefaultAlgorithm is the signing algorithm of every tenant key.
const DefaultAlgorithm = "RS256"

// SigningKeyData represents a signing key with its metadata.
// This contains private key material and must not outlive the signing call
// it was handed to.
type SigningKeyData struct {
	// TenantID is the tenant owning the key.
	TenantID string

	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm ("RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key *rsa.PrivateKey

	// CreatedAt is when this key was generated.
	CreatedAt time.Time
}
