// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of the master key in bytes.
const MasterKeySize = 32

// sealVersion prefixes every sealed blob so the format can change later.
const sealVersion byte = 1

const dataKeyInfo = "tenantauth/seal/v1/"

// ErrOpenFailed is returned when sealed data cannot be authenticated. The
// cause is deliberately not exposed.
var ErrOpenFailed = errors.New("failed to open sealed data")

// Sealer encrypts secrets at rest with AES-256-GCM. Each tenant gets its own
// data key derived from the master key with HKDF-SHA256, and the tenant ID is
// bound into the ciphertext as additional data, so a blob copied to another
// tenant does not open.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a Sealer. The master key must be exactly MasterKeySize bytes.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Sealer{masterKey: key}, nil
}

func (s *Sealer) aead(tenantID string) (cipher.AEAD, error) {
	dataKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, s.masterKey, nil, []byte(dataKeyInfo+tenantID))
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for tenantID. Output: version || nonce || ciphertext.
func (s *Sealer) Seal(tenantID string, plaintext []byte) ([]byte, error) {
	gcm, err := s.aead(tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = sealVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(out, out[1:], plaintext, []byte(tenantID)), nil
}

// Open decrypts data sealed for tenantID. Any failure is reported as ErrOpenFailed.
func (s *Sealer) Open(tenantID string, sealed []byte) ([]byte, error) {
	gcm, err := s.aead(tenantID)
	if err != nil {
		return nil, err
	}

	if len(sealed) < 1+gcm.NonceSize()+gcm.Overhead() || sealed[0] != sealVersion {
		return nil, ErrOpenFailed
	}
	nonce := sealed[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, sealed[1+gcm.NonceSize():], []byte(tenantID))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
