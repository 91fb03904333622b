// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// NormalizeEmail lower-cases and trims an email address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// exchangeable reports why a session cannot be exchanged at now, if it cannot.
// Consumption is checked before expiry so a replayed code is reported as such
// even after its TTL.
func exchangeable(session *AuthorizationSession, now time.Time) error {
	if session.Consumed {
		return fmt.Errorf("%w: authorization code", ErrAlreadyConsumed)
	}
	if session.IsExpired(now) {
		return fmt.Errorf("%w: authorization code", ErrExpired)
	}
	return nil
}

// refreshable reports why a record's refresh token cannot be used at now.
func refreshable(record *TokenRecord, now time.Time) error {
	if record.Revoked {
		return fmt.Errorf("%w: refresh token", ErrRevoked)
	}
	if !record.RefreshExpiresAt.IsZero() && !now.Before(record.RefreshExpiresAt) {
		return fmt.Errorf("%w: refresh token", ErrExpired)
	}
	return nil
}

// checkReplacement enforces the shape of a minted refresh replacement.
func checkReplacement(current, next *TokenRecord, rotate bool) error {
	if next == nil {
		return errors.New("minted token record cannot be nil")
	}
	if rotate {
		if next.RefreshSignature == "" || next.RefreshSignature == current.RefreshSignature {
			return errors.New("rotation requires a new refresh token")
		}
		if next.ID == current.ID {
			return errors.New("rotation requires a new record ID")
		}
		return nil
	}
	if next.RefreshSignature != current.RefreshSignature {
		return errors.New("refresh token must be kept without rotation")
	}
	return nil
}

// recordExpiry is the time after which a record can be discarded.
func recordExpiry(record *TokenRecord) time.Time {
	if record.RefreshExpiresAt.After(record.AccessExpiresAt) {
		return record.RefreshExpiresAt
	}
	return record.AccessExpiresAt
}

func validateKey(key *SigningKey) error {
	switch {
	case key == nil:
		return errors.New("signing key cannot be nil")
	case key.TenantID == "":
		return errors.New("signing key tenant ID cannot be empty")
	case key.KeyID == "":
		return errors.New("signing key ID cannot be empty")
	case len(key.EncryptedPrivateKey) == 0:
		return errors.New("signing key must carry sealed private key material")
	}
	return nil
}

func validateToken(record *TokenRecord) error {
	switch {
	case record == nil:
		return errors.New("token record cannot be nil")
	case record.ID == "":
		return errors.New("token record ID cannot be empty")
	case record.AccessSignature == "":
		return errors.New("token record access signature cannot be empty")
	case record.TenantID == "":
		return errors.New("token record tenant ID cannot be empty")
	}
	return nil
}

func validateClient(client *RegisteredClient) error {
	switch {
	case client == nil:
		return errors.New("client cannot be nil")
	case client.ClientID == "":
		return errors.New("client ID cannot be empty")
	case client.TenantID == "":
		return errors.New("client tenant ID cannot be empty")
	}
	return nil
}

func validateUser(user *User) error {
	switch {
	case user == nil:
		return errors.New("user cannot be nil")
	case user.ID == "":
		return errors.New("user ID cannot be empty")
	case user.TenantID == "":
		return errors.New("user tenant ID cannot be empty")
	}
	return nil
}

// The clone helpers return defensive copies so callers never share backing
// arrays with stored records.

func cloneKey(k *SigningKey) *SigningKey {
	c := *k
	c.PublicKeyPEM = slices.Clone(k.PublicKeyPEM)
	c.EncryptedPrivateKey = slices.Clone(k.EncryptedPrivateKey)
	return &c
}

func cloneAuthorization(a *AuthorizationSession) *AuthorizationSession {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	c.Scopes = slices.Clone(a.Scopes)
	return &c
}

func cloneToken(r *TokenRecord) *TokenRecord {
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	c.Roles = slices.Clone(r.Roles)
	return &c
}

func cloneClient(cl *RegisteredClient) *RegisteredClient {
	c := *cl
	c.AllowedGrantTypes = slices.Clone(cl.AllowedGrantTypes)
	c.RedirectURIs = slices.Clone(cl.RedirectURIs)
	return &c
}

func cloneProvider(p *ProviderConfig) *ProviderConfig {
	c := *p
	c.EncryptedClientSecret = slices.Clone(p.EncryptedClientSecret)
	c.Scopes = slices.Clone(p.Scopes)
	return &c
}

func cloneUser(u *User) *User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return &c
}
