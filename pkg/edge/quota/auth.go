// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// maxPresentedKeyLength bounds the API key accepted from a request.
const maxPresentedKeyLength = 256

var errInvalidKey = taerrors.NewUnauthorizedError("invalid API key", nil)

// HashSecret returns the stored form of an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticator verifies API keys of the form "{keyId}.{secret}".
type Authenticator struct {
	keys       storage.APIKeyStorage
	defaults   storage.RateLimits
	readPolicy retry.Policy
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator. defaults are the limits of keys
// created without explicit limits.
func NewAuthenticator(keys storage.APIKeyStorage, defaults storage.RateLimits) *Authenticator {
	policy := retry.DefaultPolicy()
	policy.Permanent = storage.IsDomainOutcome
	return &Authenticator{keys: keys, defaults: defaults, readPolicy: policy, now: time.Now}
}

// Authenticate returns the credential behind presented. Unknown, malformed,
// mismatched and revoked keys are all the same unauthorized error.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*storage.APIKeyCredential, error) {
	if len(presented) > maxPresentedKeyLength {
		return nil, errInvalidKey
	}
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, errInvalidKey
	}

	cred, err := retry.Read(ctx, a.readPolicy, "get_api_key", func(ctx context.Context) (*storage.APIKeyCredential, error) {
		return a.keys.GetAPIKey(ctx, keyID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidKey
	}
	if err != nil {
		return nil, taerrors.NewInternalError("failed to load API key", err)
	}

	if subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(cred.SecretHash)) != 1 {
		logger.Debugw("API key secret mismatch", "key_id", keyID)
		return nil, errInvalidKey
	}
	if cred.Revoked {
		logger.Debugw("revoked API key presented", "key_id", keyID)
		return nil, errInvalidKey
	}
	return cred, nil
}

// CreateKey issues a new API key for ownerID. The returned presented key is
// the only time the secret is available. A nil limits uses the defaults.
func (a *Authenticator) CreateKey(
	ctx context.Context, ownerID, tenantID string, limits *storage.RateLimits,
) (string, *storage.APIKeyCredential, error) {
	if ownerID == "" {
		return "", nil, taerrors.NewInvalidArgumentError("owner is required", nil)
	}
	if tenantID != "" {
		if err := tenant.ValidateID(tenantID); err != nil {
			return "", nil, err
		}
	}
	effective := a.defaults
	if limits != nil {
		effective = *limits
	}
	if effective.PerMinute < 0 || effective.PerHour < 0 || effective.PerDay < 0 {
		return "", nil, taerrors.NewInvalidArgumentError("rate limits cannot be negative", nil)
	}

	secret := rand.Text()
	cred := &storage.APIKeyCredential{
		KeyID:      uuid.NewString(),
		SecretHash: HashSecret(secret),
		OwnerID:    ownerID,
		TenantID:   tenantID,
		RateLimits: effective,
		CreatedAt:  a.now().UTC(),
	}
	if err := a.keys.CreateAPIKey(ctx, cred); err != nil {
		return "", nil, taerrors.NewInternalError("failed to store API key", err)
	}
	logger.Infow("API key created", "key_id", cred.KeyID, "owner_id", ownerID, "tenant_id", tenantID)
	return cred.KeyID + "." + secret, cred, nil
}

// RevokeKey revokes an API key. A non-empty tenantID restricts the
// revocation to keys of that tenant; keys of other tenants look unknown.
func (a *Authenticator) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	if tenantID != "" {
		cred, err := a.keys.GetAPIKey(ctx, keyID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && cred.TenantID != tenantID) {
			return taerrors.NewInvalidArgumentError("unknown API key", nil)
		}
		if err != nil {
			return taerrors.NewInternalError("failed to load API key", err)
		}
	}
	if err := a.keys.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return taerrors.NewInvalidArgumentError("unknown API key", nil)
		}
		return taerrors.NewInternalError("failed to revoke API key", err)
	}
	logger.Infow("API key revoked", "key_id", keyID, "tenant_id", tenantID)
	return nil
}
