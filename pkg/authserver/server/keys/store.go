// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// KeyProvider is the view of the key store used by token signing and by
// key set publication.
type KeyProvider interface {
	// WithSigningKey runs fn with the tenant's decrypted active key. The key
	// must not be retained after fn returns.
	WithSigningKey(ctx context.Context, tenantID string, fn func(*SigningKeyData) error) error

	// PublicKeySet returns the keys a verifier should accept for the tenant.
	// It is read-only and returns an empty set for a tenant without keys.
	PublicKeySet(ctx context.Context, tenantID string) (jose.JSONWebKeySet, error)
}

// Store is the per-tenant signing key store.
//
// Per-tenant uniqueness of the active key is enforced by the storage layer's
// insert-if-absent write, never by an in-process lock, so any number of
// replicas may share one backend.
type Store struct {
	storage storage.KeyStorage
	sealer  *servercrypto.Sealer
	metrics *telemetry.Metrics
	cfg     Config
	now     func() time.Time

	mu        sync.RWMutex
	listeners []func(tenantID string)
}

// NewStore creates a Store. metrics may be nil.
func NewStore(st storage.KeyStorage, sealer *servercrypto.Sealer, cfg Config, metrics *telemetry.Metrics) (*Store, error) {
	if st == nil {
		return nil, errors.New("key storage is required")
	}
	if sealer == nil {
		return nil, errors.New("sealer is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid key store config: %w", err)
	}
	cfg.ReadPolicy.Permanent = storage.IsDomainOutcome
	return &Store{
		storage: st,
		sealer:  sealer,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// OnKeysChanged registers fn to be called after a tenant's key set changed
// through Rotate or Deactivate in this process.
func (s *Store) OnKeysChanged(fn func(tenantID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notifyChanged(tenantID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(tenantID)
	}
}

// GetOrCreateActiveKey returns the tenant's active key, creating one when the
// tenant has none. Concurrent first calls for the same tenant all return the
// same key.
func (s *Store) GetOrCreateActiveKey(ctx context.Context, tenantID string) (*storage.SigningKey, error) {
	ctx, span := telemetry.StartSpan(ctx, "keys.GetOrCreateActiveKey", tenantID)
	defer span.End()

	if tenantID == "" {
		return nil, taerrors.NewTenantUnresolvedError("tenant is required", nil)
	}

	key, err := s.activeKey(ctx, tenantID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, s.failure("get_active", tenantID, "failed to load active signing key", err)
	}

	created, err := s.generate(tenantID)
	if err != nil {
		return nil, err
	}

	err = s.storage.CreateActiveKey(ctx, created)
	switch {
	case err == nil:
		logger.Infow("signing key created", "tenant_id", tenantID, "kid", created.KeyID)
		s.metrics.KeyEvent("created")
		return created, nil
	case errors.Is(err, storage.ErrAlreadyExists):
		// Another caller won the race; its key is the tenant's key.
		key, err = s.activeKey(ctx, tenantID)
		if err != nil {
			return nil, s.failure("get_active", tenantID, "failed to load concurrently created signing key", err)
		}
		return key, nil
	default:
		return nil, s.failure("create", tenantID, "failed to store signing key", err)
	}
}

// Rotate makes a freshly generated key the tenant's active key. The previous
// active key is demoted and kept so tokens it signed stay verifiable for the
// retention window.
func (s *Store) Rotate(ctx context.Context, tenantID string) (*storage.SigningKey, error) {
	ctx, span := telemetry.StartSpan(ctx, "keys.Rotate", tenantID)
	defer span.End()

	if tenantID == "" {
		return nil, taerrors.NewTenantUnresolvedError("tenant is required", nil)
	}

	var lastErr error
	// A concurrent rotation can win the active slot between our demote and
	// insert on some backends; one more attempt with a fresh key settles it.
	for range 2 {
		key, err := s.generate(tenantID)
		if err != nil {
			return nil, err
		}
		lastErr = s.storage.RotateActiveKey(ctx, key)
		if lastErr == nil {
			logger.Infow("signing key rotated", "tenant_id", tenantID, "kid", key.KeyID)
			s.metrics.KeyEvent("rotated")
			s.notifyChanged(tenantID)
			return key, nil
		}
		if !errors.Is(lastErr, storage.ErrAlreadyExists) {
			break
		}
	}
	return nil, s.failure("rotate", tenantID, "failed to rotate signing key", lastErr)
}

// Deactivate demotes every key of the tenant. The next signing call creates
// a new key.
func (s *Store) Deactivate(ctx context.Context, tenantID string) error {
	if err := s.storage.DeactivateKeys(ctx, tenantID); err != nil {
		return s.failure("deactivate", tenantID, "failed to deactivate signing keys", err)
	}
	logger.Infow("signing keys deactivated", "tenant_id", tenantID)
	s.metrics.KeyEvent("deactivated")
	s.notifyChanged(tenantID)
	return nil
}

// PublicKeySet returns the tenant's active key plus the demoted keys whose
// successor was created less than the retention window ago. It never creates
// keys: a tenant that has not signed anything yet has an empty set.
func (s *Store) PublicKeySet(ctx context.Context, tenantID string) (jose.JSONWebKeySet, error) {
	ctx, span := telemetry.StartSpan(ctx, "keys.PublicKeySet", tenantID)
	defer span.End()

	if tenantID == "" {
		return jose.JSONWebKeySet{}, taerrors.NewTenantUnresolvedError("tenant is required", nil)
	}

	all, err := retry.Read(ctx, s.cfg.ReadPolicy, "list_keys", func(ctx context.Context) ([]*storage.SigningKey, error) {
		return s.storage.ListKeys(ctx, tenantID)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, s.failure("list", tenantID, "failed to list signing keys", err)
	}

	cutoff := s.now().Add(-s.cfg.Retention)
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(all))}
	for i, key := range all {
		if !key.Active {
			// Keys are newest first, so the previous entry is the successor.
			if i == 0 || !all[i-1].CreatedAt.After(cutoff) {
				continue
			}
		}
		jwk, err := publicJWK(key)
		if err != nil {
			return jose.JSONWebKeySet{}, s.failure("list", tenantID, "stored public key is unreadable", err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// WithSigningKey decrypts the tenant's active private key and passes it to fn.
// The decrypted key is only reachable for the duration of fn. An unsealing
// failure is reported as a key store failure; there is no fallback key.
func (s *Store) WithSigningKey(ctx context.Context, tenantID string, fn func(*SigningKeyData) error) error {
	ctx, span := telemetry.StartSpan(ctx, "keys.WithSigningKey", tenantID)
	defer span.End()

	key, err := s.GetOrCreateActiveKey(ctx, tenantID)
	if err != nil {
		return err
	}

	der, err := s.sealer.Open(tenantID, key.EncryptedPrivateKey)
	if err != nil {
		return s.failure("unseal", tenantID, "failed to decrypt signing key", err)
	}
	defer clear(der)

	priv, err := servercrypto.ParsePrivateKey(der)
	if err != nil {
		return s.failure("unseal", tenantID, "decrypted signing key is unreadable", err)
	}

	return fn(&SigningKeyData{
		TenantID:  tenantID,
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Key:       priv,
		CreatedAt: key.CreatedAt,
	})
}

func (s *Store) activeKey(ctx context.Context, tenantID string) (*storage.SigningKey, error) {
	return retry.Read(ctx, s.cfg.ReadPolicy, "get_active_key", func(ctx context.Context) (*storage.SigningKey, error) {
		return s.storage.GetActiveKey(ctx, tenantID)
	})
}

// generate creates a new active key for the tenant with its private half
// sealed under the tenant's data key.
func (s *Store) generate(tenantID string) (*storage.SigningKey, error) {
	priv, err := servercrypto.GenerateRSAKey(s.cfg.RSABits)
	if err != nil {
		return nil, s.failure("generate", tenantID, "failed to generate signing key", err)
	}
	kid, err := servercrypto.Thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, s.failure("generate", tenantID, "failed to compute key id", err)
	}
	pubPEM, err := servercrypto.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, s.failure("generate", tenantID, "failed to encode public key", err)
	}
	der, err := servercrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, s.failure("seal", tenantID, "failed to encode private key", err)
	}
	defer clear(der)
	sealed, err := s.sealer.Seal(tenantID, der)
	if err != nil {
		return nil, s.failure("seal", tenantID, "failed to encrypt private key", err)
	}

	return &storage.SigningKey{
		TenantID:            tenantID,
		KeyID:               kid,
		Algorithm:           DefaultAlgorithm,
		PublicKeyPEM:        pubPEM,
		EncryptedPrivateKey: sealed,
		Active:              true,
		CreatedAt:           s.now().UTC(),
	}, nil
}

// failure logs and counts a key store failure and wraps it in the error
// taxonomy. Storage and crypto details stay in the log.
func (s *Store) failure(operation, tenantID, message string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	logger.Errorw(message, "tenant_id", tenantID, "operation", operation, "error", cause)
	s.metrics.KeyStoreFailure(operation)
	return taerrors.NewKeyStoreFailureError(message, cause)
}

func publicJWK(key *storage.SigningKey) (jose.JSONWebKey, error) {
	pub, err := servercrypto.DecodePublicKeyPEM(key.PublicKeyPEM)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Use:       "sig",
	}, nil
}

var _ KeyProvider = (*Store)(nil)
