// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// minRedisTTL keeps records that are about to expire from being written
// without a TTL.
const minRedisTTL = time.Second

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is a standalone Redis address. Ignored when SentinelConfig is set.
	Addr string

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig

	// ACLUserConfig carries ACL credentials.
	ACLUserConfig *ACLUserConfig

	// DB selects the Redis database for standalone deployments.
	DB int

	// KeyPrefix namespaces every key, e.g. "tenantauth:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
	DB            int
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string
	Password string
}

// RedisStorage implements the Storage interface on Redis. Conditional writes
// use Lua scripts or WATCH/MULTI transactions, so every process sharing the
// same Redis observes the same linearized state.
//
// Callbacks passed to ConsumeAuthorization and ExchangeRefreshToken may run
// more than once if the transaction has to be retried by the caller.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage creates Redis-backed storage. Returns an error if the
// configuration is invalid or the server cannot be reached.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	opts := &redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		opts.MasterName = cfg.SentinelConfig.MasterName
		opts.Addrs = cfg.SentinelConfig.SentinelAddrs
		opts.DB = cfg.SentinelConfig.DB
	}
	if cfg.ACLUserConfig != nil {
		opts.Username = cfg.ACLUserConfig.Username
		opts.Password = cfg.ACLUserConfig.Password
	}

	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig == nil {
		if cfg.Addr == "" {
			return errors.New("either an address or a sentinel configuration is required")
		}
		return nil
	}
	if cfg.SentinelConfig.MasterName == "" {
		return errors.New("sentinel master name is required")
	}
	if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType string, parts ...string) string {
	return redisKey(s.keyPrefix, keyType, parts...)
}

// getter is satisfied by clients, pipelines and transactions.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON loads and decodes a JSON value, mapping a missing key to ErrNotFound.
func getJSON[T any](ctx context.Context, c getter, key, what string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return &v, nil
}

// ttlUntil returns the TTL for a value that expires at t. A zero t means no expiry.
func ttlUntil(t, now time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return max(t.Sub(now), minRedisTTL)
}

// -----------------------
// KeyStorage
// -----------------------

// createActiveKeyScript inserts a key and points the tenant's active pointer at
// it, but only if no key is active.
// Returns 1 on success, 0 if a key is active, -1 on a duplicate kid.
var createActiveKeyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// rotateKeyScript inserts a key and moves the active pointer to it.
// Returns 1 on success, -1 on a duplicate kid.
var rotateKeyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

func (s *RedisStorage) runKeyScript(ctx context.Context, script *redis.Script, key *SigningKey) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	stored := cloneKey(key)
	stored.Active = false
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal signing key: %w", err)
	}

	keys := []string{
		s.key(KeyTypeActiveKey, key.TenantID),
		s.key(KeyTypeSigningKey, key.TenantID, key.KeyID),
		s.key(KeyTypeTenantKeys, key.TenantID),
	}
	result, err := script.Run(ctx, s.client, keys, key.KeyID, data, key.CreatedAt.UnixMicro()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to store signing key: %w", err)
	}
	if result == -1 {
		return result, fmt.Errorf("%w: duplicate key id", ErrAlreadyExists)
	}
	return result, nil
}

// CreateActiveKey inserts key as active if the tenant has no active key.
func (s *RedisStorage) CreateActiveKey(ctx context.Context, key *SigningKey) error {
	result, err := s.runKeyScript(ctx, createActiveKeyScript, key)
	if err != nil {
		return err
	}
	if result == 0 {
		return fmt.Errorf("%w: tenant already has an active signing key", ErrAlreadyExists)
	}
	return nil
}

// RotateActiveKey demotes the active key and inserts key as active.
func (s *RedisStorage) RotateActiveKey(ctx context.Context, key *SigningKey) error {
	_, err := s.runKeyScript(ctx, rotateKeyScript, key)
	return err
}

// GetActiveKey returns the tenant's active key.
func (s *RedisStorage) GetActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	kid, err := s.client.Get(ctx, s.key(KeyTypeActiveKey, tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no active signing key for tenant", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active key pointer: %w", err)
	}

	key, err := getJSON[SigningKey](ctx, s.client, s.key(KeyTypeSigningKey, tenantID, kid), "signing key")
	if err != nil {
		return nil, err
	}
	key.Active = true
	return key, nil
}

// ListKeys returns every key of the tenant, newest first.
func (s *RedisStorage) ListKeys(ctx context.Context, tenantID string) ([]*SigningKey, error) {
	var (
		activeCmd *redis.StringCmd
		kidsCmd   *redis.StringSliceCmd
	)
	// MULTI gives a consistent view of the pointer and the index.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		activeCmd = pipe.Get(ctx, s.key(KeyTypeActiveKey, tenantID))
		kidsCmd = pipe.ZRevRange(ctx, s.key(KeyTypeTenantKeys, tenantID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	active := activeCmd.Val()
	kids := kidsCmd.Val()
	if len(kids) == 0 {
		return []*SigningKey{}, nil
	}

	dataKeys := make([]string, len(kids))
	for i, kid := range kids {
		dataKeys[i] = s.key(KeyTypeSigningKey, tenantID, kid)
	}
	values, err := s.client.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	out := make([]*SigningKey, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var key SigningKey
		if err := json.Unmarshal([]byte(str), &key); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signing key: %w", err)
		}
		key.Active = key.KeyID == active
		out = append(out, &key)
	}
	return out, nil
}

// DeactivateKeys demotes every key of the tenant.
func (s *RedisStorage) DeactivateKeys(ctx context.Context, tenantID string) error {
	return s.client.Del(ctx, s.key(KeyTypeActiveKey, tenantID)).Err()
}

// -----------------------
// AuthorizationStorage
// -----------------------

// CreateAuthorization stores a new authorization session with a TTL matching
// its expiry.
func (s *RedisStorage) CreateAuthorization(ctx context.Context, session *AuthorizationSession) error {
	if session == nil || session.Code == "" {
		return errors.New("authorization code cannot be empty")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(KeyTypeAuthCode, session.Code), data, ttlUntil(session.ExpiresAt, time.Now())).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// GetAuthorization returns the session for code.
func (s *RedisStorage) GetAuthorization(ctx context.Context, code string) (*AuthorizationSession, error) {
	return getJSON[AuthorizationSession](ctx, s.client, s.key(KeyTypeAuthCode, code), "authorization code")
}

// ConsumeAuthorization flips an issued session to consumed and stores the
// minted record in one optimistic transaction. Losing the race to a
// concurrent exchange is reported as ErrAlreadyConsumed.
func (s *RedisStorage) ConsumeAuthorization(
	ctx context.Context, code string, now time.Time, mint MintFunc,
) (*TokenRecord, error) {
	codeKey := s.key(KeyTypeAuthCode, code)
	var minted *TokenRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		session, err := getJSON[AuthorizationSession](ctx, tx, codeKey, "authorization code")
		if err != nil {
			return err
		}
		if err := exchangeable(session, now); err != nil {
			return err
		}

		record, err := mint(cloneAuthorization(session))
		if err != nil {
			return err
		}
		if err := validateToken(record); err != nil {
			return err
		}

		session.Consumed = true
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal authorization: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, codeKey, data, ttlUntil(session.ExpiresAt, now))
			return s.queueTokenWrite(ctx, pipe, record, now)
		})
		if err != nil {
			return err
		}
		minted = record
		return nil
	}, codeKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: authorization code", ErrAlreadyConsumed)
	}
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// -----------------------
// TokenStorage
// -----------------------

// queueTokenWrite queues the record and its indexes on pipe.
func (s *RedisStorage) queueTokenWrite(ctx context.Context, pipe redis.Pipeliner, record *TokenRecord, now time.Time) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	ttl := ttlUntil(recordExpiry(record), now)
	pipe.Set(ctx, s.key(KeyTypeToken, record.ID), data, ttl)
	pipe.Set(ctx, s.key(KeyTypeAccessIndex, record.AccessSignature), record.ID, ttl)
	if record.RefreshSignature != "" {
		pipe.Set(ctx, s.key(KeyTypeRefreshIndex, record.RefreshSignature), record.ID, ttl)
	}
	pipe.SAdd(ctx, s.key(KeyTypeTenantTokens, record.TenantID), record.ID)
	return nil
}

// CreateToken stores a new record.
func (s *RedisStorage) CreateToken(ctx context.Context, record *TokenRecord) error {
	if err := validateToken(record); err != nil {
		return err
	}

	exists, err := s.client.Exists(ctx, s.key(KeyTypeToken, record.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check token record: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: token record", ErrAlreadyExists)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueTokenWrite(ctx, pipe, record, time.Now())
	})
	if err != nil {
		return fmt.Errorf("failed to store token record: %w", err)
	}
	return nil
}

func (s *RedisStorage) lookupToken(ctx context.Context, c getter, indexKey string) (*TokenRecord, error) {
	id, err := c.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token index: %w", err)
	}
	return getJSON[TokenRecord](ctx, c, s.key(KeyTypeToken, id), "token")
}

// GetTokenByAccess returns the record for an access token signature.
func (s *RedisStorage) GetTokenByAccess(ctx context.Context, accessSignature string) (*TokenRecord, error) {
	return s.lookupToken(ctx, s.client, s.key(KeyTypeAccessIndex, accessSignature))
}

// GetTokenByRefresh returns the record for a refresh token signature.
func (s *RedisStorage) GetTokenByRefresh(ctx context.Context, refreshSignature string) (*TokenRecord, error) {
	return s.lookupToken(ctx, s.client, s.key(KeyTypeRefreshIndex, refreshSignature))
}

// ExchangeRefreshToken performs a refresh exchange in one optimistic
// transaction. Losing the race to a concurrent exchange of the same token is
// reported as ErrRevoked.
func (s *RedisStorage) ExchangeRefreshToken(
	ctx context.Context, refreshSignature string, now time.Time, rotate bool, mint RefreshFunc,
) (*TokenRecord, error) {
	indexKey := s.key(KeyTypeRefreshIndex, refreshSignature)
	var minted *TokenRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, indexKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: refresh token", ErrNotFound)
			}
			return fmt.Errorf("failed to get token index: %w", err)
		}
		recordKey := s.key(KeyTypeToken, id)
		if err := tx.Watch(ctx, recordKey).Err(); err != nil {
			return fmt.Errorf("failed to watch token record: %w", err)
		}

		current, err := getJSON[TokenRecord](ctx, tx, recordKey, "refresh token")
		if err != nil {
			return err
		}
		if err := refreshable(current, now); err != nil {
			return err
		}

		next, err := mint(cloneToken(current))
		if err != nil {
			return err
		}
		if err := checkReplacement(current, next, rotate); err != nil {
			return err
		}
		if err := validateToken(next); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if rotate {
				current.Revoked = true
				data, err := json.Marshal(current)
				if err != nil {
					return fmt.Errorf("failed to marshal token record: %w", err)
				}
				pipe.Set(ctx, recordKey, data, ttlUntil(recordExpiry(current), now))
				return s.queueTokenWrite(ctx, pipe, next, now)
			}

			pipe.Del(ctx, s.key(KeyTypeAccessIndex, current.AccessSignature))
			if next.ID != current.ID {
				pipe.Del(ctx, recordKey)
				pipe.SRem(ctx, s.key(KeyTypeTenantTokens, current.TenantID), current.ID)
			}
			return s.queueTokenWrite(ctx, pipe, next, now)
		})
		if err != nil {
			return err
		}
		minted = next
		return nil
	}, indexKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: refresh token", ErrRevoked)
	}
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// revokeRecord marks the record revoked, keeping its remaining lifetime.
func (s *RedisStorage) revokeRecord(ctx context.Context, id string, now time.Time) error {
	recordKey := s.key(KeyTypeToken, id)
	record, err := getJSON[TokenRecord](ctx, s.client, recordKey, "token")
	if err != nil {
		return err
	}
	if record.Revoked {
		return nil
	}
	record.Revoked = true
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	return s.client.Set(ctx, recordKey, data, ttlUntil(recordExpiry(record), now)).Err()
}

// RevokeToken revokes the record matching the signature.
func (s *RedisStorage) RevokeToken(ctx context.Context, signature string) error {
	ids, err := s.client.MGet(ctx,
		s.key(KeyTypeAccessIndex, signature),
		s.key(KeyTypeRefreshIndex, signature),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to get token index: %w", err)
	}

	for _, v := range ids {
		if id, ok := v.(string); ok {
			return s.revokeRecord(ctx, id, time.Now())
		}
	}
	return fmt.Errorf("%w: token", ErrNotFound)
}

// RevokeTenantTokens revokes every record of the tenant. Members whose
// record already expired are pruned from the tenant index.
func (s *RedisStorage) RevokeTenantTokens(ctx context.Context, tenantID string) error {
	setKey := s.key(KeyTypeTenantTokens, tenantID)
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list tenant tokens: %w", err)
	}

	now := time.Now()
	for _, id := range ids {
		err := s.revokeRecord(ctx, id, now)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, setKey, id)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// -----------------------
// ClientStorage
// -----------------------

// GetClient returns a registered client.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	return getJSON[RegisteredClient](ctx, s.client, s.key(KeyTypeClient, clientID), "client")
}

// CreateClient stores a new client.
func (s *RedisStorage) CreateClient(ctx context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(KeyTypeClient, client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: client", ErrAlreadyExists)
	}
	return s.client.SAdd(ctx, s.key(KeyTypeTenantClient, client.TenantID), client.ClientID).Err()
}

// UpdateClient replaces an existing client's configuration.
func (s *RedisStorage) UpdateClient(ctx context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.key(KeyTypeClient, client.ClientID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	return nil
}

func (s *RedisStorage) providerKey(tenantID, provider string) string {
	return s.key(KeyTypeProvider, tenantSegment(tenantID), strings.ToLower(provider))
}

// GetProviderConfig returns a provider config.
func (s *RedisStorage) GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error) {
	return getJSON[ProviderConfig](ctx, s.client, s.providerKey(tenantID, provider), "provider config")
}

// SetProviderConfig creates or replaces a provider config.
func (s *RedisStorage) SetProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	if cfg == nil || cfg.Provider == "" {
		return errors.New("provider cannot be empty")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal provider config: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.providerKey(cfg.TenantID, cfg.Provider), data, 0)
		pipe.SAdd(ctx, s.key(KeyTypeTenantProv, tenantSegment(cfg.TenantID)), strings.ToLower(cfg.Provider))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store provider config: %w", err)
	}
	return nil
}

// ListProviderConfigs returns the configs of a tenant, sorted by provider.
func (s *RedisStorage) ListProviderConfigs(ctx context.Context, tenantID string) ([]*ProviderConfig, error) {
	providers, err := s.client.SMembers(ctx, s.key(KeyTypeTenantProv, tenantSegment(tenantID))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}

	var out []*ProviderConfig
	for _, p := range providers {
		cfg, err := s.GetProviderConfig(ctx, tenantID, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b *ProviderConfig) int { return strings.Compare(a.Provider, b.Provider) })
	return out, nil
}

// DeleteTenantClients removes every client and provider config of a tenant.
func (s *RedisStorage) DeleteTenantClients(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenant ID cannot be empty")
	}

	clientSet := s.key(KeyTypeTenantClient, tenantID)
	providerSet := s.key(KeyTypeTenantProv, tenantSegment(tenantID))

	clientIDs, err := s.client.SMembers(ctx, clientSet).Result()
	if err != nil {
		return fmt.Errorf("failed to list tenant clients: %w", err)
	}
	providers, err := s.client.SMembers(ctx, providerSet).Result()
	if err != nil {
		return fmt.Errorf("failed to list tenant providers: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range clientIDs {
			pipe.Del(ctx, s.key(KeyTypeClient, id))
		}
		for _, p := range providers {
			pipe.Del(ctx, s.providerKey(tenantID, p))
		}
		pipe.Del(ctx, clientSet, providerSet)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete tenant clients: %w", err)
	}
	return nil
}

// -----------------------
// APIKeyStorage
// -----------------------

// GetAPIKey returns a credential.
func (s *RedisStorage) GetAPIKey(ctx context.Context, keyID string) (*APIKeyCredential, error) {
	return getJSON[APIKeyCredential](ctx, s.client, s.key(KeyTypeAPIKey, keyID), "api key")
}

// CreateAPIKey stores a new credential.
func (s *RedisStorage) CreateAPIKey(ctx context.Context, key *APIKeyCredential) error {
	if key == nil || key.KeyID == "" {
		return errors.New("api key ID cannot be empty")
	}

	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(KeyTypeAPIKey, key.KeyID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: api key", ErrAlreadyExists)
	}
	return nil
}

// RevokeAPIKey marks a credential revoked.
func (s *RedisStorage) RevokeAPIKey(ctx context.Context, keyID string) error {
	key := s.key(KeyTypeAPIKey, keyID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		cred, err := getJSON[APIKeyCredential](ctx, tx, key, "api key")
		if err != nil {
			return err
		}
		cred.Revoked = true
		data, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to marshal api key: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// -----------------------
// CounterStorage
// -----------------------

// incrementCountersScript increments each counter and sets its TTL (ARGV[i],
// in milliseconds) when the counter has none.
var incrementCountersScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
	local v = redis.call('INCR', key)
	if redis.call('PTTL', key) < 0 then
		redis.call('PEXPIRE', key, ARGV[i])
	end
	out[i] = v
end
return out
`)

// IncrementCounters increments every counter in one script call.
func (s *RedisStorage) IncrementCounters(ctx context.Context, increments []CounterIncrement) ([]int64, error) {
	if len(increments) == 0 {
		return []int64{}, nil
	}

	keys := make([]string, len(increments))
	args := make([]any, len(increments))
	for i, inc := range increments {
		keys[i] = s.key(KeyTypeCounter, inc.Key)
		args[i] = max(inc.TTL, minRedisTTL).Milliseconds()
	}

	values, err := incrementCountersScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment counters: %w", err)
	}
	return values, nil
}

// -----------------------
// SessionStorage
// -----------------------

// GetSession returns an unexpired session.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	session, err := getJSON[Session](ctx, s.client, s.key(KeyTypeSession, id), "session")
	if err != nil {
		return nil, err
	}
	if !session.ExpiresAt.IsZero() && !time.Now().Before(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	return session, nil
}

// SaveSession creates or replaces a session.
func (s *RedisStorage) SaveSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, s.key(KeyTypeSession, session.ID), data, ttlUntil(session.ExpiresAt, time.Now())).Err()
}

// DeleteSession removes a session.
func (s *RedisStorage) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(KeyTypeSession, id)).Err()
}

// -----------------------
// UserStorage
// -----------------------

// createUserScript stores a user with its email indexes if neither the user
// nor the tenant email exists.
// Returns 1 on success, 0 on a duplicate user, -1 on a duplicate email.
var createUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// CreateUser stores a user.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}

	stored := cloneUser(user)
	stored.Email = NormalizeEmail(user.Email)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	keys := []string{
		s.key(KeyTypeUser, stored.TenantID, stored.ID),
		s.key(KeyTypeUserEmail, stored.TenantID, stored.Email),
		s.key(KeyTypeEmailTenants, stored.Email),
	}
	result, err := createUserScript.Run(ctx, s.client, keys, data, stored.ID, stored.TenantID+"|"+stored.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	switch result {
	case 0:
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	case -1:
		return fmt.Errorf("%w: user email", ErrAlreadyExists)
	}
	return nil
}

// GetUser returns a user by tenant and id.
func (s *RedisStorage) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	return getJSON[User](ctx, s.client, s.key(KeyTypeUser, tenantID, userID), "user")
}

// FindActiveUser returns the active user with the email in the tenant.
func (s *RedisStorage) FindActiveUser(ctx context.Context, tenantID, email string) (*User, error) {
	id, err := s.client.Get(ctx, s.key(KeyTypeUserEmail, tenantID, NormalizeEmail(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user email index: %w", err)
	}

	user, err := s.GetUser(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return user, nil
}

// FindActiveUserByEmail returns the active user with the email in any
// tenant. Candidates are tried in sorted order so the answer is stable.
func (s *RedisStorage) FindActiveUserByEmail(ctx context.Context, email string) (*User, error) {
	members, err := s.client.SMembers(ctx, s.key(KeyTypeEmailTenants, NormalizeEmail(email))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user email index: %w", err)
	}
	slices.Sort(members)

	for _, m := range members {
		tenantID, userID, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		user, err := s.GetUser(ctx, tenantID, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if user.Active {
			return user, nil
		}
	}
	return nil, fmt.Errorf("%w: user", ErrNotFound)
}

// Compile-time interface compliance checks
var _ Storage = (*RedisStorage)(nil)
