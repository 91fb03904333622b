// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development, tests and
// single-process deployments. Conditional writes are linearized by mu, so the
// same invariants hold as in the shared backends, but only within one process.
//
// Callbacks passed to ConsumeAuthorization and ExchangeRefreshToken run with
// mu held and must not call back into the storage.
type MemoryStorage struct {
	mu sync.RWMutex

	// keys maps tenant ID -> keys, newest first.
	keys map[string][]*SigningKey

	// authorizations maps code -> session.
	authorizations map[string]*timedEntry[*AuthorizationSession]

	// tokens maps record ID -> record; the two indexes map token signatures to
	// record IDs.
	tokens       map[string]*timedEntry[*TokenRecord]
	accessIndex  map[string]string
	refreshIndex map[string]string

	// clients maps client ID -> client.
	clients map[string]*RegisteredClient

	// providers maps "tenant|provider" -> config.
	providers map[string]*ProviderConfig

	// apiKeys maps key ID -> credential.
	apiKeys map[string]*APIKeyCredential

	// counters maps counter key -> count.
	counters map[string]*timedEntry[int64]

	// sessions maps session ID -> session.
	sessions map[string]*timedEntry[*Session]

	// users maps "tenant|userID" -> user. Users are not subject to cleanup.
	users map[string]*User

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		keys:            make(map[string][]*SigningKey),
		authorizations:  make(map[string]*timedEntry[*AuthorizationSession]),
		tokens:          make(map[string]*timedEntry[*TokenRecord]),
		accessIndex:     make(map[string]string),
		refreshIndex:    make(map[string]string),
		clients:         make(map[string]*RegisteredClient),
		providers:       make(map[string]*ProviderConfig),
		apiKeys:         make(map[string]*APIKeyCredential),
		counters:        make(map[string]*timedEntry[int64]),
		sessions:        make(map[string]*timedEntry[*Session]),
		users:           make(map[string]*User),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired removes all expired entries from storage.
func (s *MemoryStorage) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.authorizations {
		if v.expired(now) {
			delete(s.authorizations, k)
		}
	}
	for id, v := range s.tokens {
		if v.expired(now) {
			delete(s.accessIndex, v.value.AccessSignature)
			if v.value.RefreshSignature != "" {
				delete(s.refreshIndex, v.value.RefreshSignature)
			}
			delete(s.tokens, id)
		}
	}
	for k, v := range s.counters {
		if v.expired(now) {
			delete(s.counters, k)
		}
	}
	for k, v := range s.sessions {
		if v.expired(now) {
			delete(s.sessions, k)
		}
	}
}

// -----------------------
// KeyStorage
// -----------------------

// GetActiveKey returns the tenant's active key.
func (s *MemoryStorage) GetActiveKey(_ context.Context, tenantID string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys[tenantID] {
		if k.Active {
			return cloneKey(k), nil
		}
	}
	return nil, fmt.Errorf("%w: no active signing key for tenant", ErrNotFound)
}

// CreateActiveKey inserts key as active if the tenant has no active key.
func (s *MemoryStorage) CreateActiveKey(_ context.Context, key *SigningKey) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys[key.TenantID] {
		if k.Active {
			return fmt.Errorf("%w: tenant already has an active signing key", ErrAlreadyExists)
		}
		if k.KeyID == key.KeyID {
			return fmt.Errorf("%w: duplicate key id", ErrAlreadyExists)
		}
	}

	stored := cloneKey(key)
	stored.Active = true
	s.keys[key.TenantID] = append([]*SigningKey{stored}, s.keys[key.TenantID]...)
	return nil
}

// RotateActiveKey demotes the active key and inserts key as active.
func (s *MemoryStorage) RotateActiveKey(_ context.Context, key *SigningKey) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys[key.TenantID] {
		if k.KeyID == key.KeyID {
			return fmt.Errorf("%w: duplicate key id", ErrAlreadyExists)
		}
	}
	for _, k := range s.keys[key.TenantID] {
		k.Active = false
	}

	stored := cloneKey(key)
	stored.Active = true
	s.keys[key.TenantID] = append([]*SigningKey{stored}, s.keys[key.TenantID]...)
	return nil
}

// ListKeys returns every key of the tenant, newest first.
func (s *MemoryStorage) ListKeys(_ context.Context, tenantID string) ([]*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SigningKey, 0, len(s.keys[tenantID]))
	for _, k := range s.keys[tenantID] {
		out = append(out, cloneKey(k))
	}
	return out, nil
}

// DeactivateKeys demotes every key of the tenant.
func (s *MemoryStorage) DeactivateKeys(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys[tenantID] {
		k.Active = false
	}
	return nil
}

// -----------------------
// AuthorizationStorage
// -----------------------

// CreateAuthorization stores a new authorization session.
func (s *MemoryStorage) CreateAuthorization(_ context.Context, session *AuthorizationSession) error {
	if session == nil || session.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authorizations[session.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.authorizations[session.Code] = &timedEntry[*AuthorizationSession]{
		value:     cloneAuthorization(session),
		createdAt: time.Now(),
		expiresAt: session.ExpiresAt,
	}
	return nil
}

// GetAuthorization returns the session for code.
func (s *MemoryStorage) GetAuthorization(_ context.Context, code string) (*AuthorizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authorizations[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return cloneAuthorization(entry.value), nil
}

// ConsumeAuthorization flips an issued, unexpired session to consumed and
// stores the record produced by mint. mint runs without the store lock; the
// session is checked again before the commit, so of several concurrent
// callers only one succeeds.
func (s *MemoryStorage) ConsumeAuthorization(
	_ context.Context, code string, now time.Time, mint MintFunc,
) (*TokenRecord, error) {
	session, err := s.exchangeableAuthorization(code, now)
	if err != nil {
		return nil, err
	}

	record, err := mint(session)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authorizations[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if err := exchangeable(entry.value, now); err != nil {
		return nil, err
	}
	if err := s.insertTokenLocked(record); err != nil {
		return nil, err
	}

	entry.value.Consumed = true
	return cloneToken(record), nil
}

func (s *MemoryStorage) exchangeableAuthorization(code string, now time.Time) (*AuthorizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authorizations[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if err := exchangeable(entry.value, now); err != nil {
		return nil, err
	}
	return cloneAuthorization(entry.value), nil
}

// -----------------------
// TokenStorage
// -----------------------

// CreateToken stores a new record.
func (s *MemoryStorage) CreateToken(_ context.Context, record *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTokenLocked(record)
}

func (s *MemoryStorage) insertTokenLocked(record *TokenRecord) error {
	if err := validateToken(record); err != nil {
		return err
	}
	if _, exists := s.tokens[record.ID]; exists {
		return fmt.Errorf("%w: token record", ErrAlreadyExists)
	}
	if _, exists := s.accessIndex[record.AccessSignature]; exists {
		return fmt.Errorf("%w: access token", ErrAlreadyExists)
	}
	if record.RefreshSignature != "" {
		if _, exists := s.refreshIndex[record.RefreshSignature]; exists {
			return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
		}
	}

	s.tokens[record.ID] = &timedEntry[*TokenRecord]{
		value:     cloneToken(record),
		createdAt: time.Now(),
		expiresAt: recordExpiry(record),
	}
	s.accessIndex[record.AccessSignature] = record.ID
	if record.RefreshSignature != "" {
		s.refreshIndex[record.RefreshSignature] = record.ID
	}
	return nil
}

// GetTokenByAccess returns the record for an access token signature.
func (s *MemoryStorage) GetTokenByAccess(_ context.Context, accessSignature string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(s.accessIndex, accessSignature)
}

// GetTokenByRefresh returns the record for a refresh token signature.
func (s *MemoryStorage) GetTokenByRefresh(_ context.Context, refreshSignature string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(s.refreshIndex, refreshSignature)
}

func (s *MemoryStorage) lookupLocked(index map[string]string, signature string) (*TokenRecord, error) {
	id, ok := index[signature]
	if !ok {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	entry, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	return cloneToken(entry.value), nil
}

// ExchangeRefreshToken performs a refresh exchange. mint runs without the
// store lock; the record is checked again before the commit and a record
// replaced in the meantime fails the exchange with ErrRevoked.
func (s *MemoryStorage) ExchangeRefreshToken(
	_ context.Context, refreshSignature string, now time.Time, rotate bool, mint RefreshFunc,
) (*TokenRecord, error) {
	current, err := s.refreshableToken(refreshSignature, now)
	if err != nil {
		return nil, err
	}

	next, err := mint(cloneToken(current))
	if err != nil {
		return nil, err
	}
	if err := checkReplacement(current, next, rotate); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refreshIndex[refreshSignature]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	entry, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if err := refreshable(entry.value, now); err != nil {
		return nil, err
	}
	if entry.value.ID != current.ID || entry.value.AccessSignature != current.AccessSignature {
		return nil, fmt.Errorf("%w: refresh token", ErrRevoked)
	}

	if rotate {
		if err := s.insertTokenLocked(next); err != nil {
			return nil, err
		}
		entry.value.Revoked = true
		return cloneToken(next), nil
	}

	if err := s.replaceTokenLocked(entry.value, next); err != nil {
		return nil, err
	}
	return cloneToken(next), nil
}

func (s *MemoryStorage) refreshableToken(refreshSignature string, now time.Time) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refreshIndex[refreshSignature]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	entry, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if err := refreshable(entry.value, now); err != nil {
		return nil, err
	}
	return cloneToken(entry.value), nil
}

// replaceTokenLocked swaps old for next, which keeps old's refresh signature.
// Every check runs before old is removed, so a rejected replacement leaves
// old in place.
func (s *MemoryStorage) replaceTokenLocked(old, next *TokenRecord) error {
	if err := validateToken(next); err != nil {
		return err
	}
	if next.ID != old.ID {
		if _, exists := s.tokens[next.ID]; exists {
			return fmt.Errorf("%w: token record", ErrAlreadyExists)
		}
	}
	if id, exists := s.accessIndex[next.AccessSignature]; exists && id != old.ID {
		return fmt.Errorf("%w: access token", ErrAlreadyExists)
	}

	delete(s.accessIndex, old.AccessSignature)
	delete(s.tokens, old.ID)
	delete(s.refreshIndex, old.RefreshSignature)
	return s.insertTokenLocked(next)
}

// RevokeToken revokes the record matching the signature.
func (s *MemoryStorage) RevokeToken(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accessIndex[signature]
	if !ok {
		id, ok = s.refreshIndex[signature]
	}
	if !ok {
		return fmt.Errorf("%w: token", ErrNotFound)
	}
	if entry, ok := s.tokens[id]; ok {
		entry.value.Revoked = true
	}
	return nil
}

// RevokeTenantTokens revokes every record of the tenant.
func (s *MemoryStorage) RevokeTenantTokens(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.tokens {
		if entry.value.TenantID == tenantID {
			entry.value.Revoked = true
		}
	}
	return nil
}

// -----------------------
// ClientStorage
// -----------------------

// GetClient returns a registered client.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*RegisteredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	return cloneClient(c), nil
}

// CreateClient stores a new client.
func (s *MemoryStorage) CreateClient(_ context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: client", ErrAlreadyExists)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// UpdateClient replaces an existing client's configuration.
func (s *MemoryStorage) UpdateClient(_ context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetProviderConfig returns a provider config.
func (s *MemoryStorage) GetProviderConfig(_ context.Context, tenantID, provider string) (*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.providers[providerKey(tenantID, provider)]
	if !ok {
		return nil, fmt.Errorf("%w: provider config", ErrNotFound)
	}
	return cloneProvider(cfg), nil
}

// SetProviderConfig creates or replaces a provider config.
func (s *MemoryStorage) SetProviderConfig(_ context.Context, cfg *ProviderConfig) error {
	if cfg == nil || cfg.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers[providerKey(cfg.TenantID, cfg.Provider)] = cloneProvider(cfg)
	return nil
}

// ListProviderConfigs returns the configs of a tenant.
func (s *MemoryStorage) ListProviderConfigs(_ context.Context, tenantID string) ([]*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ProviderConfig
	for _, cfg := range s.providers {
		if cfg.TenantID == tenantID {
			out = append(out, cloneProvider(cfg))
		}
	}
	slices.SortFunc(out, func(a, b *ProviderConfig) int { return strings.Compare(a.Provider, b.Provider) })
	return out, nil
}

// DeleteTenantClients removes every client and provider config of a tenant.
func (s *MemoryStorage) DeleteTenantClients(_ context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.clients {
		if c.TenantID == tenantID {
			delete(s.clients, id)
		}
	}
	for k, cfg := range s.providers {
		if cfg.TenantID == tenantID {
			delete(s.providers, k)
		}
	}
	return nil
}

// -----------------------
// APIKeyStorage
// -----------------------

// GetAPIKey returns a credential.
func (s *MemoryStorage) GetAPIKey(_ context.Context, keyID string) (*APIKeyCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	c := *k
	return &c, nil
}

// CreateAPIKey stores a new credential.
func (s *MemoryStorage) CreateAPIKey(_ context.Context, key *APIKeyCredential) error {
	if key == nil || key.KeyID == "" {
		return fmt.Errorf("api key ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apiKeys[key.KeyID]; exists {
		return fmt.Errorf("%w: api key", ErrAlreadyExists)
	}
	c := *key
	s.apiKeys[key.KeyID] = &c
	return nil
}

// RevokeAPIKey marks a credential revoked.
func (s *MemoryStorage) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[keyID]
	if !ok {
		return fmt.Errorf("%w: api key", ErrNotFound)
	}
	k.Revoked = true
	return nil
}

// -----------------------
// CounterStorage
// -----------------------

// IncrementCounters increments every counter under one lock.
func (s *MemoryStorage) IncrementCounters(_ context.Context, increments []CounterIncrement) ([]int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, len(increments))
	for i, inc := range increments {
		entry, ok := s.counters[inc.Key]
		if !ok || entry.expired(now) {
			entry = &timedEntry[int64]{createdAt: now, expiresAt: now.Add(inc.TTL)}
			s.counters[inc.Key] = entry
		}
		entry.value++
		out[i] = entry.value
	}
	return out, nil
}

// -----------------------
// SessionStorage
// -----------------------

// GetSession returns an unexpired session.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok || entry.expired(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	c := *entry.value
	return &c, nil
}

// SaveSession creates or replaces a session.
func (s *MemoryStorage) SaveSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *session
	s.sessions[session.ID] = &timedEntry[*Session]{
		value:     &c,
		createdAt: session.CreatedAt,
		expiresAt: session.ExpiresAt,
	}
	return nil
}

// DeleteSession removes a session.
func (s *MemoryStorage) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// -----------------------
// UserStorage
// -----------------------

// FindActiveUser returns the active user with the email in the tenant.
func (s *MemoryStorage) FindActiveUser(_ context.Context, tenantID, email string) (*User, error) {
	email = NormalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.TenantID == tenantID && u.Active && u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("%w: user", ErrNotFound)
}

// FindActiveUserByEmail returns the active user with the email in any tenant.
func (s *MemoryStorage) FindActiveUserByEmail(_ context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Active && u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("%w: user", ErrNotFound)
}

// GetUser returns a user by tenant and id.
func (s *MemoryStorage) GetUser(_ context.Context, tenantID, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userKey(tenantID, userID)]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(u), nil
}

// CreateUser stores a user.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(user.TenantID, user.ID)
	if _, exists := s.users[key]; exists {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}
	for _, u := range s.users {
		if u.TenantID == user.TenantID && u.Email == NormalizeEmail(user.Email) {
			return fmt.Errorf("%w: user email", ErrAlreadyExists)
		}
	}
	stored := cloneUser(user)
	stored.Email = NormalizeEmail(user.Email)
	s.users[key] = stored
	return nil
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the storage contents.
type Stats struct {
	Keys           int
	Authorizations int
	Tokens         int
	Clients        int
	Providers      int
	APIKeys        int
	Counters       int
	Sessions       int
	Users          int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := 0
	for _, ks := range s.keys {
		keys += len(ks)
	}
	return Stats{
		Keys:           keys,
		Authorizations: len(s.authorizations),
		Tokens:         len(s.tokens),
		Clients:        len(s.clients),
		Providers:      len(s.providers),
		APIKeys:        len(s.apiKeys),
		Counters:       len(s.counters),
		Sessions:       len(s.sessions),
		Users:          len(s.users),
	}
}

func providerKey(tenantID, provider string) string {
	return tenantID + "|" + strings.ToLower(provider)
}

func userKey(tenantID, userID string) string {
	return tenantID + "|" + userID
}

// Compile-time interface compliance checks
var _ Storage = (*MemoryStorage)(nil)
