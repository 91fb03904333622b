// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/tenantauth/pkg/logger"
)

// Dialect selects the SQL flavour of a SQLStorage.
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres uses pgx through database/sql.
	DialectPostgres Dialect = "postgres"
)

// SQLStorage implements the Storage interface on SQLite or PostgreSQL.
// Conditional writes are single guarded statements (partial unique index,
// UPDATE ... WHERE, INSERT ... ON CONFLICT) inside transactions, so the
// database arbitrates races between processes.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLStorage opens the database, applies migrations and starts the purge loop.
func NewSQLStorage(ctx context.Context, dialect Dialect, dsn string) (*SQLStorage, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		if dsn == "" {
			dsn = ":memory:"
		}
	case DialectPostgres:
		driver = "pgx"
		if dsn == "" {
			return nil, errors.New("postgres storage requires a DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported SQL dialect: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewSQLStorageWithDB(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStorageWithDB wraps an open database. The storage owns db afterwards.
func NewSQLStorageWithDB(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStorage, error) {
	if dialect == DialectSQLite {
		// One connection serializes writers and keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := runMigrations(ctx, db, dialect); err != nil {
		return nil, err
	}

	s := &SQLStorage{
		db:              db,
		dialect:         dialect,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Health pings the database.
func (s *SQLStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database.
func (s *SQLStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.db.Close()
	})
	return err
}

func (s *SQLStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if err := s.purgeExpired(context.Background(), time.Now()); err != nil {
				logger.Warnf("failed to purge expired records: %v", err)
			}
		}
	}
}

// purgeExpired deletes rows that can no longer influence any decision.
func (s *SQLStorage) purgeExpired(ctx context.Context, now time.Time) error {
	nowMs := toMillis(now)
	stmts := []string{
		`DELETE FROM authorizations WHERE expires_at <= ?`,
		`DELETE FROM tokens WHERE purge_after <= ?`,
		`DELETE FROM rate_counters WHERE expires_at <= ?`,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, s.q(stmt), nowMs); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites '?' placeholders to the dialect's form.
func (s *SQLStorage) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// -----------------------
// KeyStorage
// -----------------------

const keyColumns = `tenant_id, kid, alg, public_key_pem, encrypted_private_key, active, created_at`

func scanKey(row interface{ Scan(...any) error }) (*SigningKey, error) {
	var (
		k         SigningKey
		pub, priv string
		active    int
		created   int64
	)
	if err := row.Scan(&k.TenantID, &k.KeyID, &k.Algorithm, &pub, &priv, &active, &created); err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(priv)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed key: %w", err)
	}
	k.PublicKeyPEM = []byte(pub)
	k.EncryptedPrivateKey = sealed
	k.Active = active == 1
	k.CreatedAt = fromMillis(created)
	return &k, nil
}

func (s *SQLStorage) insertKey(ctx context.Context, q querier, key *SigningKey) error {
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO signing_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, 1, ?)`),
		key.TenantID, key.KeyID, key.Algorithm, string(key.PublicKeyPEM),
		base64.StdEncoding.EncodeToString(key.EncryptedPrivateKey), toMillis(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: signing key", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting signing key: %w", err)
	}
	return nil
}

// GetActiveKey returns the tenant's active key.
func (s *SQLStorage) GetActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? AND active = 1`), tenantID)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active signing key for tenant", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying active key: %w", err)
	}
	return key, nil
}

// CreateActiveKey inserts key as active. The partial unique index rejects
// the insert when another key is already active.
func (s *SQLStorage) CreateActiveKey(ctx context.Context, key *SigningKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.insertKey(ctx, s.db, key)
}

// RotateActiveKey demotes the active key and inserts key as active in one transaction.
func (s *SQLStorage) RotateActiveKey(ctx context.Context, key *SigningKey) error {
	if err := validateKey(key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE signing_keys SET active = 0 WHERE tenant_id = ? AND active = 1`), key.TenantID); err != nil {
		return fmt.Errorf("demoting active key: %w", err)
	}
	if err := s.insertKey(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: signing key", ErrAlreadyExists)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListKeys returns every key of the tenant, newest first.
func (s *SQLStorage) ListKeys(ctx context.Context, tenantID string) ([]*SigningKey, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? ORDER BY created_at DESC, active DESC`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer rows.Close()

	out := []*SigningKey{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signing key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// DeactivateKeys demotes every key of the tenant.
func (s *SQLStorage) DeactivateKeys(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE signing_keys SET active = 0 WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return fmt.Errorf("deactivating keys: %w", err)
	}
	return nil
}

// -----------------------
// AuthorizationStorage
// -----------------------

const authorizationColumns = `code, tenant_id, client_id, user_id, email, roles, redirect_uri,
	redirect_uri_provided, code_challenge, code_challenge_method, scopes, nonce, created_at, expires_at, consumed`

// CreateAuthorization stores a new authorization session.
func (s *SQLStorage) CreateAuthorization(ctx context.Context, a *AuthorizationSession) error {
	if a == nil || a.Code == "" {
		return errors.New("authorization code cannot be empty")
	}

	roles, err := encodeStrings(a.Roles)
	if err != nil {
		return err
	}
	scopes, err := encodeStrings(a.Scopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO authorizations (`+authorizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.Code, a.TenantID, a.ClientID, a.UserID, a.Email, roles, a.RedirectURI,
		boolInt(a.RedirectURIProvided), a.CodeChallenge, a.CodeChallengeMethod, scopes, a.Nonce,
		toMillis(a.CreatedAt), toMillis(a.ExpiresAt), boolInt(a.Consumed),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization: %w", err)
	}
	return nil
}

func (s *SQLStorage) getAuthorization(ctx context.Context, q querier, code string) (*AuthorizationSession, error) {
	var (
		a                AuthorizationSession
		roles, scopes    string
		created, expires int64
		provided         int
		consumed         int
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT `+authorizationColumns+` FROM authorizations WHERE code = ?`), code).Scan(
		&a.Code, &a.TenantID, &a.ClientID, &a.UserID, &a.Email, &roles, &a.RedirectURI,
		&provided, &a.CodeChallenge, &a.CodeChallengeMethod, &scopes, &a.Nonce, &created, &expires, &consumed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization: %w", err)
	}

	if a.Roles, err = decodeStrings(roles); err != nil {
		return nil, err
	}
	if a.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	a.ExpiresAt = fromMillis(expires)
	a.RedirectURIProvided = provided == 1
	a.Consumed = consumed == 1
	return &a, nil
}

// GetAuthorization returns the session for code.
func (s *SQLStorage) GetAuthorization(ctx context.Context, code string) (*AuthorizationSession, error) {
	return s.getAuthorization(ctx, s.db, code)
}

// ConsumeAuthorization flips the session to consumed with a guarded UPDATE
// and inserts the minted record in the same transaction.
func (s *SQLStorage) ConsumeAuthorization(
	ctx context.Context, code string, now time.Time, mint MintFunc,
) (*TokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE authorizations SET consumed = 1 WHERE code = ? AND consumed = 0 AND expires_at > ?`),
		code, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("consuming authorization: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consuming authorization: %w", err)
	}

	session, err := s.getAuthorization(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if err := exchangeable(session, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: authorization code", ErrAlreadyConsumed)
	}

	session.Consumed = false
	record, err := mint(session)
	if err != nil {
		return nil, err
	}
	if err := s.insertToken(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return record, nil
}

// -----------------------
// TokenStorage
// -----------------------

const tokenColumns = `id, access_signature, refresh_signature, tenant_id, client_id, user_id, email,
	scopes, roles, issued_at, access_expires_at, refresh_expires_at, revoked`

func (s *SQLStorage) insertToken(ctx context.Context, q querier, r *TokenRecord) error {
	if err := validateToken(r); err != nil {
		return err
	}

	scopes, err := encodeStrings(r.Scopes)
	if err != nil {
		return err
	}
	roles, err := encodeStrings(r.Roles)
	if err != nil {
		return err
	}
	var refresh sql.NullString
	if r.RefreshSignature != "" {
		refresh = sql.NullString{String: r.RefreshSignature, Valid: true}
	}

	_, err = q.ExecContext(ctx, s.q(`INSERT INTO tokens (`+tokenColumns+`, purge_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.AccessSignature, refresh, r.TenantID, r.ClientID, r.UserID, r.Email,
		scopes, roles, toMillis(r.IssuedAt), toMillis(r.AccessExpiresAt), toMillis(r.RefreshExpiresAt),
		boolInt(r.Revoked), toMillis(recordExpiry(r)),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token record", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting token record: %w", err)
	}
	return nil
}

func (s *SQLStorage) getToken(ctx context.Context, q querier, column, value string) (*TokenRecord, error) {
	var (
		r                         TokenRecord
		refresh                   sql.NullString
		scopes, roles             string
		issued, access, refreshAt int64
		revoked                   int
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT `+tokenColumns+` FROM tokens WHERE `+column+` = ?`), value).Scan(
		&r.ID, &r.AccessSignature, &refresh, &r.TenantID, &r.ClientID, &r.UserID, &r.Email,
		&scopes, &roles, &issued, &access, &refreshAt, &revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	r.RefreshSignature = refresh.String
	if r.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if r.Roles, err = decodeStrings(roles); err != nil {
		return nil, err
	}
	r.IssuedAt = fromMillis(issued)
	r.AccessExpiresAt = fromMillis(access)
	r.RefreshExpiresAt = fromMillis(refreshAt)
	r.Revoked = revoked == 1
	return &r, nil
}

// CreateToken stores a new record.
func (s *SQLStorage) CreateToken(ctx context.Context, record *TokenRecord) error {
	return s.insertToken(ctx, s.db, record)
}

// GetTokenByAccess returns the record for an access token signature.
func (s *SQLStorage) GetTokenByAccess(ctx context.Context, accessSignature string) (*TokenRecord, error) {
	return s.getToken(ctx, s.db, "access_signature", accessSignature)
}

// GetTokenByRefresh returns the record for a refresh token signature.
func (s *SQLStorage) GetTokenByRefresh(ctx context.Context, refreshSignature string) (*TokenRecord, error) {
	return s.getToken(ctx, s.db, "refresh_signature", refreshSignature)
}

// ExchangeRefreshToken locks the record with a guarded no-op UPDATE, then
// mints and stores the replacement in the same transaction.
func (s *SQLStorage) ExchangeRefreshToken(
	ctx context.Context, refreshSignature string, now time.Time, rotate bool, mint RefreshFunc,
) (*TokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, s.q(`UPDATE tokens SET revoked = revoked
		WHERE refresh_signature = ? AND revoked = 0 AND (refresh_expires_at = 0 OR refresh_expires_at > ?)`),
		refreshSignature, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("locking refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("locking refresh token: %w", err)
	}

	current, err := s.getToken(ctx, tx, "refresh_signature", refreshSignature)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if err := refreshable(current, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: refresh token", ErrRevoked)
	}

	next, err := mint(cloneToken(current))
	if err != nil {
		return nil, err
	}
	if err := checkReplacement(current, next, rotate); err != nil {
		return nil, err
	}

	if rotate {
		_, err = tx.ExecContext(ctx, s.q(`UPDATE tokens SET revoked = 1 WHERE id = ?`), current.ID)
	} else {
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM tokens WHERE id = ?`), current.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("retiring token record: %w", err)
	}
	if err := s.insertToken(ctx, tx, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return next, nil
}

// RevokeToken revokes the record matching the signature.
func (s *SQLStorage) RevokeToken(ctx context.Context, signature string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tokens SET revoked = 1 WHERE access_signature = ? OR refresh_signature = ?`),
		signature, signature)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: token", ErrNotFound)
	}
	return nil
}

// RevokeTenantTokens revokes every record of the tenant.
func (s *SQLStorage) RevokeTenantTokens(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE tokens SET revoked = 1 WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return fmt.Errorf("revoking tenant tokens: %w", err)
	}
	return nil
}

// -----------------------
// ClientStorage
// -----------------------

// GetClient returns a registered client.
func (s *SQLStorage) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM clients WHERE client_id = ?`), clientID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	var c RegisteredClient
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}
	return &c, nil
}

// CreateClient stores a new client.
func (s *SQLStorage) CreateClient(ctx context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO clients (client_id, tenant_id, data) VALUES (?, ?, ?)`),
		client.ClientID, client.TenantID, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// UpdateClient replaces an existing client's configuration.
func (s *SQLStorage) UpdateClient(ctx context.Context, client *RegisteredClient) error {
	if err := validateClient(client); err != nil {
		return err
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE clients SET tenant_id = ?, data = ? WHERE client_id = ?`),
		client.TenantID, string(data), client.ClientID)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	return nil
}

// GetProviderConfig returns a provider config.
func (s *SQLStorage) GetProviderConfig(ctx context.Context, tenantID, provider string) (*ProviderConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM provider_configs WHERE tenant_id = ? AND provider = ?`),
		tenantID, strings.ToLower(provider)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider config", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider config: %w", err)
	}
	var cfg ProviderConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decoding provider config: %w", err)
	}
	return &cfg, nil
}

// SetProviderConfig creates or replaces a provider config.
func (s *SQLStorage) SetProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	if cfg == nil || cfg.Provider == "" {
		return errors.New("provider cannot be empty")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding provider config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO provider_configs (tenant_id, provider, data) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET data = excluded.data`),
		cfg.TenantID, strings.ToLower(cfg.Provider), string(data))
	if err != nil {
		return fmt.Errorf("storing provider config: %w", err)
	}
	return nil
}

// ListProviderConfigs returns the configs of a tenant, sorted by provider.
func (s *SQLStorage) ListProviderConfigs(ctx context.Context, tenantID string) ([]*ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT data FROM provider_configs WHERE tenant_id = ? ORDER BY provider`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying provider configs: %w", err)
	}
	defer rows.Close()

	var out []*ProviderConfig
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning provider config: %w", err)
		}
		var cfg ProviderConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("decoding provider config: %w", err)
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

// DeleteTenantClients removes every client and provider config of a tenant.
func (s *SQLStorage) DeleteTenantClients(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenant ID cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM clients WHERE tenant_id = ?`), tenantID); err != nil {
		return fmt.Errorf("deleting clients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM provider_configs WHERE tenant_id = ?`), tenantID); err != nil {
		return fmt.Errorf("deleting provider configs: %w", err)
	}
	return tx.Commit()
}

// -----------------------
// APIKeyStorage
// -----------------------

func (s *SQLStorage) getAPIKey(ctx context.Context, q querier, keyID string) (*APIKeyCredential, error) {
	var data string
	err := q.QueryRowContext(ctx, s.q(`SELECT data FROM api_keys WHERE key_id = ?`), keyID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	var k APIKeyCredential
	if err := json.Unmarshal([]byte(data), &k); err != nil {
		return nil, fmt.Errorf("decoding api key: %w", err)
	}
	return &k, nil
}

// GetAPIKey returns a credential.
func (s *SQLStorage) GetAPIKey(ctx context.Context, keyID string) (*APIKeyCredential, error) {
	return s.getAPIKey(ctx, s.db, keyID)
}

// CreateAPIKey stores a new credential.
func (s *SQLStorage) CreateAPIKey(ctx context.Context, key *APIKeyCredential) error {
	if key == nil || key.KeyID == "" {
		return errors.New("api key ID cannot be empty")
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO api_keys (key_id, data) VALUES (?, ?)`), key.KeyID, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: api key", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a credential revoked.
func (s *SQLStorage) RevokeAPIKey(ctx context.Context, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	key, err := s.getAPIKey(ctx, tx, keyID)
	if err != nil {
		return err
	}
	key.Revoked = true
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding api key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE api_keys SET data = ? WHERE key_id = ?`), string(data), keyID); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return tx.Commit()
}

// -----------------------
// CounterStorage
// -----------------------

// IncrementCounters upserts every counter in one transaction. A counter past
// its expiry restarts at 1.
func (s *SQLStorage) IncrementCounters(ctx context.Context, increments []CounterIncrement) ([]int64, error) {
	now := time.Now()
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	query := s.q(`INSERT INTO rate_counters (counter_key, count, expires_at) VALUES (?, 1, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= ? THEN 1 ELSE rate_counters.count + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= ? THEN excluded.expires_at ELSE rate_counters.expires_at END
		RETURNING count`)

	out := make([]int64, len(increments))
	for i, inc := range increments {
		expires := toMillis(now.Add(inc.TTL))
		if err := tx.QueryRowContext(ctx, query, inc.Key, expires, nowMs, nowMs).Scan(&out[i]); err != nil {
			return nil, fmt.Errorf("incrementing counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return out, nil
}

// -----------------------
// SessionStorage
// -----------------------

// GetSession returns an unexpired session.
func (s *SQLStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess             Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, tenant_id, user_id, created_at, expires_at FROM sessions
		WHERE id = ? AND (expires_at = 0 OR expires_at > ?)`), id, toMillis(time.Now())).Scan(
		&sess.ID, &sess.TenantID, &sess.UserID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	return &sess, nil
}

// SaveSession creates or replaces a session.
func (s *SQLStorage) SaveSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (id, tenant_id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, user_id = excluded.user_id,
			expires_at = excluded.expires_at`),
		session.ID, session.TenantID, session.UserID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *SQLStorage) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// -----------------------
// UserStorage
// -----------------------

func (s *SQLStorage) queryUser(ctx context.Context, where string, args ...any) (*User, error) {
	var (
		u      User
		roles  string
		active int
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, tenant_id, email, roles, active FROM users WHERE `+where), args...).Scan(
		&u.ID, &u.TenantID, &u.Email, &roles, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if u.Roles, err = decodeStrings(roles); err != nil {
		return nil, err
	}
	u.Active = active == 1
	return &u, nil
}

// FindActiveUser returns the active user with the email in the tenant.
func (s *SQLStorage) FindActiveUser(ctx context.Context, tenantID, email string) (*User, error) {
	return s.queryUser(ctx, `tenant_id = ? AND email = ? AND active = 1`, tenantID, NormalizeEmail(email))
}

// FindActiveUserByEmail returns the active user with the email in any tenant.
func (s *SQLStorage) FindActiveUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, `email = ? AND active = 1 ORDER BY tenant_id, id LIMIT 1`, NormalizeEmail(email))
}

// GetUser returns a user by tenant and id.
func (s *SQLStorage) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	return s.queryUser(ctx, `tenant_id = ? AND id = ?`, tenantID, userID)
}

// CreateUser stores a user.
func (s *SQLStorage) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}
	roles, err := encodeStrings(user.Roles)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO users (tenant_id, id, email, roles, active) VALUES (?, ?, ?, ?, ?)`),
		user.TenantID, user.ID, NormalizeEmail(user.Email), roles, boolInt(user.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// -----------------------
// helpers
// -----------------------

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeStrings marshals a string slice into a JSON column.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		return "null", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeStrings unmarshals a JSON column into a string slice.
func decodeStrings(data string) ([]string, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return values, nil
}

// isUniqueViolation reports whether err is a unique or primary key
// constraint violation in either dialect.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// Compile-time interface compliance checks
var _ Storage = (*SQLStorage)(nil)
