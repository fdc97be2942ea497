package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tokenkeeper/internal/credentials"
)

// TokenStore is the durable credential store: SQLite-backed account, token,
// and token-metadata rows with optional field-level encryption of secret
// values. All lifecycle failures surface as typed errors from the
// credentials package.
type TokenStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger

	// cipherMu linearizes key changes against every open transaction:
	// transactions hold the read side for their lifetime, ChangeEncryptionKey
	// holds the write side.
	cipherMu sync.RWMutex
	cipher   *Cipher
}

// NewTokenStore wraps an already-open, already-migrated database. Open is
// the usual entry point; this constructor exists for tests and embedding.
func NewTokenStore(db *sql.DB, cipher *Cipher) *TokenStore {
	if cipher == nil {
		cipher = &Cipher{}
	}
	return &TokenStore{db: db, cipher: cipher, log: zerolog.Nop()}
}

// DB exposes the underlying handle for maintenance queries and tests.
func (s *TokenStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path the store was opened with.
func (s *TokenStore) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *TokenStore) Close() error {
	return s.db.Close()
}

func (s *TokenStore) currentCipher() *Cipher {
	s.cipherMu.RLock()
	defer s.cipherMu.RUnlock()
	return s.cipher
}

func validateAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("%w: account cannot be empty", ErrInvalidInput)
	}
	return nil
}

// StoreToken upserts the account row, replaces any existing token row, and
// writes the metadata entries, all in one transaction. Callers never observe
// a token row without its metadata or a partially written row.
func (s *TokenStore) StoreToken(ctx context.Context, account string, params credentials.TokenParams) (*credentials.TokenRecord, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if params.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := tx.StoreToken(ctx, account, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &credentials.TokenStorageError{Op: "store_token", Err: err}
	}

	s.log.Debug().Str("account", account).Msg("token stored")
	return rec, nil
}

// GetToken loads the stored token for account, including its metadata.
func (s *TokenStore) GetToken(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	return tx.GetToken(ctx, account)
}

// UpdateToken applies a partial update to the stored token for account and
// returns the updated record.
func (s *TokenStore) UpdateToken(ctx context.Context, account string, update credentials.TokenUpdate) (*credentials.TokenRecord, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if update.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := tx.UpdateToken(ctx, account, update)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &credentials.TokenStorageError{Op: "update_token", Err: err}
	}

	s.log.Debug().Str("account", account).Msg("token updated")
	return rec, nil
}

// DeleteToken removes the token row for account, cascading its metadata.
// The account row itself is kept. Reports whether a token existed; never
// errors on "nothing to delete".
func (s *TokenStore) DeleteToken(ctx context.Context, account string) (bool, error) {
	if err := validateAccount(account); err != nil {
		return false, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	deleted, err := tx.DeleteToken(ctx, account)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, &credentials.TokenStorageError{Op: "delete_token", Err: err}
	}

	if deleted {
		s.log.Debug().Str("account", account).Msg("token deleted")
	}
	return deleted, nil
}

// ListAccounts returns one status row per known account, including accounts
// whose token has been deleted.
func (s *TokenStore) ListAccounts(ctx context.Context) ([]credentials.AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.email, a.created_at, t.id IS NOT NULL, t.refresh_token IS NOT NULL, t.expires_at, t.updated_at
		FROM accounts a
		LEFT JOIN tokens t ON t.account_id = a.id
		ORDER BY a.id`)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "list_accounts", Err: err}
	}
	defer rows.Close()

	now := time.Now()
	var statuses []credentials.AccountStatus
	for rows.Next() {
		var (
			st        credentials.AccountStatus
			expiresAt sql.NullTime
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&st.Account, &st.CreatedAt, &st.HasToken, &st.HasRefreshToken, &expiresAt, &updatedAt); err != nil {
			return nil, &credentials.TokenStorageError{Op: "list_accounts", Err: err}
		}
		if expiresAt.Valid {
			st.ExpiresAt = expiresAt.Time
			st.Expired = !now.Before(expiresAt.Time)
		}
		if updatedAt.Valid {
			st.UpdatedAt = updatedAt.Time
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &credentials.TokenStorageError{Op: "list_accounts", Err: err}
	}
	return statuses, nil
}

// CheckExpiry reports whether the stored token for account is expired and
// when it expires. A zero expiry time means the token never goes stale, and
// expired is false.
func (s *TokenStore) CheckExpiry(ctx context.Context, account string) (bool, time.Time, error) {
	if err := validateAccount(account); err != nil {
		return false, time.Time{}, err
	}

	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT t.expires_at
		FROM tokens t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.email = ?`, account).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, time.Time{}, &credentials.TokenNotFoundError{Account: account}
	}
	if err != nil {
		return false, time.Time{}, &credentials.TokenStorageError{Op: "check_expiry", Err: err}
	}
	if !expiresAt.Valid {
		return false, time.Time{}, nil
	}
	return !time.Now().Before(expiresAt.Time), expiresAt.Time, nil
}

// GetMetadata returns the metadata value stored under key for account's
// token. ok is false when the key is absent.
func (s *TokenStore) GetMetadata(ctx context.Context, account, key string) (value string, ok bool, err error) {
	if err := validateAccount(account); err != nil {
		return "", false, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	return tx.GetMetadata(ctx, account, key)
}

// SetMetadata upserts a single metadata entry on account's token.
func (s *TokenStore) SetMetadata(ctx context.Context, account, key, value string) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: metadata key cannot be empty", ErrInvalidInput)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.SetMetadata(ctx, account, key, value); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &credentials.TokenStorageError{Op: "set_metadata", Err: err}
	}
	return nil
}

func marshalScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(data), nil
}

func unmarshalScopes(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	return scopes, nil
}
