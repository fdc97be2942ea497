package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tokenkeeper/internal/credentials"
)

var (
	ErrTransactionClosed = errors.New("transaction is already closed")
)

// Transaction groups token and metadata writes so callers never observe a
// half-written credential. It pins the cipher that was active when it began
// and holds the store's cipher read-lock until Commit or Rollback, so a
// concurrent key change cannot interleave with its reads and writes.
type Transaction struct {
	tx     *sql.Tx
	store  *TokenStore
	cipher *Cipher
	closed bool
}

// BeginTx starts a new store transaction.
func (s *TokenStore) BeginTx(ctx context.Context) (*Transaction, error) {
	s.cipherMu.RLock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.cipherMu.RUnlock()
		return nil, &credentials.TokenStorageError{Op: "begin_tx", Err: err}
	}
	return &Transaction{tx: tx, store: s, cipher: s.cipher}, nil
}

// close releases the cipher lock exactly once.
func (t *Transaction) close() {
	if !t.closed {
		t.closed = true
		t.store.cipherMu.RUnlock()
	}
}

// Commit commits the transaction.
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.close()
	return t.tx.Commit()
}

// Rollback rolls back the transaction. Safe to defer alongside Commit.
func (t *Transaction) Rollback() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.close()
	return t.tx.Rollback()
}

// StoreToken upserts the account row, replaces the token row, and rewrites
// its metadata within the transaction.
func (t *Transaction) StoreToken(ctx context.Context, account string, params credentials.TokenParams) (*credentials.TokenRecord, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}

	accountID, err := t.ensureAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	accessBlob, err := t.encryptField(params.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshBlob, err := t.encryptField(params.RefreshToken)
	if err != nil {
		return nil, err
	}
	scopes, err := marshalScopes(params.Scopes)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "store_token", Err: err}
	}

	tokenType := params.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	now := time.Now().UTC()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tokens (account_id, access_token, refresh_token, token_type, expires_at, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		accountID, accessBlob, refreshBlob, tokenType, nullTime(params.ExpiresAt), scopes, now, now)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "store_token", Err: err}
	}

	tokenID, err := t.tokenID(ctx, account)
	if err != nil {
		return nil, err
	}

	// A stored token starts from a clean metadata slate; stale entries from
	// the replaced token must not leak into the new one.
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM token_metadata WHERE token_id = ?`, tokenID); err != nil {
		return nil, &credentials.TokenStorageError{Op: "store_token", Err: err}
	}
	for key, value := range params.Metadata {
		if err := t.insertMetadata(ctx, tokenID, key, value); err != nil {
			return nil, err
		}
	}

	rec := &credentials.TokenRecord{
		Account:      account,
		AccessToken:  params.AccessToken,
		RefreshToken: params.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    params.ExpiresAt,
		Scopes:       params.Scopes,
		Metadata:     cloneMetadata(params.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return rec, nil
}

// GetToken loads the decrypted token record for account within the
// transaction, including metadata.
func (t *Transaction) GetToken(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}

	var (
		tokenID     int64
		accessBlob  []byte
		refreshBlob []byte
		rawScopes   sql.NullString
		expiresAt   sql.NullTime
		rec         = &credentials.TokenRecord{Account: account}
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT t.id, t.access_token, t.refresh_token, t.token_type, t.expires_at, t.scopes, t.created_at, t.updated_at
		FROM tokens t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.email = ?`, account).
		Scan(&tokenID, &accessBlob, &refreshBlob, &rec.TokenType, &expiresAt, &rawScopes, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credentials.TokenNotFoundError{Account: account}
	}
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "get_token", Err: err}
	}

	if rec.AccessToken, err = t.decryptField(accessBlob); err != nil {
		return nil, err
	}
	if rec.RefreshToken, err = t.decryptField(refreshBlob); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if rawScopes.Valid {
		if rec.Scopes, err = unmarshalScopes(rawScopes.String); err != nil {
			return nil, &credentials.TokenStorageError{Op: "get_token", Err: err}
		}
	}
	if rec.Metadata, err = t.loadMetadata(ctx, tokenID); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateToken applies a partial update to account's token. Empty
// RefreshToken keeps the stored one, a nil ExpiresAt keeps the stored
// expiry, and Metadata entries are merged over existing keys.
func (t *Transaction) UpdateToken(ctx context.Context, account string, update credentials.TokenUpdate) (*credentials.TokenRecord, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}

	rec, err := t.GetToken(ctx, account)
	if err != nil {
		return nil, err
	}

	rec.AccessToken = update.AccessToken
	if update.RefreshToken != "" {
		rec.RefreshToken = update.RefreshToken
	}
	if update.ExpiresAt != nil {
		rec.ExpiresAt = *update.ExpiresAt
	}
	rec.UpdatedAt = time.Now().UTC()

	accessBlob, err := t.encryptField(rec.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshBlob, err := t.encryptField(rec.RefreshToken)
	if err != nil {
		return nil, err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE tokens
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE account_id = (SELECT id FROM accounts WHERE email = ?)`,
		accessBlob, refreshBlob, nullTime(rec.ExpiresAt), rec.UpdatedAt, account)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "update_token", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &credentials.TokenNotFoundError{Account: account}
	}

	if len(update.Metadata) > 0 {
		tokenID, err := t.tokenID(ctx, account)
		if err != nil {
			return nil, err
		}
		for key, value := range update.Metadata {
			if err := t.insertMetadata(ctx, tokenID, key, value); err != nil {
				return nil, err
			}
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(update.Metadata))
		}
		for key, value := range update.Metadata {
			rec.Metadata[key] = value
		}
	}
	return rec, nil
}

// DeleteToken removes account's token row; metadata rows cascade. The
// account row stays so history and re-authorization keep the same identity.
func (t *Transaction) DeleteToken(ctx context.Context, account string) (bool, error) {
	if t.closed {
		return false, ErrTransactionClosed
	}

	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM tokens
		WHERE account_id = (SELECT id FROM accounts WHERE email = ?)`, account)
	if err != nil {
		return false, &credentials.TokenStorageError{Op: "delete_token", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &credentials.TokenStorageError{Op: "delete_token", Err: err}
	}
	return n > 0, nil
}

// GetMetadata reads one metadata value for account's token.
func (t *Transaction) GetMetadata(ctx context.Context, account, key string) (string, bool, error) {
	if t.closed {
		return "", false, ErrTransactionClosed
	}

	tokenID, err := t.tokenID(ctx, account)
	if err != nil {
		return "", false, err
	}

	var blob []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT value FROM token_metadata WHERE token_id = ? AND key = ?`, tokenID, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &credentials.TokenStorageError{Op: "get_metadata", Err: err}
	}

	value, err := t.decryptField(blob)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMetadata upserts one metadata value on account's token.
func (t *Transaction) SetMetadata(ctx context.Context, account, key, value string) error {
	if t.closed {
		return ErrTransactionClosed
	}

	tokenID, err := t.tokenID(ctx, account)
	if err != nil {
		return err
	}
	return t.insertMetadata(ctx, tokenID, key, value)
}

// ensureAccount returns the id of the account row, creating it on first use.
func (t *Transaction) ensureAccount(ctx context.Context, account string) (int64, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (email, created_at) VALUES (?, ?)
		ON CONFLICT(email) DO NOTHING`, account, time.Now().UTC())
	if err != nil {
		return 0, &credentials.TokenStorageError{Op: "ensure_account", Err: err}
	}

	var id int64
	if err := t.tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = ?`, account).Scan(&id); err != nil {
		return 0, &credentials.TokenStorageError{Op: "ensure_account", Err: err}
	}
	return id, nil
}

// tokenID resolves the token row id for account.
func (t *Transaction) tokenID(ctx context.Context, account string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT t.id FROM tokens t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.email = ?`, account).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &credentials.TokenNotFoundError{Account: account}
	}
	if err != nil {
		return 0, &credentials.TokenStorageError{Op: "resolve_token", Err: err}
	}
	return id, nil
}

func (t *Transaction) insertMetadata(ctx context.Context, tokenID int64, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: metadata key cannot be empty", ErrInvalidInput)
	}
	blob, err := t.encryptField(value)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO token_metadata (token_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(token_id, key) DO UPDATE SET value = excluded.value`,
		tokenID, key, blob)
	if err != nil {
		return &credentials.TokenStorageError{Op: "set_metadata", Err: err}
	}
	return nil
}

func (t *Transaction) loadMetadata(ctx context.Context, tokenID int64) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key, value FROM token_metadata WHERE token_id = ?`, tokenID)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "get_metadata", Err: err}
	}
	defer rows.Close()

	var metadata map[string]string
	for rows.Next() {
		var (
			key  string
			blob []byte
		)
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, &credentials.TokenStorageError{Op: "get_metadata", Err: err}
		}
		value, err := t.decryptField(blob)
		if err != nil {
			return nil, err
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, &credentials.TokenStorageError{Op: "get_metadata", Err: err}
	}
	return metadata, nil
}

// encryptField seals one secret column value. Empty strings store as NULL so
// "no refresh token" stays queryable without decryption.
func (t *Transaction) encryptField(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	blob, err := t.cipher.Encrypt([]byte(plain))
	if err != nil {
		return nil, &credentials.EncryptionError{Reason: "field encryption failed", Err: err}
	}
	return blob, nil
}

func (t *Transaction) decryptField(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	plain, err := t.cipher.Decrypt(blob)
	if err != nil {
		return "", &credentials.EncryptionError{Reason: "field decryption failed; encryption key may be wrong", Err: err}
	}
	return string(plain), nil
}

func nullTime(ts time.Time) sql.NullTime {
	if ts.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts.UTC(), Valid: true}
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
