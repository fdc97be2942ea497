package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tokenkeeper/internal/credentials"
)

// Store-level markers recording how secret columns are encoded. They let a
// wrong key, a missing key, and a corrupt store fail with distinct errors
// instead of a generic decrypt failure on first read.
const (
	metaKeyEncryptionMode  = "encryption_mode"
	metaKeyEncryptionCheck = "encryption_check"

	encryptionModeNone = "none"
	encryptionModeAES  = "aes-256-gcm"

	keyCheckPlaintext = "tokenkeeper:keycheck:v1"
)

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// verifyEncryption reconciles the configured cipher with the store's
// recorded encryption mode. It runs once at open time.
func (s *TokenStore) verifyEncryption(ctx context.Context) error {
	mode, ok, err := getStoreMeta(ctx, s.db, metaKeyEncryptionMode)
	if err != nil {
		return &credentials.TokenStorageError{Op: "verify_encryption", Err: err}
	}

	if !ok {
		// No marker: either a fresh store or one written before markers
		// existed. Claiming an unmarked store that already holds rows would
		// silently mix plaintext and ciphertext, so refuse that case.
		if s.cipher.Enabled() {
			populated, err := s.hasTokenRows(ctx)
			if err != nil {
				return &credentials.TokenStorageError{Op: "verify_encryption", Err: err}
			}
			if populated {
				return &credentials.EncryptionError{
					Reason: "store holds unencrypted tokens; open it without a key and run a key change to encrypt it",
				}
			}
		}
		if err := writeEncryptionMarker(ctx, s.db, s.cipher); err != nil {
			return err
		}
		return nil
	}

	switch mode {
	case encryptionModeNone:
		if s.cipher.Enabled() {
			return &credentials.EncryptionError{
				Reason: "store holds unencrypted tokens; open it without a key and run a key change to encrypt it",
			}
		}
		return nil

	case encryptionModeAES:
		if !s.cipher.Enabled() {
			return &credentials.EncryptionError{Reason: "store is encrypted; an encryption key is required"}
		}
		check, ok, err := getStoreMeta(ctx, s.db, metaKeyEncryptionCheck)
		if err != nil {
			return &credentials.TokenStorageError{Op: "verify_encryption", Err: err}
		}
		if !ok {
			return &credentials.EncryptionError{Reason: "encryption check value is missing; store may be corrupt"}
		}
		plain, err := s.cipher.Decrypt([]byte(check))
		if err != nil || string(plain) != keyCheckPlaintext {
			return &credentials.EncryptionError{Reason: "wrong encryption key for this store", Err: err}
		}
		return nil

	default:
		return &credentials.EncryptionError{Reason: fmt.Sprintf("unknown encryption mode %q", mode)}
	}
}

// ChangeEncryptionKey re-encrypts every secret column under newKey in a
// single transaction. A nil newKey decrypts the store to plaintext. On any
// failure the transaction rolls back and the store stays readable under the
// old key; the in-memory cipher only switches after commit.
func (s *TokenStore) ChangeEncryptionKey(ctx context.Context, newKey []byte) error {
	newCipher, err := NewCipher(newKey)
	if err != nil {
		return &credentials.EncryptionError{Reason: "invalid replacement key", Err: err}
	}

	// Exclude every transaction for the duration of the swap so no write
	// lands encoded under a cipher that is about to be replaced.
	s.cipherMu.Lock()
	defer s.cipherMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
	}
	defer tx.Rollback()

	if err := recodeColumn(ctx, tx, s.cipher, newCipher,
		`SELECT id, access_token FROM tokens`,
		`UPDATE tokens SET access_token = ? WHERE id = ?`); err != nil {
		return err
	}
	if err := recodeColumn(ctx, tx, s.cipher, newCipher,
		`SELECT id, refresh_token FROM tokens WHERE refresh_token IS NOT NULL`,
		`UPDATE tokens SET refresh_token = ? WHERE id = ?`); err != nil {
		return err
	}
	if err := recodeColumn(ctx, tx, s.cipher, newCipher,
		`SELECT id, value FROM token_metadata WHERE value IS NOT NULL`,
		`UPDATE token_metadata SET value = ? WHERE id = ?`); err != nil {
		return err
	}
	if err := writeEncryptionMarker(ctx, tx, newCipher); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
	}

	s.cipher = newCipher
	s.log.Info().Bool("encrypted", newCipher.Enabled()).Msg("encryption key changed")
	return nil
}

// recodeColumn rewrites one BLOB column from the old cipher to the new one.
func recodeColumn(ctx context.Context, tx *sql.Tx, oldCipher, newCipher *Cipher, selectQuery, updateQuery string) error {
	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
	}
	defer rows.Close()

	type recoded struct {
		id   int64
		blob []byte
	}
	var pending []recoded
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
		}
		if len(blob) == 0 {
			continue
		}
		plain, err := oldCipher.Decrypt(blob)
		if err != nil {
			return &credentials.EncryptionError{Reason: "existing value failed to decrypt during key change", Err: err}
		}
		out, err := newCipher.Encrypt(plain)
		if err != nil {
			return &credentials.EncryptionError{Reason: "value failed to re-encrypt during key change", Err: err}
		}
		pending = append(pending, recoded{id: id, blob: out})
	}
	if err := rows.Err(); err != nil {
		return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
	}

	for _, p := range pending {
		if _, err := tx.ExecContext(ctx, updateQuery, p.blob, p.id); err != nil {
			return &credentials.TokenStorageError{Op: "change_encryption_key", Err: err}
		}
	}
	return nil
}

// writeEncryptionMarker records the active mode and, when encrypted, a
// canary value that proves the key on the next open.
func writeEncryptionMarker(ctx context.Context, q execQueryer, c *Cipher) error {
	if !c.Enabled() {
		if err := setStoreMeta(ctx, q, metaKeyEncryptionMode, []byte(encryptionModeNone)); err != nil {
			return &credentials.TokenStorageError{Op: "write_encryption_marker", Err: err}
		}
		if err := deleteStoreMeta(ctx, q, metaKeyEncryptionCheck); err != nil {
			return &credentials.TokenStorageError{Op: "write_encryption_marker", Err: err}
		}
		return nil
	}

	check, err := c.Encrypt([]byte(keyCheckPlaintext))
	if err != nil {
		return &credentials.EncryptionError{Reason: "encrypting check value failed", Err: err}
	}
	if err := setStoreMeta(ctx, q, metaKeyEncryptionMode, []byte(encryptionModeAES)); err != nil {
		return &credentials.TokenStorageError{Op: "write_encryption_marker", Err: err}
	}
	if err := setStoreMeta(ctx, q, metaKeyEncryptionCheck, check); err != nil {
		return &credentials.TokenStorageError{Op: "write_encryption_marker", Err: err}
	}
	return nil
}

func (s *TokenStore) hasTokenRows(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tokens)`).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func getStoreMeta(ctx context.Context, q execQueryer, key string) (string, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func setStoreMeta(ctx context.Context, q execQueryer, key string, value []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func deleteStoreMeta(ctx context.Context, q execQueryer, key string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM store_meta WHERE key = ?`, key)
	return err
}
