package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tokenkeeper/internal/credentials"
)

// Tables copied by Backup and Restore, in foreign-key order.
var backupTables = []string{"accounts", "tokens", "token_metadata", "store_meta"}

// Backup writes a consistent copy of the store to backupPath. The target is
// migrated to the current schema first, then rows are copied through an
// attached database inside one transaction, then row counts are compared.
// Encrypted columns stay encrypted; a backup is only readable with the key
// that was active when it was taken.
func (s *TokenStore) Backup(ctx context.Context, backupPath string) error {
	if backupPath == "" {
		return fmt.Errorf("%w: backup path cannot be empty", ErrInvalidInput)
	}
	if _, err := os.Stat(backupPath); err == nil {
		return fmt.Errorf("%w: backup target %s already exists", ErrInvalidInput, backupPath)
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return &credentials.TokenStorageError{Op: "backup", Err: err}
	}

	if err := prepareBackupTarget(backupPath); err != nil {
		os.Remove(backupPath)
		return err
	}

	sourceCounts := make(map[string]int64, len(backupTables))
	err := s.withAttached(ctx, backupPath, func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range backupTables {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO backup.%s SELECT * FROM %s", table, table)); err != nil {
				return fmt.Errorf("copying %s: %w", table, err)
			}
			var n int64
			if err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
				return fmt.Errorf("counting %s: %w", table, err)
			}
			sourceCounts[table] = n
		}
		return nil
	})
	if err != nil {
		os.Remove(backupPath)
		return &credentials.TokenStorageError{Op: "backup", Err: err}
	}

	if err := verifyBackup(ctx, backupPath, sourceCounts); err != nil {
		os.Remove(backupPath)
		return &credentials.TokenStorageError{Op: "backup", Err: err}
	}

	s.log.Info().Str("path", backupPath).Int64("tokens", sourceCounts["tokens"]).Msg("backup written")
	return nil
}

// Restore replaces the store's contents with those of a backup file. It
// refuses backups from a different schema version and backups whose
// encryption marker does not match the currently configured key, so a
// restore never leaves the store unreadable.
func (s *TokenStore) Restore(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("%w: backup file not found: %s", ErrInvalidInput, backupPath)
	}

	// Exclude every transaction while rows are replaced wholesale, the same
	// way a key change does.
	s.cipherMu.Lock()
	defer s.cipherMu.Unlock()

	err := s.withAttached(ctx, backupPath, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.checkRestoreCompat(ctx, tx); err != nil {
			return err
		}
		// Child tables first; the cascade would handle tokens and metadata,
		// but explicit order keeps the deletes independent of pragma state.
		for i := len(backupTables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+backupTables[i]); err != nil {
				return fmt.Errorf("clearing %s: %w", backupTables[i], err)
			}
		}
		for _, table := range backupTables {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s SELECT * FROM backup.%s", table, table)); err != nil {
				return fmt.Errorf("restoring %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		if credentials.IsAuthError(err) {
			return err
		}
		return &credentials.TokenStorageError{Op: "restore", Err: err}
	}

	s.log.Info().Str("path", backupPath).Msg("store restored from backup")
	return nil
}

// withAttached pins one connection, attaches path as "backup", runs fn
// inside a transaction on that connection, and detaches afterwards. ATTACH
// is per-connection and cannot run inside a transaction, hence the pinning.
func (s *TokenStore) withAttached(ctx context.Context, path string, fn func(context.Context, *sql.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS backup", path); err != nil {
		return fmt.Errorf("attaching %s: %w", path, err)
	}
	defer conn.ExecContext(ctx, "DETACH DATABASE backup")

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// prepareBackupTarget creates the backup file with the full current schema.
func prepareBackupTarget(path string) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return &credentials.TokenStorageError{Op: "backup", Err: err}
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		return &credentials.TokenStorageError{Op: "backup", Err: fmt.Errorf("preparing target schema: %w", err)}
	}
	return nil
}

func verifyBackup(ctx context.Context, path string, sourceCounts map[string]int64) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("opening backup for verification: %w", err)
	}
	defer db.Close()

	for _, table := range backupTables {
		var n int64
		if err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return fmt.Errorf("verifying %s: %w", table, err)
		}
		if n != sourceCounts[table] {
			return fmt.Errorf("row count mismatch for %s: source=%d backup=%d", table, sourceCounts[table], n)
		}
	}
	return nil
}

// checkRestoreCompat refuses backups the running store could not read: a
// different schema version, a dirty migration state, or encryption under a
// key other than the configured one.
func (s *TokenStore) checkRestoreCompat(ctx context.Context, tx *sql.Tx) error {
	var (
		srcVersion, dstVersion uint64
		srcDirty, dstDirty     bool
	)
	if err := tx.QueryRowContext(ctx, "SELECT version, dirty FROM backup.schema_migrations LIMIT 1").
		Scan(&srcVersion, &srcDirty); err != nil {
		return fmt.Errorf("backup has no schema version: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").
		Scan(&dstVersion, &dstDirty); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if srcDirty || dstDirty {
		return fmt.Errorf("dirty migration state: backup=%v store=%v", srcDirty, dstDirty)
	}
	if srcVersion != dstVersion {
		return fmt.Errorf("schema version mismatch: backup=%d store=%d", srcVersion, dstVersion)
	}

	var mode []byte
	err := tx.QueryRowContext(ctx,
		"SELECT value FROM backup.store_meta WHERE key = ?", metaKeyEncryptionMode).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return &credentials.EncryptionError{Reason: "backup has no encryption marker"}
	}
	if err != nil {
		return fmt.Errorf("reading backup encryption marker: %w", err)
	}

	switch string(mode) {
	case encryptionModeNone:
		if s.cipher.Enabled() {
			return &credentials.EncryptionError{Reason: "backup is unencrypted but the store has an encryption key"}
		}
	case encryptionModeAES:
		if !s.cipher.Enabled() {
			return &credentials.EncryptionError{Reason: "backup is encrypted; an encryption key is required"}
		}
		var check []byte
		if err := tx.QueryRowContext(ctx,
			"SELECT value FROM backup.store_meta WHERE key = ?", metaKeyEncryptionCheck).Scan(&check); err != nil {
			return &credentials.EncryptionError{Reason: "backup encryption check value is missing", Err: err}
		}
		plain, err := s.cipher.Decrypt(check)
		if err != nil || string(plain) != keyCheckPlaintext {
			return &credentials.EncryptionError{Reason: "backup was encrypted under a different key", Err: err}
		}
	default:
		return &credentials.EncryptionError{Reason: fmt.Sprintf("backup has unknown encryption mode %q", mode)}
	}
	return nil
}
