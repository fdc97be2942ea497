package storage

import (
	"context"
	"fmt"
	"time"

	"tokenkeeper/internal/credentials"
)

// Vacuum compacts the database file. Deleted tokens leave free pages behind;
// running this after bulk revocations reclaims them.
func (s *TokenStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return &credentials.TokenStorageError{Op: "vacuum", Err: err}
	}
	s.log.Debug().Msg("database vacuumed")
	return nil
}

// CleanupOrphanAccounts removes account rows that have no token and were
// created before now minus olderThan. A zero olderThan removes every
// tokenless account. Returns the number of accounts removed.
func (s *TokenStore) CleanupOrphanAccounts(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: cleanup age cannot be negative", ErrInvalidInput)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM accounts
		WHERE id NOT IN (SELECT account_id FROM tokens)
		AND created_at < ?`, cutoff)
	if err != nil {
		return 0, &credentials.TokenStorageError{Op: "cleanup_orphan_accounts", Err: err}
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &credentials.TokenStorageError{Op: "cleanup_orphan_accounts", Err: err}
	}
	if deleted > 0 {
		s.log.Info().Int64("accounts", deleted).Msg("orphan accounts removed")
	}
	return deleted, nil
}
