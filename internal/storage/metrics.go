package storage

import (
	"context"
	"time"

	"tokenkeeper/internal/credentials"
)

// Metrics is a point-in-time summary of the store's contents.
type Metrics struct {
	TotalAccounts     int64     `json:"total_accounts"`
	TotalTokens       int64     `json:"total_tokens"`
	ExpiredTokens     int64     `json:"expired_tokens"`
	RefreshableTokens int64     `json:"refreshable_tokens"`
	Encrypted         bool      `json:"encrypted"`
	CollectedAt       time.Time `json:"collected_at"`
}

// GetMetrics collects store-wide counts for status reporting and gauges.
func (s *TokenStore) GetMetrics(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{
		Encrypted:   s.currentCipher().Enabled(),
		CollectedAt: time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&metrics.TotalAccounts)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "get_metrics", Err: err}
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 END),
			COUNT(CASE WHEN refresh_token IS NOT NULL THEN 1 END)
		FROM tokens`, time.Now().UTC()).
		Scan(&metrics.TotalTokens, &metrics.ExpiredTokens, &metrics.RefreshableTokens)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "get_metrics", Err: err}
	}

	return metrics, nil
}
