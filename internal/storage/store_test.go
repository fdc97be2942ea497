package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/credentials"
)

func newTestStore(t *testing.T, key []byte) *TokenStore {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "tokens.db"))
	cfg.EncryptionKey = key
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testTokenParams() credentials.TokenParams {
	return credentials.TokenParams{
		AccessToken:  "ya29.test-access",
		RefreshToken: "1//test-refresh",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Scopes:       []string{"https://mail.google.com/"},
		Metadata:     map[string]string{credentials.MetadataClientID: "client-id.apps.example.com"},
	}
}

func TestTokenStore_StoreAndGetToken(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	params := testTokenParams()

	rec, err := store.StoreToken(ctx, "alice@example.com", params)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.Account)
	assert.Equal(t, "Bearer", rec.TokenType, "token type should default to Bearer")
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := store.GetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, params.AccessToken, got.AccessToken)
	assert.Equal(t, params.RefreshToken, got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, params.Scopes, got.Scopes)
	assert.Equal(t, params.Metadata, got.Metadata)
	assert.WithinDuration(t, params.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestTokenStore_StoreTokenReplacesExisting(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{
		AccessToken: "old-access",
		Metadata:    map[string]string{"stale": "yes"},
	})
	require.NoError(t, err)

	_, err = store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{
		AccessToken: "new-access",
		Metadata:    map[string]string{"fresh": "yes"},
	})
	require.NoError(t, err)

	got, err := store.GetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, map[string]string{"fresh": "yes"}, got.Metadata,
		"metadata of the replaced token should not survive")

	// Still exactly one token row for the account.
	var count int64
	err = store.DB().QueryRow(`
		SELECT COUNT(*) FROM tokens t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.email = ?`, "alice@example.com").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTokenStore_GetToken_NotFound(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.GetToken(context.Background(), "nobody@example.com")
	require.Error(t, err)

	var nf *credentials.TokenNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nobody@example.com", nf.Account)
	assert.True(t, credentials.IsAuthError(err))
}

func TestTokenStore_InputValidation(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"store with empty account", func() error {
			_, err := store.StoreToken(ctx, "  ", testTokenParams())
			return err
		}},
		{"store with empty access token", func() error {
			_, err := store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{})
			return err
		}},
		{"get with empty account", func() error {
			_, err := store.GetToken(ctx, "")
			return err
		}},
		{"update with empty access token", func() error {
			_, err := store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{})
			return err
		}},
		{"delete with empty account", func() error {
			_, err := store.DeleteToken(ctx, "")
			return err
		}},
		{"set metadata with empty key", func() error {
			return store.SetMetadata(ctx, "alice@example.com", "", "v")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrInvalidInput)
		})
	}
}

func TestTokenStore_UpdateToken(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates refresh token when provided", func(t *testing.T) {
		store := newTestStore(t, nil)
		_, err := store.StoreToken(ctx, "alice@example.com", testTokenParams())
		require.NoError(t, err)

		rec, err := store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken:  "rotated-access",
			RefreshToken: "rotated-refresh",
		})
		require.NoError(t, err)
		assert.Equal(t, "rotated-refresh", rec.RefreshToken)

		got, err := store.GetToken(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "rotated-refresh", got.RefreshToken)
	})

	t.Run("keeps refresh token when omitted", func(t *testing.T) {
		store := newTestStore(t, nil)
		params := testTokenParams()
		_, err := store.StoreToken(ctx, "alice@example.com", params)
		require.NoError(t, err)

		_, err = store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken: "new-access",
		})
		require.NoError(t, err)

		got, err := store.GetToken(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "new-access", got.AccessToken)
		assert.Equal(t, params.RefreshToken, got.RefreshToken,
			"omitted refresh token should keep the stored one")
	})

	t.Run("keeps expiry when nil", func(t *testing.T) {
		store := newTestStore(t, nil)
		params := testTokenParams()
		_, err := store.StoreToken(ctx, "alice@example.com", params)
		require.NoError(t, err)

		_, err = store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken: "new-access",
		})
		require.NoError(t, err)

		got, err := store.GetToken(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.WithinDuration(t, params.ExpiresAt, got.ExpiresAt, time.Second)
	})

	t.Run("clears expiry with pointer to zero time", func(t *testing.T) {
		store := newTestStore(t, nil)
		_, err := store.StoreToken(ctx, "alice@example.com", testTokenParams())
		require.NoError(t, err)

		var never time.Time
		_, err = store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken: "new-access",
			ExpiresAt:   &never,
		})
		require.NoError(t, err)

		expired, expiresAt, err := store.CheckExpiry(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, expired)
		assert.True(t, expiresAt.IsZero())
	})

	t.Run("merges metadata over existing keys", func(t *testing.T) {
		store := newTestStore(t, nil)
		_, err := store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{
			AccessToken: "access",
			Metadata:    map[string]string{"a": "1", "b": "2"},
		})
		require.NoError(t, err)

		rec, err := store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken: "access2",
			Metadata:    map[string]string{"b": "changed", "c": "3"},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "changed", "c": "3"}, rec.Metadata)

		got, err := store.GetToken(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "changed", "c": "3"}, got.Metadata)
	})

	t.Run("touches updated_at but not created_at", func(t *testing.T) {
		store := newTestStore(t, nil)
		first, err := store.StoreToken(ctx, "alice@example.com", testTokenParams())
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{
			AccessToken: "new-access",
		})
		require.NoError(t, err)

		got, err := store.GetToken(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(first.UpdatedAt), "updated_at should advance")
		assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("missing token", func(t *testing.T) {
		store := newTestStore(t, nil)
		_, err := store.UpdateToken(ctx, "nobody@example.com", credentials.TokenUpdate{
			AccessToken: "access",
		})
		var nf *credentials.TokenNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestTokenStore_DeleteToken(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreToken(ctx, "alice@example.com", testTokenParams())
	require.NoError(t, err)

	deleted, err := store.DeleteToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Deleting again is a no-op, not an error.
	deleted, err = store.DeleteToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.GetToken(ctx, "alice@example.com")
	var nf *credentials.TokenNotFoundError
	assert.ErrorAs(t, err, &nf)

	// Metadata rows cascade with the token.
	var count int64
	err = store.DB().QueryRow("SELECT COUNT(*) FROM token_metadata").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// The account row survives for history and re-authorization.
	statuses, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "alice@example.com", statuses[0].Account)
	assert.False(t, statuses[0].HasToken)
}

func TestTokenStore_ListAccounts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	statuses, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	_, err = store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{
		AccessToken:  "access-a",
		RefreshToken: "refresh-a",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = store.StoreToken(ctx, "bob@example.com", credentials.TokenParams{
		AccessToken: "access-b",
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	statuses, err = store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	alice, bob := statuses[0], statuses[1]
	assert.Equal(t, "alice@example.com", alice.Account)
	assert.True(t, alice.HasToken)
	assert.True(t, alice.HasRefreshToken)
	assert.False(t, alice.Expired)
	assert.False(t, alice.UpdatedAt.IsZero())
	assert.False(t, alice.CreatedAt.IsZero())

	assert.Equal(t, "bob@example.com", bob.Account)
	assert.True(t, bob.HasToken)
	assert.False(t, bob.HasRefreshToken)
	assert.True(t, bob.Expired)
}

func TestTokenStore_CheckExpiry(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		account     string
		params      credentials.TokenParams
		wantExpired bool
		wantZero    bool
	}{
		{
			name:        "future expiry",
			account:     "fresh@example.com",
			params:      credentials.TokenParams{AccessToken: "a", ExpiresAt: time.Now().UTC().Add(time.Hour)},
			wantExpired: false,
		},
		{
			name:        "past expiry",
			account:     "stale@example.com",
			params:      credentials.TokenParams{AccessToken: "a", ExpiresAt: time.Now().UTC().Add(-time.Minute)},
			wantExpired: true,
		},
		{
			name:        "no expiry never expires",
			account:     "eternal@example.com",
			params:      credentials.TokenParams{AccessToken: "a"},
			wantExpired: false,
			wantZero:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.StoreToken(ctx, tt.account, tt.params)
			require.NoError(t, err)

			expired, expiresAt, err := store.CheckExpiry(ctx, tt.account)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExpired, expired)
			assert.Equal(t, tt.wantZero, expiresAt.IsZero())
		})
	}

	t.Run("missing token", func(t *testing.T) {
		_, _, err := store.CheckExpiry(ctx, "nobody@example.com")
		var nf *credentials.TokenNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestTokenStore_Metadata(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{AccessToken: "a"})
	require.NoError(t, err)

	require.NoError(t, store.SetMetadata(ctx, "alice@example.com", "client_id", "cid-1"))

	value, ok, err := store.GetMetadata(ctx, "alice@example.com", "client_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cid-1", value)

	// Upsert overwrites.
	require.NoError(t, store.SetMetadata(ctx, "alice@example.com", "client_id", "cid-2"))
	value, ok, err = store.GetMetadata(ctx, "alice@example.com", "client_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cid-2", value)

	// Unknown key is not an error.
	_, ok, err = store.GetMetadata(ctx, "alice@example.com", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	// Metadata on a missing token is.
	var nf *credentials.TokenNotFoundError
	err = store.SetMetadata(ctx, "nobody@example.com", "k", "v")
	assert.ErrorAs(t, err, &nf)
	_, _, err = store.GetMetadata(ctx, "nobody@example.com", "k")
	assert.ErrorAs(t, err, &nf)
}

func TestTokenStore_TransactionLifecycle(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StoreToken(ctx, "alice@example.com", testTokenParams())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = store.GetToken(ctx, "alice@example.com")
	var nf *credentials.TokenNotFoundError
	assert.ErrorAs(t, err, &nf, "rolled back writes should not be visible")

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.StoreToken(ctx, "alice@example.com", testTokenParams())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), ErrTransactionClosed)
	assert.ErrorIs(t, tx.Rollback(), ErrTransactionClosed)
	_, err = tx.GetToken(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrTransactionClosed)

	_, err = store.GetToken(ctx, "alice@example.com")
	assert.NoError(t, err)
}

func TestTokenStore_GetMetrics(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = store.StoreToken(ctx, "bob@example.com", credentials.TokenParams{
		AccessToken: "b",
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	metrics, err := store.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.TotalAccounts)
	assert.Equal(t, int64(2), metrics.TotalTokens)
	assert.Equal(t, int64(1), metrics.ExpiredTokens)
	assert.Equal(t, int64(1), metrics.RefreshableTokens)
	assert.False(t, metrics.Encrypted)
	assert.False(t, metrics.CollectedAt.IsZero())
}
