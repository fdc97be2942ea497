package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/credentials"
)

func TestTokenStore_Vacuum(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	for _, account := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := store.StoreToken(ctx, account, credentials.TokenParams{AccessToken: "x"})
		require.NoError(t, err)
		_, err = store.DeleteToken(ctx, account)
		require.NoError(t, err)
	}

	assert.NoError(t, store.Vacuum(ctx))
}

func TestTokenStore_CleanupOrphanAccounts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	// orphan: token stored then deleted, account row remains
	_, err := store.StoreToken(ctx, "orphan@example.com", credentials.TokenParams{AccessToken: "x"})
	require.NoError(t, err)
	_, err = store.DeleteToken(ctx, "orphan@example.com")
	require.NoError(t, err)

	// kept: still has a token
	_, err = store.StoreToken(ctx, "kept@example.com", credentials.TokenParams{AccessToken: "x"})
	require.NoError(t, err)

	deleted, err := store.CleanupOrphanAccounts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	statuses, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "kept@example.com", statuses[0].Account)
}

func TestTokenStore_CleanupOrphanAccounts_RespectsCutoff(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreToken(ctx, "recent@example.com", credentials.TokenParams{AccessToken: "x"})
	require.NoError(t, err)
	_, err = store.DeleteToken(ctx, "recent@example.com")
	require.NoError(t, err)

	// The account was created moments ago, so a one-hour cutoff keeps it.
	deleted, err := store.CleanupOrphanAccounts(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	_, err = store.CleanupOrphanAccounts(ctx, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
