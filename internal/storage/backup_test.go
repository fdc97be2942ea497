package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/credentials"
)

func TestTokenStore_Backup(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t)
	ctx := context.Background()

	store, err := openStoreAt(filepath.Join(dir, "tokens.db"), key)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.StoreToken(ctx, "alice@example.com", testTokenParams())
	require.NoError(t, err)

	backupPath := filepath.Join(dir, "backups", "tokens.bak")
	require.NoError(t, store.Backup(ctx, backupPath))
	_, err = os.Stat(backupPath)
	require.NoError(t, err)

	// A backup is a fully usable store under the same key.
	restored, err := openStoreAt(backupPath, key)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.GetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.test-access", got.AccessToken)
	assert.Equal(t, testTokenParams().Metadata, got.Metadata)
}

func TestTokenStore_Backup_RefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	store, err := openStoreAt(filepath.Join(dir, "tokens.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	target := filepath.Join(dir, "existing.bak")
	require.NoError(t, os.WriteFile(target, []byte("junk"), 0o600))

	err = store.Backup(context.Background(), target)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTokenStore_Restore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := openStoreAt(filepath.Join(dir, "tokens.db"), nil)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.StoreToken(ctx, "alice@example.com", credentials.TokenParams{AccessToken: "original"})
	require.NoError(t, err)

	backupPath := filepath.Join(dir, "tokens.bak")
	require.NoError(t, store.Backup(ctx, backupPath))

	// Diverge after the backup.
	_, err = store.UpdateToken(ctx, "alice@example.com", credentials.TokenUpdate{AccessToken: "diverged"})
	require.NoError(t, err)
	_, err = store.StoreToken(ctx, "bob@example.com", credentials.TokenParams{AccessToken: "late"})
	require.NoError(t, err)

	require.NoError(t, store.Restore(ctx, backupPath))

	got, err := store.GetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "original", got.AccessToken)

	_, err = store.GetToken(ctx, "bob@example.com")
	var nf *credentials.TokenNotFoundError
	assert.ErrorAs(t, err, &nf, "rows added after the backup must be gone")
}

func TestTokenStore_Restore_RefusesForeignKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Backup taken under key A.
	keyA := testKey(t)
	source, err := openStoreAt(filepath.Join(dir, "a.db"), keyA)
	require.NoError(t, err)
	defer source.Close()
	_, err = source.StoreToken(ctx, "alice@example.com", testTokenParams())
	require.NoError(t, err)
	backupPath := filepath.Join(dir, "a.bak")
	require.NoError(t, source.Backup(ctx, backupPath))

	// Store running under key B cannot take it.
	target, err := openStoreAt(filepath.Join(dir, "b.db"), testKey(t))
	require.NoError(t, err)
	defer target.Close()
	_, err = target.StoreToken(ctx, "bob@example.com", credentials.TokenParams{AccessToken: "keep-me"})
	require.NoError(t, err)

	err = target.Restore(ctx, backupPath)
	var encErr *credentials.EncryptionError
	require.ErrorAs(t, err, &encErr)

	// The refused restore must not have touched existing data.
	got, err := target.GetToken(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", got.AccessToken)
}

func TestTokenStore_Restore_MissingFile(t *testing.T) {
	store := newTestStore(t, nil)
	err := store.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.bak"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}
