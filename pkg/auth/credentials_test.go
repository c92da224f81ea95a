package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgcollect/pkg/logger"
)

func TestManagerStoreAndRetrieve(t *testing.T) {
	manager := NewManagerWithStores(NewMockStore())

	err := manager.Store(&Session{AccountID: "acct-1", Credential: "token-abc"})
	require.NoError(t, err)

	session, err := manager.Retrieve("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", session.AccountID)
	assert.Equal(t, "token-abc", session.Credential)
	assert.False(t, session.LastModified.IsZero())
}

func TestManagerValidatesSessions(t *testing.T) {
	manager := NewManagerWithStores(NewMockStore())

	assert.Error(t, manager.Store(&Session{Credential: "token"}))
	assert.Error(t, manager.Store(&Session{AccountID: "acct-1"}))
}

func TestManagerFallsBackWhenPrimaryFails(t *testing.T) {
	primary := NewMockStore()
	primary.SetFailAll(true)
	secondary := NewMockStore()
	manager := NewManagerWithStores(primary, secondary)

	require.NoError(t, manager.Store(&Session{AccountID: "acct-1", Credential: "token"}))

	// The session landed in the secondary store.
	session, err := secondary.Retrieve("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "token", session.Credential)

	session, err = manager.Retrieve("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "token", session.Credential)
}

func TestManagerRetrieveMissing(t *testing.T) {
	manager := NewManagerWithStores(NewMockStore())
	_, err := manager.Retrieve("nope")
	assert.Error(t, err)
}

func TestManagerListNewestWins(t *testing.T) {
	older := NewMockStore()
	newer := NewMockStore()
	require.NoError(t, older.Store(&Session{AccountID: "acct-1", Credential: "old", LastModified: time.Now().Add(-time.Hour)}))
	require.NoError(t, newer.Store(&Session{AccountID: "acct-1", Credential: "new", LastModified: time.Now()}))
	require.NoError(t, older.Store(&Session{AccountID: "acct-2", Credential: "only", LastModified: time.Now()}))

	manager := NewManagerWithStores(older, newer)
	sessions, err := manager.List()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[string]string)
	for _, s := range sessions {
		byID[s.AccountID] = s.Credential
	}
	assert.Equal(t, "new", byID["acct-1"])
	assert.Equal(t, "only", byID["acct-2"])
}

func TestManagerDeleteRemovesEverywhere(t *testing.T) {
	a := NewMockStore()
	b := NewMockStore()
	require.NoError(t, a.Store(&Session{AccountID: "acct-1", Credential: "x"}))
	require.NoError(t, b.Store(&Session{AccountID: "acct-1", Credential: "x"}))

	manager := NewManagerWithStores(a, b)
	require.NoError(t, manager.Delete("acct-1"))

	assert.False(t, a.Exists("acct-1"))
	assert.False(t, b.Exists("acct-1"))
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "test-passphrase")
	require.NoError(t, err)

	require.NoError(t, store.Store(&Session{AccountID: "acct-1", Credential: "secret", LastModified: time.Now()}))

	// A fresh store with the same passphrase reads it back.
	reopened, err := NewEncryptedFileStoreWithPassphrase(path, "test-passphrase")
	require.NoError(t, err)
	session, err := reopened.Retrieve("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", session.Credential)

	// The file on disk never contains the plaintext credential.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
}

func TestEncryptedStoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "right")
	require.NoError(t, err)
	require.NoError(t, store.Store(&Session{AccountID: "acct-1", Credential: "secret"}))

	wrong, err := NewEncryptedFileStoreWithPassphrase(path, "wrong")
	require.NoError(t, err)
	_, err = wrong.Retrieve("acct-1")
	assert.Error(t, err)
}

func TestEncryptedStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "pass")
	require.NoError(t, err)

	require.NoError(t, store.Store(&Session{AccountID: "acct-1", Credential: "x"}))
	require.NoError(t, store.Store(&Session{AccountID: "acct-2", Credential: "y"}))
	require.NoError(t, store.Delete("acct-1"))

	assert.False(t, store.Exists("acct-1"))
	assert.True(t, store.Exists("acct-2"))
}

func TestEnvironmentStoreReadsProcessSession(t *testing.T) {
	t.Setenv("TGCOLLECT_ACCOUNT_ID", "acct-env")
	t.Setenv("TGCOLLECT_SESSION", "env-token")

	store := NewEnvironmentStore()
	session, err := store.Retrieve("acct-env")
	require.NoError(t, err)
	assert.Equal(t, "env-token", session.Credential)

	_, err = store.Retrieve("someone-else")
	assert.Error(t, err)

	assert.Error(t, store.Store(&Session{AccountID: "x", Credential: "y"}), "environment store is read-only")
}

func TestSanitizeMasksCredential(t *testing.T) {
	masked := Sanitize(&Session{AccountID: "acct-1", Credential: "supersecrettoken"})
	assert.NotEqual(t, "supersecrettoken", masked.Credential)
	assert.NotContains(t, masked.Credential, "secret")
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "sessions.enc")
	require.NoError(t, os.WriteFile(source, []byte("ciphertext-v1"), 0600))

	keeper := NewBackupKeeper(source, filepath.Join(dir, "backups"), 5, time.Hour, logger.NewTestLogger())

	path, err := keeper.Backup()
	require.NoError(t, err)
	require.NotEmpty(t, path)

	// Corrupt the live store, then restore the snapshot.
	require.NoError(t, os.WriteFile(source, []byte("garbage"), 0600))
	require.NoError(t, keeper.RestoreLatest())

	data, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, "ciphertext-v1", string(data))
}

func TestBackupMissingSourceIsNoop(t *testing.T) {
	dir := t.TempDir()
	keeper := NewBackupKeeper(filepath.Join(dir, "missing.enc"), filepath.Join(dir, "backups"), 5, time.Hour, logger.NewTestLogger())

	path, err := keeper.Backup()
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBackupPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "sessions.enc")
	backups := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(backups, 0700))

	// Pre-seed older snapshots; the timestamp format sorts lexically.
	for _, ts := range []string{"20240101T000000Z", "20240102T000000Z", "20240103T000000Z"} {
		require.NoError(t, os.WriteFile(filepath.Join(backups, "sessions_"+ts+".enc"), []byte("old"), 0600))
	}
	require.NoError(t, os.WriteFile(source, []byte("current"), 0600))

	keeper := NewBackupKeeper(source, backups, 2, time.Hour, logger.NewTestLogger())
	_, err := keeper.Backup()
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(backups, "sessions_*.enc"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// The oldest snapshots were the ones dropped.
	for _, m := range matches {
		assert.NotContains(t, m, "20240101T000000Z")
		assert.NotContains(t, m, "20240102T000000Z")
	}
}
