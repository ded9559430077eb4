package syncclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSecretStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync", "secrets.json")
	store := NewFileSecretStore(path)

	_, err := store.Get(SecretRootKey)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, store.Set(SecretRootKey, []byte("key-material")))
	require.NoError(t, store.Set(SecretRootKeyVersion, []byte("3")))

	value, err := store.Get(SecretRootKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), value)

	// Secrets survive a reopen.
	reopened := NewFileSecretStore(path)
	value, err = reopened.Get(SecretRootKeyVersion)
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), value)

	require.NoError(t, store.Delete(SecretRootKeyVersion))
	_, err = store.Get(SecretRootKeyVersion)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileSecretStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	store := NewFileSecretStore(path)
	require.NoError(t, store.Set(SecretAccessToken, []byte("token")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileSecretStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	store := NewFileSecretStore(path)
	require.NoError(t, store.Set(SecretDeviceID, []byte("id")))

	require.NoError(t, store.Clear())
	_, err := store.Get(SecretDeviceID)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	// Clearing an already-empty store is not an error.
	require.NoError(t, store.Clear())
}
