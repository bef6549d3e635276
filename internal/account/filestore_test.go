package account

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccountFile(t *testing.T, dir string, acc *Account) {
	t.Helper()
	data, err := json.Marshal(acc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, acc.ID+".json"), data, 0o600))
}

func TestFileStore_ReloadAndOrder(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, &Account{ID: "b", Email: "b@x.com", Provider: ProviderGoogleOAuth, CreatedOrder: 2})
	writeAccountFile(t, dir, &Account{ID: "a", Email: "a@x.com", Provider: ProviderGoogleOAuth, CreatedOrder: 1})

	s := NewFileStore(dir)
	count, err := s.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID, "accounts ordered by created_order")
	assert.Equal(t, "b", snap[1].ID)
}

func TestFileStore_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, &Account{ID: "good", Provider: ProviderGoogleOAuth})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty-id.json"), []byte(`{"email":"x"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	s := NewFileStore(dir)
	count, err := s.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "good", s.Snapshot()[0].ID)
}

func TestFileStore_UpdateTokensDurable(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, &Account{
		ID:       "acc-1",
		Provider: ProviderGoogleOAuth,
		Token:    Token{AccessToken: "old", RefreshToken: "r"},
	})

	s := NewFileStore(dir)
	_, err := s.Reload()
	require.NoError(t, err)

	newTok := Token{
		AccessToken:  "new",
		RefreshToken: "r2",
		ExpiryUnix:   time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, s.UpdateTokens("acc-1", newTok))

	// visible in the snapshot
	assert.Equal(t, "new", s.Snapshot()[0].Token.AccessToken)

	// and durable on disk
	data, err := os.ReadFile(filepath.Join(dir, "acc-1.json"))
	require.NoError(t, err)
	var onDisk Account
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "new", onDisk.Token.AccessToken)
	assert.Equal(t, "r2", onDisk.Token.RefreshToken)
}

func TestFileStore_UpdateTokensUnknownAccount(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Reload()
	require.NoError(t, err)
	assert.Error(t, s.UpdateTokens("missing", Token{}))
}

func TestFileStore_SnapshotIsImmutable(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, &Account{ID: "acc-1", Provider: ProviderGoogleOAuth, Token: Token{AccessToken: "old"}})

	s := NewFileStore(dir)
	_, err := s.Reload()
	require.NoError(t, err)

	before := s.Snapshot()
	require.NoError(t, s.UpdateTokens("acc-1", Token{AccessToken: "new"}))

	// the snapshot captured before the update still sees the old token
	assert.Equal(t, "old", before[0].Token.AccessToken)
}

func TestAccount_ExpiresWithin(t *testing.T) {
	acc := &Account{Provider: ProviderGoogleOAuth}
	assert.False(t, acc.ExpiresWithin(time.Minute), "zero expiry never refreshes")

	acc.Token.ExpiryUnix = time.Now().Add(30 * time.Second).Unix()
	assert.True(t, acc.ExpiresWithin(time.Minute))

	acc.Token.ExpiryUnix = time.Now().Add(time.Hour).Unix()
	assert.False(t, acc.ExpiresWithin(time.Minute))

	apiKey := &Account{Provider: ProviderZaiAPIKey}
	assert.False(t, apiKey.ExpiresWithin(time.Minute))
}
