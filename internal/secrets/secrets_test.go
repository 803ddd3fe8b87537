package secrets

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveAndGetTokenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)

	expires := time.Now().Add(time.Hour)
	tok := Token{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: &expires}

	require.NoError(t, s.SaveToken("google_drive", "jane@example.com", tok))

	got, err := s.GetToken("google_drive", "jane@example.com")
	require.NoError(t, err)
	require.Equal(t, tok.AccessToken, got.AccessToken)
	require.Equal(t, tok.RefreshToken, got.RefreshToken)
	require.WithinDuration(t, *tok.ExpiresAt, *got.ExpiresAt, time.Second)
}

func TestGetTokenUnknownAccount(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "secrets.json"))

	_, err := s.GetToken("google_drive", "nobody@example.com")
	require.ErrorIs(t, err, ErrNoSuchAccount)
}

func TestSaveTokenPreservesOtherAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)

	require.NoError(t, s.SaveToken("google_drive", "a@example.com", Token{AccessToken: "a-token"}))
	require.NoError(t, s.SaveToken("google_drive", "b@example.com", Token{AccessToken: "b-token"}))

	gotA, err := s.GetToken("google_drive", "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "a-token", gotA.AccessToken)

	gotB, err := s.GetToken("google_drive", "b@example.com")
	require.NoError(t, err)
	require.Equal(t, "b-token", gotB.AccessToken)
}

func TestFilePermissionsAreOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)

	require.NoError(t, s.SaveToken("google_drive", "a@example.com", Token{AccessToken: "x"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}
