package catalog

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='backup_items'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "backup_items", name)
}

func TestAccountCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := s.CreateAccount(ctx, &Account{
		Provider: ProviderGoogleDrive, Name: "Jane", Email: "jane@example.com",
		IsActive: true, SyncIntervalMinutes: 360, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetAccountByProviderEmail(ctx, ProviderGoogleDrive, "jane@example.com")
	require.NoError(t, err)
	require.Equal(t, "Jane", got.Name)
	require.True(t, got.IsActive)
}

func TestItemUpsertAndPathConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	accID, err := s.CreateAccount(ctx, &Account{Provider: ProviderGoogleDrive, Name: "A", Email: "a@example.com", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	rootID, err := s.CreateSyncRoot(ctx, &SyncRoot{AccountID: accID, ProviderRootID: "root", Name: "root", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	_, err = s.CreateItem(ctx, &BackupItem{
		SyncRootID: rootID, ProviderItemID: "A", Name: "r.pdf", Path: "r.pdf",
		ItemType: ItemTypeFile, State: StateActive, StateChangedAt: now, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	// Same path, different provider item ID -> conflict.
	conflict, err := s.FindPathConflict(ctx, rootID, "r.pdf", "B")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, "A", conflict.ProviderItemID)

	// Same path, same provider item ID -> no conflict (self).
	noConflict, err := s.FindPathConflict(ctx, rootID, "r.pdf", "A")
	require.NoError(t, err)
	require.Nil(t, noConflict)
}

func TestVersionOrderingForGC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	accID, _ := s.CreateAccount(ctx, &Account{Provider: ProviderGoogleDrive, Email: "a@example.com", CreatedAt: now, UpdatedAt: now})
	rootID, _ := s.CreateSyncRoot(ctx, &SyncRoot{AccountID: accID, ProviderRootID: "root", CreatedAt: now, UpdatedAt: now})
	itemID, _ := s.CreateItem(ctx, &BackupItem{
		SyncRootID: rootID, ProviderItemID: "A", Name: "f", Path: "f",
		ItemType: ItemTypeFile, State: StateActive, StateChangedAt: now, CreatedAt: now, UpdatedAt: now,
	})

	require.NoError(t, s.UpsertBlob(ctx, &BackupBlob{Digest: "sha256:" + digestFixture(1), AccountID: accID, SizeBytes: 1, CreatedAt: now}))
	require.NoError(t, s.UpsertBlob(ctx, &BackupBlob{Digest: "sha256:" + digestFixture(2), AccountID: accID, SizeBytes: 1, CreatedAt: now}))

	_, err := s.CreateVersion(ctx, &FileVersion{AccountID: accID, BackupItemID: itemID, BlobDigest: "sha256:" + digestFixture(1), ObservedPath: "f", CapturedAt: now, Reason: ReasonUpdate})
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, &FileVersion{AccountID: accID, BackupItemID: itemID, BlobDigest: "sha256:" + digestFixture(2), ObservedPath: "f", CapturedAt: now.Add(time.Second), Reason: ReasonUpdate})
	require.NoError(t, err)

	versions, err := s.ListVersionsForItem(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "sha256:"+digestFixture(2), versions[0].BlobDigest, "newest first")

	latest, err := s.LatestVersionForItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, versions[0].ID, latest.ID)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	txErr := s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.CreateAccount(ctx, &Account{Provider: ProviderGoogleDrive, Email: "tx@example.com", CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)

		return errors.New("boom")
	})
	require.Error(t, txErr)

	_, err := s.GetAccountByProviderEmail(ctx, ProviderGoogleDrive, "tx@example.com")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.CreateAccount(ctx, &Account{Provider: ProviderGoogleDrive, Email: "committed@example.com", CreatedAt: now, UpdatedAt: now})
		return err
	})
	require.NoError(t, err)

	got, err := s.GetAccountByProviderEmail(ctx, ProviderGoogleDrive, "committed@example.com")
	require.NoError(t, err)
	require.Equal(t, "committed@example.com", got.Email)
}

func digestFixture(n int) string {
	const base = "0000000000000000000000000000000000000000000000000000000000000000"
	s := []byte(base)[:64]
	s[63] = byte('0' + n)
	return string(s)
}
