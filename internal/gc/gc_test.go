package gc

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return blobstore.Digest(fmt.Sprintf("%x", sum[:]))
}

// testFixture bundles an in-memory catalog and an on-disk blob store
// for one account, the way GC sees the world: facts in the catalog,
// bytes in the store, joined only by digest.
type testFixture struct {
	store      *catalog.Store
	blobs      *blobstore.Store
	backupRoot string
	accountID  int64
	rootID     int64
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	ctx := context.Background()
	store, err := catalog.Open(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	now := time.Now()
	accountID, err := store.CreateAccount(ctx, &catalog.Account{
		Provider: catalog.ProviderGoogleDrive, Email: "a@example.com", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	rootID, err := store.CreateSyncRoot(ctx, &catalog.SyncRoot{
		AccountID: accountID, ProviderRootID: "root", Name: "root", IsEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	backupRoot := filepath.Join(t.TempDir(), "data")
	blobs := blobstore.New(backupRoot, "google_drive", accountID, testLogger())
	require.NoError(t, blobs.EnsureDirectories())

	return &testFixture{store: store, blobs: blobs, backupRoot: backupRoot, accountID: accountID, rootID: rootID}
}

func (f *testFixture) newGC(dryRun bool) *GarbageCollector {
	return New(Config{
		Catalog: f.store, BackupRoot: f.backupRoot, Logger: testLogger(),
		DryRun: dryRun, DefaultKeepLastN: 2, DefaultKeepDays: 30,
	})
}

// writeBlob stores content and registers a catalog BackupBlob row for it.
func (f *testFixture) writeBlob(t *testing.T, ctx context.Context, content []byte) string {
	t.Helper()

	digest, size, err := f.blobs.WriteBlob(ctx, strings.NewReader(string(content)), "")
	require.NoError(t, err)

	err = f.store.UpsertBlob(ctx, &catalog.BackupBlob{Digest: digest, AccountID: f.accountID, SizeBytes: size, CreatedAt: time.Now()})
	require.NoError(t, err)

	return digest
}

func (f *testFixture) createItem(t *testing.T, ctx context.Context, providerItemID, path string, state catalog.ItemState, stateChangedAt time.Time) int64 {
	t.Helper()

	now := time.Now()
	itemID, err := f.store.CreateItem(ctx, &catalog.BackupItem{
		SyncRootID: f.rootID, ProviderItemID: providerItemID, Name: filepath.Base(path), Path: path,
		ItemType: catalog.ItemTypeFile, MimeType: "text/plain", ETag: "e1",
		State: state, StateChangedAt: stateChangedAt, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	return itemID
}

func (f *testFixture) createVersion(t *testing.T, ctx context.Context, itemID int64, digest string, capturedAt time.Time, reason catalog.VersionReason) int64 {
	t.Helper()

	versionID, err := f.store.CreateVersion(ctx, &catalog.FileVersion{
		AccountID: f.accountID, BackupItemID: itemID, BlobDigest: digest,
		ObservedPath: "x", CapturedAt: capturedAt, Reason: reason,
	})
	require.NoError(t, err)

	return versionID
}

func TestPurgeOldVersionsBeyondKeepLastN(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	itemID := f.createItem(t, ctx, "A", "a.txt", catalog.StateActive, time.Now())

	old := time.Now().Add(-60 * 24 * time.Hour)

	digest1 := f.writeBlob(t, ctx, []byte("version one"))
	digest2 := f.writeBlob(t, ctx, []byte("version two"))
	digest3 := f.writeBlob(t, ctx, []byte("version three"))

	f.createVersion(t, ctx, itemID, digest1, old.Add(-2*time.Hour), catalog.ReasonUpdate)
	f.createVersion(t, ctx, itemID, digest2, old.Add(-1*time.Hour), catalog.ReasonUpdate)
	f.createVersion(t, ctx, itemID, digest3, time.Now(), catalog.ReasonUpdate)

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 1, result.VersionsPurged)

	versions, err := f.store.ListVersionsForItem(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestPurgeOldVersionsDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	itemID := f.createItem(t, ctx, "A", "a.txt", catalog.StateActive, time.Now())
	old := time.Now().Add(-60 * 24 * time.Hour)

	digest1 := f.writeBlob(t, ctx, []byte("version one"))
	digest2 := f.writeBlob(t, ctx, []byte("version two"))
	digest3 := f.writeBlob(t, ctx, []byte("version three"))

	f.createVersion(t, ctx, itemID, digest1, old.Add(-2*time.Hour), catalog.ReasonUpdate)
	f.createVersion(t, ctx, itemID, digest2, old.Add(-1*time.Hour), catalog.ReasonUpdate)
	f.createVersion(t, ctx, itemID, digest3, time.Now(), catalog.ReasonUpdate)

	result, err := f.newGC(true).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 1, result.VersionsPurged)

	versions, err := f.store.ListVersionsForItem(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
}

func TestOrphanedBlobReclamation(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	digest := f.writeBlob(t, ctx, []byte("nobody references me"))

	exists, err := f.blobs.BlobExists(digest)
	require.NoError(t, err)
	require.True(t, exists)

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 1, result.BlobsDeleted)
	require.EqualValues(t, len("nobody references me"), result.BytesFreed)

	exists, err = f.blobs.BlobExists(digest)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = f.store.GetBlob(ctx, digest)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestReferencedBlobSurvivesReclamation(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	itemID := f.createItem(t, ctx, "A", "a.txt", catalog.StateActive, time.Now())
	digest := f.writeBlob(t, ctx, []byte("kept"))
	f.createVersion(t, ctx, itemID, digest, time.Now(), catalog.ReasonUpdate)

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 0, result.BlobsDeleted)

	exists, err := f.blobs.BlobExists(digest)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestQuarantineExpiryPurgesAndRemovesArchive(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	oldChange := time.Now().Add(-60 * 24 * time.Hour)
	itemID := f.createItem(t, ctx, "B", "b.txt", catalog.StateQuarantined, oldChange)

	archivePath := filepath.Join(f.backupRoot, "google_drive", fmt.Sprintf("%d", f.accountID), "archive", "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(archivePath), 0o755))
	require.NoError(t, os.WriteFile(archivePath, []byte("quarantined content"), 0o644))

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 1, result.QuarantinePurged)

	item, err := f.store.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatePurged, item.State)

	_, err = os.Stat(archivePath)
	require.True(t, os.IsNotExist(err))
}

func TestQuarantineNotYetExpiredIsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	itemID := f.createItem(t, ctx, "B", "b.txt", catalog.StateQuarantined, time.Now())

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 0, result.QuarantinePurged)

	item, err := f.store.GetItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, catalog.StateQuarantined, item.State)
}

func TestStorageQuotaEvictionKeepsLatestVersion(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	now := time.Now()
	_, err := f.store.CreateRetentionPolicy(ctx, &catalog.RetentionPolicy{
		AccountID: &f.accountID, KeepLastN: 10, KeepDays: 3650,
		MaxStorageBytes: int64Ptr(15), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	itemID := f.createItem(t, ctx, "A", "a.txt", catalog.StateActive, now)

	oldDigest := f.writeBlob(t, ctx, []byte("0123456789")) // 10 bytes
	newDigest := f.writeBlob(t, ctx, []byte("9876543210")) // 10 bytes

	f.createVersion(t, ctx, itemID, oldDigest, now.Add(-time.Hour), catalog.ReasonUpdate)
	f.createVersion(t, ctx, itemID, newDigest, now, catalog.ReasonUpdate)

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 1, result.VersionsPurged)
	require.EqualValues(t, 10, result.BytesEvictedForQuota)

	versions, err := f.store.ListVersionsForItem(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, newDigest, versions[0].BlobDigest)
}

func TestStorageQuotaUnderLimitIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	now := time.Now()
	_, err := f.store.CreateRetentionPolicy(ctx, &catalog.RetentionPolicy{
		AccountID: &f.accountID, KeepLastN: 10, KeepDays: 3650,
		MaxStorageBytes: int64Ptr(1_000_000), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	itemID := f.createItem(t, ctx, "A", "a.txt", catalog.StateActive, now)
	digest := f.writeBlob(t, ctx, []byte("tiny"))
	f.createVersion(t, ctx, itemID, digest, now, catalog.ReasonUpdate)

	result, err := f.newGC(false).Run(ctx, &f.accountID)
	require.NoError(t, err)
	require.Equal(t, 0, result.VersionsPurged)
	require.EqualValues(t, 0, result.BytesEvictedForQuota)
}

func int64Ptr(n int64) *int64 { return &n }
