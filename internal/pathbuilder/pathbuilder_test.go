package pathbuilder

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRoot(t *testing.T) (*catalog.Store, int64) {
	t.Helper()

	ctx := context.Background()
	store, err := catalog.Open(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	now := time.Now()
	accID, err := store.CreateAccount(ctx, &catalog.Account{Provider: catalog.ProviderGoogleDrive, Email: "a@example.com", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	rootID, err := store.CreateSyncRoot(ctx, &catalog.SyncRoot{AccountID: accID, ProviderRootID: "root", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	return store, rootID
}

func insertItem(t *testing.T, store *catalog.Store, rootID int64, providerID, path string) {
	t.Helper()

	now := time.Now()
	_, err := store.CreateItem(context.Background(), &catalog.BackupItem{
		SyncRootID: rootID, ProviderItemID: providerID, Name: providerID, Path: path,
		ItemType: catalog.ItemTypeFile, State: catalog.StateActive, StateChangedAt: now,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestBuildPathRootLevel(t *testing.T) {
	store, rootID := setupRoot(t)
	ctx := context.Background()

	b, err := New(ctx, store, rootID, testLogger())
	require.NoError(t, err)

	path, err := b.BuildPath(ctx, "file1", "report.pdf", "", true)
	require.NoError(t, err)
	require.Equal(t, "report.pdf", path)
}

func TestBuildPathWithKnownParent(t *testing.T) {
	store, rootID := setupRoot(t)
	insertItem(t, store, rootID, "folder1", "Documents")
	ctx := context.Background()

	b, err := New(ctx, store, rootID, testLogger())
	require.NoError(t, err)

	path, err := b.BuildPath(ctx, "file1", "report.pdf", "folder1", false)
	require.NoError(t, err)
	require.Equal(t, "Documents/report.pdf", path)
}

func TestBuildPathWithUnknownParentUsesPendingPlaceholder(t *testing.T) {
	store, rootID := setupRoot(t)
	ctx := context.Background()

	b, err := New(ctx, store, rootID, testLogger())
	require.NoError(t, err)

	path, err := b.BuildPath(ctx, "file1", "report.pdf", "missing-folder", false)
	require.NoError(t, err)
	require.Equal(t, "_pending_/missing-folder/report.pdf", path)
}

func TestBuildPathCachesResult(t *testing.T) {
	store, rootID := setupRoot(t)
	ctx := context.Background()

	b, err := New(ctx, store, rootID, testLogger())
	require.NoError(t, err)

	first, err := b.BuildPath(ctx, "file1", "report.pdf", "", true)
	require.NoError(t, err)

	// Even if the name would produce a different sanitized result, the
	// cache short-circuits BuildPath for a provider ID already resolved.
	second, err := b.BuildPath(ctx, "file1", "renamed.pdf", "", true)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestBuildPathResolvesConflictWithCounterSuffix(t *testing.T) {
	store, rootID := setupRoot(t)
	insertItem(t, store, rootID, "existing", "report.pdf")
	ctx := context.Background()

	b, err := New(ctx, store, rootID, testLogger())
	require.NoError(t, err)

	path, err := b.BuildPath(ctx, "file2", "report.pdf", "", true)
	require.NoError(t, err)
	require.Equal(t, "report (1).pdf", path)
}

func TestSanitizeNameReplacesInvalidCharsAndTrims(t *testing.T) {
	require.Equal(t, "a_b_c", sanitizeName("a<b>c"))
	require.Equal(t, "unnamed", sanitizeName("   . "))
	require.Equal(t, "file", sanitizeName(" file. "))
}

func TestSanitizeNameTruncatesPreservingExtension(t *testing.T) {
	longName := ""
	for i := 0; i < 300; i++ {
		longName += "x"
	}
	longName += ".txt"

	got := sanitizeName(longName)
	require.LessOrEqual(t, len(got), maxNameLength)
	require.Regexp(t, `\.txt$`, got)
}

func TestWithCounterSuffixPreservesDirectoryPrefix(t *testing.T) {
	require.Equal(t, "Documents/report (2).pdf", withCounterSuffix("Documents/report.pdf", 2))
	require.Equal(t, "Documents/untitled (1)", withCounterSuffix("Documents/untitled", 1))
}
