package syncengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
	"github.com/ahosio/cloudbackup/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a minimal in-memory provider.Client double driven by a
// page-token-keyed script of ChangeBatches, used to exercise the engine
// against the literal scenarios in spec §8 without a real HTTP backend.
type fakeClient struct {
	startToken string
	pages      map[string]provider.ChangeBatch
	files      map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{pages: make(map[string]provider.ChangeBatch), files: make(map[string][]byte)}
}

func (f *fakeClient) RefreshTokensIfNeeded(context.Context) (bool, error) { return false, nil }

func (f *fakeClient) GetStartPageToken(context.Context) (string, error) { return f.startToken, nil }

func (f *fakeClient) ListChanges(_ context.Context, pageToken string, _ int) (provider.ChangeBatch, error) {
	batch, ok := f.pages[pageToken]
	if !ok {
		return provider.ChangeBatch{}, fmt.Errorf("fakeClient: no page for token %q", pageToken)
	}

	return batch, nil
}

func (f *fakeClient) IterAllChanges(ctx context.Context, startToken string, yield func(provider.ChangeBatch) bool) (string, error) {
	token := startToken

	for {
		batch, err := f.ListChanges(ctx, token, 0)
		if err != nil {
			return "", err
		}

		if !yield(batch) {
			return token, nil
		}

		if batch.NewStartPageToken != "" {
			return batch.NewStartPageToken, nil
		}

		token = batch.NextPageToken
	}
}

func (f *fakeClient) GetFileMetadata(_ context.Context, fileID string) (provider.File, error) {
	return provider.File{}, fmt.Errorf("fakeClient: GetFileMetadata not implemented for %s", fileID)
}

func (f *fakeClient) DownloadToStream(_ context.Context, fileID string, w io.Writer) (int64, error) {
	data, ok := f.files[fileID]
	if !ok {
		return 0, provider.ErrNotDownloadable
	}

	n, err := w.Write(data)

	return int64(n), err
}

func timePtr(t time.Time) *time.Time { return &t }

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return blobstore.Digest(fmt.Sprintf("%x", sum[:]))
}

func newTestEngine(t *testing.T, client provider.Client) (*Engine, *catalog.Store, *blobstore.Store, int64, int64) {
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

	blobs := blobstore.New(filepath.Join(t.TempDir(), "data"), "google_drive", accountID, testLogger())
	require.NoError(t, blobs.EnsureDirectories())

	engine := NewEngine(EngineConfig{
		Catalog: store, Blobs: blobs, Client: client, Logger: testLogger(),
		MaxConcurrentDownloads: 2,
	})

	return engine, store, blobs, accountID, rootID
}

func TestInitialSyncFolderAndFile(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "final"

	modTime := timePtr(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	size := int64(12)
	content := []byte("hello world\n")
	client.files["A"] = content

	client.pages["1"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "F", File: &provider.File{ID: "F", Name: "Docs", MimeType: provider.FolderMimeType}},
			{FileID: "A", File: &provider.File{
				ID: "A", Name: "r.pdf", MimeType: "application/pdf", Size: &size,
				ModifiedTime: modTime, ETag: "e1", Parents: []string{"F"},
			}},
		},
		NewStartPageToken: "final",
	}

	engine, store, blobs, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, catalog.SessionCompleted, result.Status)
	require.Equal(t, 2, result.Counters.FilesAdded)
	require.EqualValues(t, 12, result.Counters.BytesDownloaded)

	items, err := store.ListItemsForSyncRoot(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var fileItem *catalog.BackupItem
	for _, it := range items {
		if it.ProviderItemID == "A" {
			fileItem = it
		}
	}
	require.NotNil(t, fileItem)
	require.Equal(t, "Docs/r.pdf", fileItem.Path)

	expectedDigest := digestOf(content)
	require.Equal(t, "sha256:d9014c4624844aa5bac314773d6b689ad467fa4e1d1a50a1b8a99d5a95f72ff5", expectedDigest)

	versions, err := store.ListVersionsForItem(ctx, fileItem.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, catalog.ReasonUpdate, versions[0].Reason)
	require.Equal(t, expectedDigest, versions[0].BlobDigest)

	data, err := os.ReadFile(blobs.CurrentPath("Docs/r.pdf"))
	require.NoError(t, err)
	require.Equal(t, content, data)

	gotRoot, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	require.Equal(t, "final", gotRoot.SyncCursor)
}

func TestIncrementalFileEdited(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "cursor0"

	oldContent := []byte("hello world\n")
	client.files["A"] = oldContent
	client.pages["1"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "A", File: &provider.File{ID: "A", Name: "r.pdf", MimeType: "application/pdf", ETag: "e1"}},
		},
		NewStartPageToken: "cursor0",
	}

	engine, store, blobs, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	newContent := []byte("hello world!!!")
	client.files["A"] = newContent
	modTime := timePtr(time.Now())
	size := int64(len(newContent))

	client.pages["cursor0"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "A", File: &provider.File{
				ID: "A", Name: "r.pdf", MimeType: "application/pdf", Size: &size,
				ModifiedTime: modTime, ETag: "e2",
			}},
		},
		NewStartPageToken: "cursor1",
	}

	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.FilesUpdated)

	item, err := store.GetItemByProviderID(ctx, rootID, "A")
	require.NoError(t, err)
	require.Equal(t, "e2", item.ETag)

	versions, err := store.ListVersionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	data, err := os.ReadFile(blobs.CurrentPath(item.Path))
	require.NoError(t, err)
	require.Equal(t, newContent, data)
}

func TestTwoStrikeDeletionAndReappearance(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "cursor0"

	content := []byte("payload")
	client.files["B"] = content
	client.pages["1"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "B", File: &provider.File{ID: "B", Name: "b.txt", MimeType: "text/plain", ETag: "e1"}},
		},
		NewStartPageToken: "cursor0",
	}

	engine, store, blobs, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	// Sync 1: B absent -> MISSING_UPSTREAM, count=1.
	client.pages["cursor0"] = provider.ChangeBatch{NewStartPageToken: "cursor1"}
	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	item, err := store.GetItemByProviderID(ctx, rootID, "B")
	require.NoError(t, err)
	require.Equal(t, catalog.StateMissingUpstream, item.State)
	require.Equal(t, 1, item.MissingSinceSyncCount)

	// Sync 2: still absent -> QUARANTINED, count=2, archived.
	client.pages["cursor1"] = provider.ChangeBatch{NewStartPageToken: "cursor2"}
	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.FilesQuarantined)

	item, err = store.GetItemByProviderID(ctx, rootID, "B")
	require.NoError(t, err)
	require.Equal(t, catalog.StateQuarantined, item.State)
	require.Equal(t, 2, item.MissingSinceSyncCount)

	versions, err := store.ListVersionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.ReasonPreDelete, versions[0].Reason)

	_, err = os.Stat(blobs.CurrentPath(item.Path))
	require.True(t, os.IsNotExist(err))

	// Sync 3: B reappears -> ACTIVE, count reset to 0.
	client.pages["cursor2"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "B", File: &provider.File{ID: "B", Name: "b.txt", MimeType: "text/plain", ETag: "e1"}},
		},
		NewStartPageToken: "cursor3",
	}
	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	item, err = store.GetItemByProviderID(ctx, rootID, "B")
	require.NoError(t, err)
	require.Equal(t, catalog.StateActive, item.State)
	require.Equal(t, 0, item.MissingSinceSyncCount)
}

func TestExplicitDeletion(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "cursor0"

	content := []byte("c-content")
	client.files["C"] = content
	client.pages["1"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "C", File: &provider.File{ID: "C", Name: "c.txt", MimeType: "text/plain", ETag: "e1"}},
		},
		NewStartPageToken: "cursor0",
	}

	engine, store, blobs, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	item, err := store.GetItemByProviderID(ctx, rootID, "C")
	require.NoError(t, err)
	currentPath := blobs.CurrentPath(item.Path)
	_, err = os.Stat(currentPath)
	require.NoError(t, err)

	client.pages["cursor0"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "C", Removed: true},
		},
		NewStartPageToken: "cursor1",
	}
	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.FilesDeleted)

	item, err = store.GetItemByProviderID(ctx, rootID, "C")
	require.NoError(t, err)
	require.Equal(t, catalog.StateDeletedUpstream, item.State)

	versions, err := store.ListVersionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.ReasonPreDelete, versions[0].Reason)

	_, err = os.Stat(currentPath)
	require.True(t, os.IsNotExist(err))
}

// TestIdempotentReplayDoesNotCountAsUpdate covers a change re-observed
// with no content change (same ETag and modifiedTime): content_changed
// is false, so no FileVersion, no FILE_UPDATED event, and no
// FilesUpdated increment should occur — only a metadata-only replay.
func TestIdempotentReplayDoesNotCountAsUpdate(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "cursor0"

	content := []byte("unchanged")
	client.files["D"] = content
	modTime := timePtr(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	change := provider.Change{FileID: "D", File: &provider.File{
		ID: "D", Name: "d.txt", MimeType: "text/plain", ETag: "e1", ModifiedTime: modTime,
	}}

	client.pages["1"] = provider.ChangeBatch{Changes: []provider.Change{change}, NewStartPageToken: "cursor0"}

	engine, store, _, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	_, err = engine.Run(ctx, account, root)
	require.NoError(t, err)

	item, err := store.GetItemByProviderID(ctx, rootID, "D")
	require.NoError(t, err)

	versionsBefore, err := store.ListVersionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versionsBefore, 1)

	// Same change, same ETag/modifiedTime, replayed on the next page.
	client.pages["cursor0"] = provider.ChangeBatch{Changes: []provider.Change{change}, NewStartPageToken: "cursor1"}
	root, err = store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, 0, result.Counters.FilesUpdated)

	versionsAfter, err := store.ListVersionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versionsAfter, 1)

	events, err := store.ListEventsForSession(ctx, result.SessionID)
	require.NoError(t, err)

	for _, e := range events {
		require.NotEqual(t, catalog.EventFileUpdated, e.EventType)
	}
}

// TestChangeWithNoFileMetadataIsSkipped covers spec §6's optional "file"
// field: a change with removed=false and no file metadata must be
// skipped, not misclassified as a file and dereferenced.
func TestChangeWithNoFileMetadataIsSkipped(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "final"

	client.pages["1"] = provider.ChangeBatch{
		Changes:           []provider.Change{{FileID: "ghost", Removed: false, File: nil}},
		NewStartPageToken: "final",
	}

	engine, store, _, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, catalog.SessionCompleted, result.Status)
	require.Equal(t, 0, result.Counters.FilesAdded)

	items, err := store.ListItemsForSyncRoot(ctx, rootID)
	require.NoError(t, err)
	require.Empty(t, items)
}

// TestCursorWithoutCompletedSyncReplaysAsInitial covers the crash window
// between a SyncRoot's syncCursor being set and last_sync_at being
// committed: a root with a cursor but no recorded last sync must still
// run the initial-sync path, not incremental.
func TestCursorWithoutCompletedSyncReplaysAsInitial(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.startToken = "final"

	size := int64(3)
	client.files["E"] = []byte("abc")
	client.pages["1"] = provider.ChangeBatch{
		Changes: []provider.Change{
			{FileID: "E", File: &provider.File{ID: "E", Name: "e.txt", MimeType: "text/plain", Size: &size, ETag: "e1"}},
		},
		NewStartPageToken: "final",
	}

	engine, store, _, accountID, rootID := newTestEngine(t, client)

	account, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)

	root, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	root.SyncCursor = "stale-cursor-from-crashed-run"
	require.Nil(t, root.LastSyncAt)

	result, err := engine.Run(ctx, account, root)
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.FilesAdded)

	gotRoot, err := store.GetSyncRoot(ctx, rootID)
	require.NoError(t, err)
	require.Equal(t, "final", gotRoot.SyncCursor)
	require.NotNil(t, gotRoot.LastSyncAt)
}
