package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
	"github.com/ahosio/cloudbackup/internal/provider"
)

// downloadResult is the outcome of prefetching one file's content.
type downloadResult struct {
	digest string
	size   int64
	err    error
}

// processChangeBatch processes one page of changes. Per spec §5
// ("Implementations may issue concurrent downloads across files within
// one sync only if per-change transactional order is preserved by a
// single committer"), file downloads for the whole batch are prefetched
// concurrently (bounded by Engine.maxConcurrentDownloads), then every
// change is committed sequentially, in order, each inside its own
// transaction (spec §4.3 "Per-change transaction"). A per-change error
// (Download/Storage/DigestMismatch) is caught, logged as a SyncEvent,
// and the batch continues; any other error aborts the whole sync.
func (e *Engine) processChangeBatch(ctx context.Context, rc *runContext, changes []provider.Change) error {
	downloads, err := e.prefetchDownloads(ctx, rc, changes)
	if err != nil {
		return err
	}

	for i := range changes {
		change := changes[i]

		err := e.catalog.WithTx(ctx, func(ctx context.Context) error {
			return e.processChange(ctx, rc, change, downloads)
		})
		if err == nil {
			continue
		}

		if isPerChangeError(err) {
			e.logger.Warn("syncengine: per-change failure",
				slog.String("provider_file_id", change.FileID), slog.Any("error", err))
			e.recordEvent(ctx, rc.sessionID, catalog.EventError, nil, change.FileID, "", err.Error())

			continue
		}

		return err
	}

	return nil
}

// prefetchDownloads determines which file changes in this batch have
// changed content and downloads them concurrently, bounded by
// Engine.maxConcurrentDownloads. The commit phase that follows reads
// results out of the returned map rather than downloading inline.
func (e *Engine) prefetchDownloads(ctx context.Context, rc *runContext, changes []provider.Change) (map[string]downloadResult, error) {
	results := make(map[string]downloadResult)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	limit := e.maxConcurrentDownloads
	if limit <= 0 {
		limit = 1
	}

	g.SetLimit(limit)

	for i := range changes {
		change := changes[i]
		if classify(change) != kindFile {
			continue
		}

		changed, err := e.contentChanged(ctx, rc, change.File)
		if err != nil {
			return nil, err
		}

		if !changed {
			continue
		}

		fileID := change.File.ID

		g.Go(func() error {
			digest, size, derr := e.downloadAndStore(gctx, fileID)

			mu.Lock()
			results[fileID] = downloadResult{digest: digest, size: size, err: derr}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("syncengine: prefetching downloads: %w", err)
	}

	return results, nil
}

// contentChanged implements spec §4.3 step 2: "new OR etag differs OR
// providerModifiedAt differs".
func (e *Engine) contentChanged(ctx context.Context, rc *runContext, f *provider.File) (bool, error) {
	existing, err := e.catalog.GetItemByProviderID(ctx, rc.root.ID, f.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("syncengine: looking up item %s: %w", f.ID, err)
	}

	return existing.ETag != f.ETag || !timeEqual(existing.ProviderModifiedAt, f.ModifiedTime), nil
}

func (e *Engine) processChange(ctx context.Context, rc *runContext, change provider.Change, downloads map[string]downloadResult) error {
	switch classify(change) {
	case kindDeletion:
		return e.processDeletion(ctx, rc, change)
	case kindFolder:
		return e.processFolder(ctx, rc, change)
	case kindFile:
		dl, contentChanged := downloads[change.File.ID]
		return e.processFileAddOrUpdate(ctx, rc, change, dl, contentChanged)
	default:
		e.logger.Warn("syncengine: change has removed=false and no file metadata, skipping",
			slog.String("provider_file_id", change.FileID))
		return nil
	}
}

// processFolder implements the "folder operation" branch of spec §4.3's
// change classification: upsert the BackupItem and mkdir in current/,
// never downloading content.
func (e *Engine) processFolder(ctx context.Context, rc *runContext, change provider.Change) error {
	f := change.File
	now := time.Now()

	parentID, isRootLevel := resolveParent(f, rc.root.ProviderRootID)

	path, err := rc.pb.BuildPath(ctx, f.ID, f.Name, parentID, isRootLevel)
	if err != nil {
		return fmt.Errorf("syncengine: building path for folder %s: %w", f.ID, err)
	}

	existing, lookupErr := e.catalog.GetItemByProviderID(ctx, rc.root.ID, f.ID)

	switch {
	case errors.Is(lookupErr, catalog.ErrNotFound):
		itemID, err := e.catalog.CreateItem(ctx, &catalog.BackupItem{
			SyncRootID:         rc.root.ID,
			ProviderItemID:     f.ID,
			Name:               f.Name,
			Path:               path,
			ItemType:           catalog.ItemTypeFolder,
			MimeType:           f.MimeType,
			ProviderModifiedAt: f.ModifiedTime,
			ETag:               f.ETag,
			State:              catalog.StateActive,
			StateChangedAt:     now,
			LastSeenAt:         &rc.syncStart,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}

		if err := e.blobs.EnsureCurrentDir(path); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}

		rc.counters.filesAdded++
		e.recordEvent(ctx, rc.sessionID, catalog.EventFileAdded, &itemID, f.ID, path, "folder created")

		return nil

	case lookupErr != nil:
		return fmt.Errorf("syncengine: looking up folder %s: %w", f.ID, lookupErr)
	}

	existing.Name = f.Name
	existing.Path = path
	existing.MimeType = f.MimeType
	existing.ProviderModifiedAt = f.ModifiedTime
	existing.ETag = f.ETag
	existing.LastSeenAt = &rc.syncStart
	existing.UpdatedAt = now

	if existing.State != catalog.StateActive {
		existing.State = catalog.StateActive
		existing.StateChangedAt = now
		existing.MissingSinceSyncCount = 0
	}

	if err := e.catalog.UpdateItem(ctx, existing); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := e.blobs.EnsureCurrentDir(path); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rc.counters.filesUpdated++
	e.recordEvent(ctx, rc.sessionID, catalog.EventFileUpdated, &existing.ID, f.ID, path, "folder updated")

	return nil
}

// processFileAddOrUpdate implements spec §4.3's "Add/update of a file".
// dl is the prefetched download result for this file; contentChanged
// reports whether prefetchDownloads determined this file's content
// changed at all (true even when dl.err is ErrNotDownloadable — a
// content change to a non-downloadable file still counts as an update,
// mirroring the original engine.py's content_changed gate).
func (e *Engine) processFileAddOrUpdate(ctx context.Context, rc *runContext, change provider.Change, dl downloadResult, contentChanged bool) error {
	f := change.File
	now := time.Now()

	existing, lookupErr := e.catalog.GetItemByProviderID(ctx, rc.root.ID, f.ID)
	isNew := errors.Is(lookupErr, catalog.ErrNotFound)

	if lookupErr != nil && !isNew {
		return fmt.Errorf("syncengine: looking up item %s: %w", f.ID, lookupErr)
	}

	parentID, isRootLevel := resolveParent(f, rc.root.ProviderRootID)
	name := resolvedFileName(f)

	path, err := rc.pb.BuildPath(ctx, f.ID, name, parentID, isRootLevel)
	if err != nil {
		return fmt.Errorf("syncengine: building path for %s: %w", f.ID, err)
	}

	digest, bytesWritten := dl.digest, dl.size

	switch {
	case errors.Is(dl.err, provider.ErrNotDownloadable):
		e.logger.Debug("syncengine: file not downloadable, keeping metadata-only", slog.String("provider_file_id", f.ID))
	case dl.err != nil:
		return dl.err
	}

	var itemID int64

	var eventType catalog.EventType

	if isNew {
		itemID, err = e.catalog.CreateItem(ctx, &catalog.BackupItem{
			SyncRootID:         rc.root.ID,
			ProviderItemID:     f.ID,
			Name:               name,
			Path:               path,
			ItemType:           catalog.ItemTypeFile,
			MimeType:           f.MimeType,
			SizeBytes:          f.Size,
			ProviderModifiedAt: f.ModifiedTime,
			ETag:               f.ETag,
			State:              catalog.StateActive,
			StateChangedAt:     now,
			LastSeenAt:         &rc.syncStart,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}

		rc.counters.filesAdded++
		eventType = catalog.EventFileAdded
	} else {
		existing.Name = name
		existing.Path = path
		existing.MimeType = f.MimeType
		existing.SizeBytes = f.Size
		existing.ProviderModifiedAt = f.ModifiedTime
		existing.ETag = f.ETag
		existing.LastSeenAt = &rc.syncStart
		existing.UpdatedAt = now

		if existing.State != catalog.StateActive {
			existing.State = catalog.StateActive
			existing.StateChangedAt = now
			existing.MissingSinceSyncCount = 0
		}

		if err := e.catalog.UpdateItem(ctx, existing); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}

		itemID = existing.ID

		if contentChanged {
			rc.counters.filesUpdated++
			eventType = catalog.EventFileUpdated
		}
	}

	if digest != "" {
		if err := e.recordNewContent(ctx, rc, itemID, f, path, digest, bytesWritten, now); err != nil {
			return err
		}
	}

	if eventType != "" {
		e.recordEvent(ctx, rc.sessionID, eventType, &itemID, f.ID, path, "")
	}

	return nil
}

// recordNewContent upserts the blob row, creates a FileVersion (unless
// the digest matches the item's latest version — spec §5 idempotence),
// and materializes the bytes into current/.
func (e *Engine) recordNewContent(ctx context.Context, rc *runContext, itemID int64, f *provider.File, path, digest string, size int64, now time.Time) error {
	if err := e.catalog.UpsertBlob(ctx, &catalog.BackupBlob{
		Digest:    digest,
		AccountID: rc.account.ID,
		SizeBytes: size,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	shouldCreateVersion := true

	latest, err := e.catalog.LatestVersionForItem(ctx, itemID)

	switch {
	case errors.Is(err, catalog.ErrNotFound):
		// No prior version; always capture the first one.
	case err != nil:
		return fmt.Errorf("syncengine: loading latest version for item %d: %w", itemID, err)
	default:
		shouldCreateVersion = latest.BlobDigest != digest
	}

	if shouldCreateVersion {
		if _, err := e.catalog.CreateVersion(ctx, &catalog.FileVersion{
			AccountID:         rc.account.ID,
			BackupItemID:      itemID,
			BlobDigest:        digest,
			ObservedPath:      path,
			ETagOrRevision:    f.ETag,
			ContentModifiedAt: f.ModifiedTime,
			CapturedAt:        now,
			Reason:            catalog.ReasonUpdate,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}

	if _, err := e.blobs.MaterializeToCurrent(digest, path, e.useHardlinks); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rc.counters.bytesDownloaded += size

	return nil
}

// processDeletion implements spec §4.3's explicit deletion handling.
func (e *Engine) processDeletion(ctx context.Context, rc *runContext, change provider.Change) error {
	item, err := e.catalog.GetItemByProviderID(ctx, rc.root.ID, change.FileID)
	if errors.Is(err, catalog.ErrNotFound) {
		// Deletion of an item we never knew about: nothing to do.
		return nil
	}

	if err != nil {
		return fmt.Errorf("syncengine: looking up item %s for deletion: %w", change.FileID, err)
	}

	now := time.Now()

	if item.ItemType == catalog.ItemTypeFile {
		if err := e.createPreDeleteTombstone(ctx, rc, item, now); err != nil {
			return err
		}

		if _, err := e.blobs.MoveToArchive(item.Path); err != nil {
			e.logger.Warn("syncengine: archiving deleted item failed",
				slog.Int64("item_id", item.ID), slog.String("path", item.Path), slog.Any("error", err))
		}
	}

	item.State = catalog.StateDeletedUpstream
	item.StateChangedAt = now
	item.MissingSinceSyncCount = 0
	item.UpdatedAt = now

	if err := e.catalog.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rc.counters.filesDeleted++
	e.recordEvent(ctx, rc.sessionID, catalog.EventFileDeleted, &item.ID, change.FileID, item.Path, "explicit deletion")

	return nil
}

// downloadAndStore streams fileID's content directly from the provider
// into BlobStore.WriteBlob via an in-memory pipe, avoiding buffering the
// whole file. provider.ErrNotDownloadable is returned unwrapped so
// callers can special-case it; any other failure is wrapped into the
// ErrDownload/ErrStorage/ErrDigestMismatch taxonomy (spec §7).
func (e *Engine) downloadAndStore(ctx context.Context, fileID string) (digest string, size int64, err error) {
	pr, pw := io.Pipe()

	downloadDone := make(chan error, 1)

	go func() {
		_, derr := e.client.DownloadToStream(ctx, fileID, pw)
		downloadDone <- derr
		pw.CloseWithError(derr)
	}()

	digest, size, writeErr := e.blobs.WriteBlob(ctx, pr, "")
	pr.Close()

	downloadErr := <-downloadDone

	if downloadErr != nil {
		if errors.Is(downloadErr, provider.ErrNotDownloadable) {
			return "", 0, provider.ErrNotDownloadable
		}

		return "", 0, fmt.Errorf("%w: %w", ErrDownload, downloadErr)
	}

	if writeErr != nil {
		if errors.Is(writeErr, blobstore.ErrDigestMismatch) {
			return "", 0, fmt.Errorf("%w: %w", ErrDigestMismatch, writeErr)
		}

		return "", 0, fmt.Errorf("%w: %w", ErrStorage, writeErr)
	}

	return digest, size, nil
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}
