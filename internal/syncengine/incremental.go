package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahosio/cloudbackup/internal/catalog"
	"github.com/ahosio/cloudbackup/internal/provider"
)

// runIncrementalSync implements spec §4.3 "Incremental sync": stream
// changes from the persisted syncCursor, process additions/updates/
// deletions, then run the deletion-state sweep once the stream drains.
func (e *Engine) runIncrementalSync(ctx context.Context, rc *runContext) (string, error) {
	var batchErr error

	finalToken, err := e.client.IterAllChanges(ctx, rc.root.SyncCursor, func(batch provider.ChangeBatch) bool {
		if err := e.processChangeBatch(ctx, rc, batch.Changes); err != nil {
			batchErr = err
			return false
		}

		if err := e.checkpoint(ctx, rc, batch); err != nil {
			batchErr = err
			return false
		}

		return true
	})
	if err != nil {
		return "", fmt.Errorf("syncengine: enumerating incremental changes: %w", err)
	}

	if batchErr != nil {
		return "", batchErr
	}

	if err := e.runDeletionSweep(ctx, rc); err != nil {
		return "", err
	}

	if finalToken == "" {
		finalToken = rc.root.SyncCursor
	}

	return finalToken, nil
}

// runDeletionSweep implements the two-strike deletion-state machine
// (spec §4.3 "Deletion-state sweep"): every ACTIVE/MISSING_UPSTREAM item
// not seen in the sync that just started gets its missing-count bumped,
// and is quarantined once that count reaches 2.
func (e *Engine) runDeletionSweep(ctx context.Context, rc *runContext) error {
	stale, err := e.catalog.ListStaleItems(ctx, rc.root.ID, rc.syncStart.UnixNano())
	if err != nil {
		return fmt.Errorf("syncengine: listing stale items for root %d: %w", rc.root.ID, err)
	}

	for _, item := range stale {
		if err := e.sweepOne(ctx, rc, item); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) sweepOne(ctx context.Context, rc *runContext, item *catalog.BackupItem) error {
	return e.catalog.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now()
		missingCount := item.MissingSinceSyncCount + 1

		if missingCount < 2 {
			if err := e.catalog.UpdateItemState(ctx, item.ID, catalog.StateMissingUpstream, missingCount, now.UnixNano()); err != nil {
				return fmt.Errorf("syncengine: marking item %d missing: %w", item.ID, err)
			}

			return nil
		}

		if item.ItemType == catalog.ItemTypeFile {
			if err := e.createPreDeleteTombstone(ctx, rc, item, now); err != nil {
				return err
			}

			if _, err := e.blobs.MoveToArchive(item.Path); err != nil {
				e.logger.Warn("syncengine: archiving quarantined item failed",
					slog.Int64("item_id", item.ID), slog.String("path", item.Path), slog.Any("error", err))
			}
		}

		if err := e.catalog.UpdateItemState(ctx, item.ID, catalog.StateQuarantined, missingCount, now.UnixNano()); err != nil {
			return fmt.Errorf("syncengine: quarantining item %d: %w", item.ID, err)
		}

		rc.counters.filesQuarantined++
		e.recordEvent(ctx, rc.sessionID, catalog.EventFileQuarantined, &item.ID, "", item.Path, "two-strike quarantine")

		return nil
	})
}

// createPreDeleteTombstone appends a PRE_DELETE FileVersion referencing
// the item's latest existing blob, if it has any version at all. Items
// with no prior version (e.g. a folder, or a file never successfully
// downloaded) have nothing to tombstone.
func (e *Engine) createPreDeleteTombstone(ctx context.Context, rc *runContext, item *catalog.BackupItem, now time.Time) error {
	latest, err := e.catalog.LatestVersionForItem(ctx, item.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("syncengine: loading latest version for item %d: %w", item.ID, err)
	}

	_, err = e.catalog.CreateVersion(ctx, &catalog.FileVersion{
		AccountID:    rc.account.ID,
		BackupItemID: item.ID,
		BlobDigest:   latest.BlobDigest,
		ObservedPath: item.Path,
		CapturedAt:   now,
		Reason:       catalog.ReasonPreDelete,
	})
	if err != nil {
		return fmt.Errorf("syncengine: creating pre-delete tombstone for item %d: %w", item.ID, err)
	}

	return nil
}
