package gc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

// purgeOldVersions implements spec §4.4 Phase 1: for every BackupItem,
// keep max(keepLastN, versions within keepDays) and delete the rest.
// Grounded on original_source/backup/gc.py's _purge_old_versions: list
// versions newest-first, then for each index i >= keepLastN whose
// CapturedAt predates the cutoff, delete it.
func (g *GarbageCollector) purgeOldVersions(ctx context.Context, account *catalog.Account, result *Result) error {
	keepLastN, keepDays, _ := g.retentionFor(ctx, account.ID)
	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)

	items, err := g.catalog.ListItemsForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("gc: listing items for account %d: %w", account.ID, err)
	}

	processed := 0

	for _, item := range items {
		versions, err := g.catalog.ListVersionsForItem(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("gc: listing versions for item %d: %w", item.ID, err)
		}

		if len(versions) <= keepLastN {
			continue
		}

		var toDelete []*catalog.FileVersion

		for i, v := range versions {
			if i >= keepLastN && v.CapturedAt.Before(cutoff) {
				toDelete = append(toDelete, v)
			}
		}

		if len(toDelete) == 0 {
			continue
		}

		if g.dryRun {
			g.logger.Info("dry run: would purge versions",
				slog.Int64("item_id", item.ID), slog.Int("count", len(toDelete)))
		} else {
			for _, v := range toDelete {
				if err := g.catalog.DeleteVersion(ctx, v.ID); err != nil {
					return fmt.Errorf("gc: deleting version %d: %w", v.ID, err)
				}
			}
		}

		result.VersionsPurged += len(toDelete)

		processed++
		if g.batchSize > 0 && processed%g.batchSize == 0 {
			g.logger.Debug("version purge progress", slog.Int("items_processed", processed))
		}
	}

	return nil
}

// enforceStorageQuota implements the supplemented MaxStorageBytes
// feature: when an account's RetentionPolicy sets a byte ceiling and
// its total blob bytes exceed it, evict the oldest FileVersions —
// across every item, not just one — until the account is back under
// quota or nothing more can be evicted. The newest (latest) version of
// each item is never evicted: that version is what the item's current/
// materialization and active state depend on, and evicting it would
// make Phase 2 reclaim a blob this account still needs.
func (g *GarbageCollector) enforceStorageQuota(ctx context.Context, account *catalog.Account, result *Result) error {
	_, _, maxStorageBytes := g.retentionFor(ctx, account.ID)
	if maxStorageBytes == nil {
		return nil
	}

	totalBytes, err := g.catalog.SumBlobBytesForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("gc: summing blob bytes for account %d: %w", account.ID, err)
	}

	if totalBytes <= *maxStorageBytes {
		return nil
	}

	versions, err := g.catalog.ListVersionsForAccountByAge(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("gc: listing versions for account %d by age: %w", account.ID, err)
	}

	latestByItem := make(map[int64]int64, len(versions))
	for _, v := range versions {
		latestByItem[v.BackupItemID] = v.ID
	}

	blobSizeCache := make(map[string]int64)

	for _, v := range versions {
		if totalBytes <= *maxStorageBytes {
			break
		}

		if latestByItem[v.BackupItemID] == v.ID {
			continue
		}

		size, ok := blobSizeCache[v.BlobDigest]
		if !ok {
			blob, err := g.catalog.GetBlob(ctx, v.BlobDigest)
			if err != nil {
				return fmt.Errorf("gc: loading blob %s: %w", v.BlobDigest, err)
			}

			size = blob.SizeBytes
			blobSizeCache[v.BlobDigest] = size
		}

		if g.dryRun {
			g.logger.Info("dry run: would evict version for quota",
				slog.Int64("account_id", account.ID), slog.Int64("version_id", v.ID), slog.Int64("bytes", size))
		} else if err := g.catalog.DeleteVersion(ctx, v.ID); err != nil {
			return fmt.Errorf("gc: evicting version %d for quota: %w", v.ID, err)
		}

		result.VersionsPurged++
		result.BytesEvictedForQuota += size
		totalBytes -= size
	}

	if totalBytes > *maxStorageBytes {
		g.logger.Warn("account still over storage quota after eviction",
			slog.Int64("account_id", account.ID), slog.Int64("bytes", totalBytes), slog.Int64("max_bytes", *maxStorageBytes))
	}

	return nil
}
