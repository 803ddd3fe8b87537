package gc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

// deleteOrphanedBlobs implements spec §4.4 Phase 2: reclaim every
// BackupBlob an account owns that no FileVersion references anymore.
// Grounded on gc.py's _delete_orphaned_blobs — the on-disk file is
// removed before the catalog row, so a crash between the two leaves a
// dangling row (caught by the next run) rather than a dangling file.
func (g *GarbageCollector) deleteOrphanedBlobs(ctx context.Context, account *catalog.Account, result *Result) error {
	orphans, err := g.catalog.ListOrphanBlobs(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("gc: listing orphan blobs for account %d: %w", account.ID, err)
	}

	if len(orphans) == 0 {
		return nil
	}

	var totalBytes int64
	for _, b := range orphans {
		totalBytes += b.SizeBytes
	}

	if g.dryRun {
		g.logger.Info("dry run: would delete orphaned blobs",
			slog.Int64("account_id", account.ID), slog.Int("count", len(orphans)), slog.Int64("bytes", totalBytes))
		result.BlobsDeleted += len(orphans)
		result.BytesFreed += totalBytes

		return nil
	}

	blobs := g.blobStoreFor(account)

	for _, b := range orphans {
		existed, err := blobs.DeleteBlob(b.Digest)
		if err != nil {
			g.logger.Warn("failed to delete blob from disk", slog.String("digest", b.Digest), slog.String("error", err.Error()))
			continue
		}

		if err := g.catalog.DeleteBlobRow(ctx, b.Digest); err != nil {
			return fmt.Errorf("gc: deleting blob row %s: %w", b.Digest, err)
		}

		result.BlobsDeleted++

		if existed {
			result.BytesFreed += b.SizeBytes
		}
	}

	return nil
}
