package gc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

// purgeQuarantinedItems implements spec §4.4 Phase 3: items that have
// sat QUARANTINED past the account's keepDays window move to the
// terminal PURGED state, and their archived bytes are removed.
// Grounded on gc.py's _purge_quarantined_items.
func (g *GarbageCollector) purgeQuarantinedItems(ctx context.Context, account *catalog.Account, result *Result) error {
	_, keepDays, _ := g.retentionFor(ctx, account.ID)
	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)

	items, err := g.catalog.ListQuarantinedOlderThan(ctx, account.ID, cutoff.UnixNano())
	if err != nil {
		return fmt.Errorf("gc: listing quarantined items for account %d: %w", account.ID, err)
	}

	if len(items) == 0 {
		return nil
	}

	if g.dryRun {
		g.logger.Info("dry run: would purge quarantined items",
			slog.Int64("account_id", account.ID), slog.Int("count", len(items)))
		result.QuarantinePurged += len(items)

		return nil
	}

	blobs := g.blobStoreFor(account)
	now := time.Now()

	for _, item := range items {
		if _, err := blobs.DeleteArchivedFile(item.Path); err != nil {
			g.logger.Warn("failed to delete archived file", slog.String("path", item.Path), slog.String("error", err.Error()))
		}

		if err := g.catalog.PurgeItem(ctx, item.ID, now.UnixNano()); err != nil {
			return fmt.Errorf("gc: purging item %d: %w", item.ID, err)
		}

		result.QuarantinePurged++
	}

	g.logger.Info("purged quarantined items", slog.Int64("account_id", account.ID), slog.Int("count", len(items)))

	return nil
}
