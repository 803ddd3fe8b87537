package syncengine

import (
	"context"
	"fmt"

	"github.com/ahosio/cloudbackup/internal/provider"
)

// runInitialSync implements spec §4.3 "Initial sync": enumerate every
// change from page token "1" up to the provider's current start page
// token, drop removed events (the initial replication must not fabricate
// deletions for files the system never knew about), and process the
// remainder as additions. The terminal token becomes the new syncCursor.
func (e *Engine) runInitialSync(ctx context.Context, rc *runContext) (string, error) {
	terminal, err := e.client.GetStartPageToken(ctx)
	if err != nil {
		return "", fmt.Errorf("syncengine: fetching start page token: %w", err)
	}

	var batchErr error

	finalToken, err := e.client.IterAllChanges(ctx, "1", func(batch provider.ChangeBatch) bool {
		filtered := make([]provider.Change, 0, len(batch.Changes))

		for _, ch := range batch.Changes {
			if ch.Removed {
				continue
			}

			filtered = append(filtered, ch)
		}

		if err := e.processChangeBatch(ctx, rc, filtered); err != nil {
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
		return "", fmt.Errorf("syncengine: enumerating initial changes: %w", err)
	}

	if batchErr != nil {
		return "", batchErr
	}

	if finalToken == "" {
		finalToken = terminal
	}

	return finalToken, nil
}
