// Package syncengine orchestrates one sync of one SyncRoot: it drives a
// provider.Client's change stream, writes the results into the catalog
// and blob store, and runs the deletion-state sweep (spec §4.3).
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
	"github.com/ahosio/cloudbackup/internal/pathbuilder"
	"github.com/ahosio/cloudbackup/internal/provider"
)

// EngineConfig holds the dependencies a single Engine needs. An Engine
// is scoped to one account; SyncRoots belonging to that account are
// passed into Run individually.
type EngineConfig struct {
	Catalog                *catalog.Store
	Blobs                  *blobstore.Store
	Client                 provider.Client
	Logger                 *slog.Logger
	MaxConcurrentDownloads int
	UseHardlinks           bool
}

// Engine runs sync sessions for SyncRoots of a single account.
type Engine struct {
	catalog                *catalog.Store
	blobs                  *blobstore.Store
	client                 provider.Client
	logger                 *slog.Logger
	maxConcurrentDownloads int
	useHardlinks           bool
}

// NewEngine builds an Engine from cfg, applying a sane default download
// concurrency if unset.
func NewEngine(cfg EngineConfig) *Engine {
	concurrency := cfg.MaxConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Engine{
		catalog:                cfg.Catalog,
		blobs:                  cfg.Blobs,
		client:                 cfg.Client,
		logger:                 cfg.Logger,
		maxConcurrentDownloads: concurrency,
		useHardlinks:           cfg.UseHardlinks,
	}
}

// counters accumulates the SyncSession counters across a run.
type counters struct {
	filesAdded       int
	filesUpdated     int
	filesDeleted     int
	filesQuarantined int
	bytesDownloaded  int64
}

// runContext bundles the state threaded through one Engine.Run call.
// Grouped into a struct rather than passed positionally since every
// change-processing function needs most of these fields.
type runContext struct {
	account   *catalog.Account
	root      *catalog.SyncRoot
	sessionID int64
	pb        *pathbuilder.Builder
	syncStart time.Time
	counters  *counters
}

// SessionResult reports the outcome of one Engine.Run call.
type SessionResult struct {
	SessionID int64
	Status    catalog.SessionStatus
	Counters  struct {
		FilesAdded       int
		FilesUpdated     int
		FilesDeleted     int
		FilesQuarantined int
		BytesDownloaded  int64
	}
}

// Run executes one sync of root, following the run sequence in spec
// §4.3: refresh tokens, check the account is active, open a session,
// dispatch to initial or incremental sync, then close out the session.
// On any uncaught error the session is marked FAILED and the error is
// returned for the caller's retry policy; the SyncRoot's cursor is left
// untouched so the next run reprocesses the same window.
func (e *Engine) Run(ctx context.Context, account *catalog.Account, root *catalog.SyncRoot) (*SessionResult, error) {
	if _, err := e.client.RefreshTokensIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}

	if !account.IsActive {
		return nil, fmt.Errorf("%w: account %d is inactive", ErrSyncAborted, account.ID)
	}

	syncStart := time.Now()
	// A cursor with no completed sync (crash between CreateSession and
	// CommitSyncCursor on a prior initial run) must still be treated as
	// initial — mirrors the original engine's
	// "is_initial = not sync_cursor or not last_sync_at".
	isInitial := root.SyncCursor == "" || root.LastSyncAt == nil

	sessionID, err := e.catalog.CreateSession(ctx, root.ID, syncStart.UnixNano(), isInitial, root.SyncCursor)
	if err != nil {
		return nil, fmt.Errorf("syncengine: opening session for root %d: %w", root.ID, err)
	}

	e.logger.Info("sync session starting",
		slog.Int64("sync_root_id", root.ID),
		slog.Int64("session_id", sessionID),
		slog.Bool("initial", isInitial),
	)

	pb, err := pathbuilder.New(ctx, e.catalog, root.ID, e.logger)
	if err != nil {
		err = fmt.Errorf("syncengine: building path cache for root %d: %w", root.ID, err)
		if completeErr := e.catalog.CompleteSession(ctx, sessionID, catalog.SessionCompletion{
			Status:       catalog.SessionFailed,
			CompletedAt:  time.Now().UnixNano(),
			EndCursor:    root.SyncCursor,
			ErrorMessage: err.Error(),
		}); completeErr != nil {
			e.logger.Error("failed to record session failure", slog.Any("error", completeErr))
		}

		return &SessionResult{SessionID: sessionID, Status: catalog.SessionFailed}, err
	}

	rc := &runContext{
		account:   account,
		root:      root,
		sessionID: sessionID,
		pb:        pb,
		syncStart: syncStart,
		counters:  &counters{},
	}
	c := rc.counters

	var newCursor string
	if isInitial {
		newCursor, err = e.runInitialSync(ctx, rc)
	} else {
		newCursor, err = e.runIncrementalSync(ctx, rc)
	}

	now := time.Now()
	result := &SessionResult{SessionID: sessionID}

	if err != nil {
		completeErr := e.catalog.CompleteSession(ctx, sessionID, catalog.SessionCompletion{
			Status:           catalog.SessionFailed,
			CompletedAt:      now.UnixNano(),
			EndCursor:        root.SyncCursor,
			FilesAdded:       c.filesAdded,
			FilesUpdated:     c.filesUpdated,
			FilesDeleted:     c.filesDeleted,
			FilesQuarantined: c.filesQuarantined,
			BytesDownloaded:  c.bytesDownloaded,
			ErrorMessage:     err.Error(),
		})
		if completeErr != nil {
			e.logger.Error("failed to record session failure", slog.Any("error", completeErr))
		}

		result.Status = catalog.SessionFailed

		return result, err
	}

	if err := e.catalog.CompleteSession(ctx, sessionID, catalog.SessionCompletion{
		Status:           catalog.SessionCompleted,
		CompletedAt:      now.UnixNano(),
		EndCursor:        newCursor,
		FilesAdded:       c.filesAdded,
		FilesUpdated:     c.filesUpdated,
		FilesDeleted:     c.filesDeleted,
		FilesQuarantined: c.filesQuarantined,
		BytesDownloaded:  c.bytesDownloaded,
	}); err != nil {
		return nil, fmt.Errorf("syncengine: completing session %d: %w", sessionID, err)
	}

	// SyncRoot.syncCursor advances exactly once, here, after every batch
	// has committed (spec §5 "Ordering guarantees").
	if err := e.catalog.CommitSyncCursor(ctx, root.ID, newCursor, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("syncengine: committing sync cursor for root %d: %w", root.ID, err)
	}

	result.Status = catalog.SessionCompleted
	result.Counters.FilesAdded = c.filesAdded
	result.Counters.FilesUpdated = c.filesUpdated
	result.Counters.FilesDeleted = c.filesDeleted
	result.Counters.FilesQuarantined = c.filesQuarantined
	result.Counters.BytesDownloaded = c.bytesDownloaded

	e.logger.Info("sync session completed",
		slog.Int64("sync_root_id", root.ID),
		slog.Int64("session_id", sessionID),
		slog.Int("files_added", c.filesAdded),
		slog.Int("files_updated", c.filesUpdated),
		slog.Int("files_quarantined", c.filesQuarantined),
		slog.Int64("bytes_downloaded", c.bytesDownloaded),
	)

	return result, nil
}

// checkpoint persists the resume token for the page just processed onto
// SyncSession.endCursor and emits a CHECKPOINT event. It never touches
// SyncRoot.syncCursor (spec §4.3 "Checkpointing").
func (e *Engine) checkpoint(ctx context.Context, rc *runContext, batch provider.ChangeBatch) error {
	cursor := batch.NextPageToken
	if cursor == "" {
		cursor = batch.NewStartPageToken
	}

	if cursor == "" {
		return nil
	}

	if err := e.catalog.CheckpointSession(ctx, rc.sessionID, cursor); err != nil {
		return fmt.Errorf("syncengine: checkpointing session %d: %w", rc.sessionID, err)
	}

	e.recordEvent(ctx, rc.sessionID, catalog.EventCheckpoint, nil, "", "", cursor)

	return nil
}

// recordEvent appends a SyncEvent, logging (but not failing the caller)
// if the append itself fails — the audit trail is best-effort relative
// to the catalog mutation it describes.
func (e *Engine) recordEvent(ctx context.Context, sessionID int64, evt catalog.EventType, itemID *int64, providerFileID, path, message string) {
	_, err := e.catalog.RecordEvent(ctx, &catalog.SyncEvent{
		SessionID:      sessionID,
		Timestamp:      time.Now(),
		EventType:      evt,
		BackupItemID:   itemID,
		ProviderFileID: providerFileID,
		FilePath:       path,
		Message:        message,
	})
	if err != nil {
		e.logger.Error("failed to record sync event",
			slog.Int64("session_id", sessionID), slog.String("event_type", string(evt)), slog.Any("error", err))
	}
}
