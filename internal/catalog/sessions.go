package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const sessionColumns = `id, sync_root_id, started_at, completed_at, is_initial, start_cursor,
	end_cursor, status, files_added, files_updated, files_deleted, files_quarantined,
	bytes_downloaded, error_message`

const (
	sqlInsertSession = `INSERT INTO sync_sessions
		(sync_root_id, started_at, is_initial, start_cursor, end_cursor, status)
		VALUES (?, ?, ?, ?, '', 'running')`

	sqlGetSession = `SELECT ` + sessionColumns + ` FROM sync_sessions WHERE id = ?`

	sqlUpdateSessionCheckpoint = `UPDATE sync_sessions SET end_cursor = ? WHERE id = ?`

	sqlCompleteSession = `UPDATE sync_sessions SET
		status = ?, completed_at = ?, end_cursor = ?,
		files_added = ?, files_updated = ?, files_deleted = ?, files_quarantined = ?,
		bytes_downloaded = ?, error_message = ?
		WHERE id = ?`
)

// CreateSession opens a new SyncSession with status=RUNNING.
func (s *Store) CreateSession(ctx context.Context, syncRootID, startedAt int64, isInitial bool, startCursor string) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertSession, syncRootID, startedAt, isInitial, startCursor)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating sync session for root %d: %w", syncRootID, err)
	}

	return res.LastInsertId()
}

// GetSession looks up a SyncSession by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (*SyncSession, error) {
	return scanSession(s.conn(ctx).QueryRowContext(ctx, sqlGetSession, id))
}

// CheckpointSession records the latest known cursor against the session
// after a batch, per spec §4.3/§5. It never touches SyncRoot.SyncCursor.
func (s *Store) CheckpointSession(ctx context.Context, sessionID int64, cursor string) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlUpdateSessionCheckpoint, cursor, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: checkpointing session %d: %w", sessionID, err)
	}

	return nil
}

// SessionCompletion carries the final counters written at session close.
type SessionCompletion struct {
	Status           SessionStatus
	CompletedAt      int64
	EndCursor        string
	FilesAdded       int
	FilesUpdated     int
	FilesDeleted     int
	FilesQuarantined int
	BytesDownloaded  int64
	ErrorMessage     string
}

// CompleteSession marks a session COMPLETED/FAILED/PARTIAL with final
// counters.
func (s *Store) CompleteSession(ctx context.Context, sessionID int64, c SessionCompletion) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlCompleteSession,
		string(c.Status), c.CompletedAt, c.EndCursor,
		c.FilesAdded, c.FilesUpdated, c.FilesDeleted, c.FilesQuarantined,
		c.BytesDownloaded, c.ErrorMessage, sessionID,
	)
	if err != nil {
		return fmt.Errorf("catalog: completing session %d: %w", sessionID, err)
	}

	return nil
}

func scanSession(row rowScanner) (*SyncSession, error) {
	var (
		sess        SyncSession
		completedAt sql.NullInt64
		isInitial   bool
		status      string
		startedAt   int64
	)

	err := row.Scan(&sess.ID, &sess.SyncRootID, &startedAt, &completedAt, &isInitial,
		&sess.StartCursor, &sess.EndCursor, &status, &sess.FilesAdded, &sess.FilesUpdated,
		&sess.FilesDeleted, &sess.FilesQuarantined, &sess.BytesDownloaded, &sess.ErrorMessage)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning session: %w", err)
	}

	sess.StartedAt = fromUnixNano(startedAt)
	sess.CompletedAt = fromNullableUnixNano(completedAt.Int64, completedAt.Valid)
	sess.IsInitial = isInitial
	sess.Status = SessionStatus(status)

	return &sess, nil
}
