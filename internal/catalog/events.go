package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	sqlInsertEvent = `INSERT INTO sync_events
		(session_id, timestamp, event_type, backup_item_id, provider_file_id, file_path, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlListEventsForSession = `SELECT id, session_id, timestamp, event_type, backup_item_id,
		provider_file_id, file_path, message
		FROM sync_events WHERE session_id = ? ORDER BY timestamp, id`
)

// RecordEvent appends a SyncEvent. SyncEvents are append-only and must be
// monotonically timestamped within a session (spec §5); callers pass an
// ever-increasing timestamp (e.g. time.Now().UnixNano()).
func (s *Store) RecordEvent(ctx context.Context, e *SyncEvent) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertEvent,
		e.SessionID, toUnixNano(e.Timestamp), string(e.EventType),
		nullInt64(e.BackupItemID), e.ProviderFileID, e.FilePath, e.Message,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: recording event for session %d: %w", e.SessionID, err)
	}

	return res.LastInsertId()
}

// ListEventsForSession returns a session's audit trail in timestamp order.
func (s *Store) ListEventsForSession(ctx context.Context, sessionID int64) ([]*SyncEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListEventsForSession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing events for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*SyncEvent

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*SyncEvent, error) {
	var (
		e         SyncEvent
		ts        int64
		eventType string
		itemID    sql.NullInt64
	)

	err := rows.Scan(&e.ID, &e.SessionID, &ts, &eventType, &itemID, &e.ProviderFileID, &e.FilePath, &e.Message)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning event: %w", err)
	}

	e.Timestamp = fromUnixNano(ts)
	e.EventType = EventType(eventType)

	if itemID.Valid {
		e.BackupItemID = &itemID.Int64
	}

	return &e, nil
}
