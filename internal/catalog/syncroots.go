package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	sqlInsertSyncRoot = `INSERT INTO sync_roots
		(account_id, provider_root_id, name, sync_cursor, last_sync_at, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetSyncRoot = `SELECT id, account_id, provider_root_id, name, sync_cursor,
		last_sync_at, is_enabled, created_at, updated_at FROM sync_roots WHERE id = ?`

	sqlGetSyncRootByProviderRootID = `SELECT id, account_id, provider_root_id, name, sync_cursor,
		last_sync_at, is_enabled, created_at, updated_at
		FROM sync_roots WHERE account_id = ? AND provider_root_id = ?`

	sqlListSyncRootsForAccount = `SELECT id, account_id, provider_root_id, name, sync_cursor,
		last_sync_at, is_enabled, created_at, updated_at
		FROM sync_roots WHERE account_id = ? ORDER BY id`

	// sqlCommitSyncCursor updates the SyncRoot's persisted cursor. Per spec
	// §3/§5 this happens exactly once per successful sync, never mid-stream.
	sqlCommitSyncCursor = `UPDATE sync_roots
		SET sync_cursor = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`
)

// CreateSyncRoot inserts a new SyncRoot. Unique by (account, providerRootID).
func (s *Store) CreateSyncRoot(ctx context.Context, r *SyncRoot) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertSyncRoot,
		r.AccountID, r.ProviderRootID, r.Name, r.SyncCursor,
		toNullableUnixNano(r.LastSyncAt), r.IsEnabled,
		toUnixNano(r.CreatedAt), toUnixNano(r.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating sync root %s: %w", r.ProviderRootID, err)
	}

	return res.LastInsertId()
}

// GetSyncRoot looks up a SyncRoot by ID.
func (s *Store) GetSyncRoot(ctx context.Context, id int64) (*SyncRoot, error) {
	return scanSyncRoot(s.conn(ctx).QueryRowContext(ctx, sqlGetSyncRoot, id))
}

// GetSyncRootByProviderRootID looks up a SyncRoot by its natural key.
func (s *Store) GetSyncRootByProviderRootID(ctx context.Context, accountID int64, providerRootID string) (*SyncRoot, error) {
	return scanSyncRoot(s.conn(ctx).QueryRowContext(ctx, sqlGetSyncRootByProviderRootID, accountID, providerRootID))
}

// ListSyncRootsForAccount returns every SyncRoot owned by an Account.
func (s *Store) ListSyncRootsForAccount(ctx context.Context, accountID int64) ([]*SyncRoot, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListSyncRootsForAccount, accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sync roots for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var out []*SyncRoot

	for rows.Next() {
		r, err := scanSyncRoot(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// CommitSyncCursor persists the resumable cursor at successful completion
// of a sync. Must be called exactly once per successful SyncEngine.Run —
// never from within the per-batch checkpoint (that only updates
// SyncSession.EndCursor).
func (s *Store) CommitSyncCursor(ctx context.Context, syncRootID int64, cursor string, now int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlCommitSyncCursor, cursor, now, now, syncRootID)
	if err != nil {
		return fmt.Errorf("catalog: committing sync cursor for root %d: %w", syncRootID, err)
	}

	return nil
}

func scanSyncRoot(row rowScanner) (*SyncRoot, error) {
	var (
		r         SyncRoot
		lastSync  sql.NullInt64
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(&r.ID, &r.AccountID, &r.ProviderRootID, &r.Name, &r.SyncCursor,
		&lastSync, &r.IsEnabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning sync root: %w", err)
	}

	r.LastSyncAt = fromNullableUnixNano(lastSync.Int64, lastSync.Valid)
	r.CreatedAt = fromUnixNano(createdAt)
	r.UpdatedAt = fromUnixNano(updatedAt)

	return &r, nil
}
