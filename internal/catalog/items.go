package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("catalog: not found")

const itemColumns = `id, sync_root_id, provider_item_id, name, path, item_type, mime_type,
	size_bytes, provider_modified_at, etag, state, state_changed_at,
	missing_since_sync_count, last_seen_at, parent_id, created_at, updated_at`

const (
	sqlGetItem = `SELECT ` + itemColumns + ` FROM backup_items WHERE id = ?`

	sqlGetItemByProviderID = `SELECT ` + itemColumns + `
		FROM backup_items WHERE sync_root_id = ? AND provider_item_id = ?`

	// sqlFindPathConflict implements PathBuilder's conflict check (§4.2
	// step 4): another item in this SyncRoot already holding the path,
	// excluding the item being built (identified by provider ID).
	sqlFindPathConflict = `SELECT ` + itemColumns + `
		FROM backup_items
		WHERE sync_root_id = ? AND path = ? AND provider_item_id != ? AND state != 'purged'
		LIMIT 1`

	sqlListItemsForSyncRoot = `SELECT ` + itemColumns + `
		FROM backup_items WHERE sync_root_id = ? ORDER BY path`

	// sqlListStaleItems backs the deletion-state sweep (§4.3): every
	// ACTIVE or MISSING_UPSTREAM item in this SyncRoot not seen in the
	// sync that just started.
	sqlListStaleItems = `SELECT ` + itemColumns + `
		FROM backup_items
		WHERE sync_root_id = ? AND state IN ('active', 'missing_upstream')
		  AND (last_seen_at IS NULL OR last_seen_at < ?)`

	sqlListItemsForAccount = `SELECT ` + itemColumns + `
		FROM backup_items WHERE sync_root_id IN (SELECT id FROM sync_roots WHERE account_id = ?)`

	sqlListQuarantinedOlderThan = `SELECT ` + itemColumns + `
		FROM backup_items
		WHERE sync_root_id IN (SELECT id FROM sync_roots WHERE account_id = ?)
		  AND state = 'quarantined' AND state_changed_at < ?`

	sqlInsertItem = `INSERT INTO backup_items
		(sync_root_id, provider_item_id, name, path, item_type, mime_type, size_bytes,
		 provider_modified_at, etag, state, state_changed_at, missing_since_sync_count,
		 last_seen_at, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateItem = `UPDATE backup_items SET
		name = ?, path = ?, item_type = ?, mime_type = ?, size_bytes = ?,
		provider_modified_at = ?, etag = ?, state = ?, state_changed_at = ?,
		missing_since_sync_count = ?, last_seen_at = ?, parent_id = ?, updated_at = ?
		WHERE id = ?`

	sqlUpdateItemStateOnly = `UPDATE backup_items SET
		state = ?, state_changed_at = ?, missing_since_sync_count = ?, updated_at = ?
		WHERE id = ?`

	sqlBulkPurgeQuarantined = `UPDATE backup_items SET state = 'purged', state_changed_at = ?, updated_at = ?
		WHERE id = ?`
)

// GetItem looks up a BackupItem by its surrogate key.
func (s *Store) GetItem(ctx context.Context, id int64) (*BackupItem, error) {
	item, err := scanItem(s.conn(ctx).QueryRowContext(ctx, sqlGetItem, id))
	return wrapNotFound(item, err)
}

// GetItemByProviderID looks up a BackupItem by its natural key
// (syncRoot, providerItemID), the unique identity per spec §3.
func (s *Store) GetItemByProviderID(ctx context.Context, syncRootID int64, providerItemID string) (*BackupItem, error) {
	item, err := scanItem(s.conn(ctx).QueryRowContext(ctx, sqlGetItemByProviderID, syncRootID, providerItemID))
	return wrapNotFound(item, err)
}

// FindPathConflict returns the BackupItem (if any) that already occupies
// path within syncRootID, other than the item identified by
// excludeProviderItemID. Used by PathBuilder's conflict resolution.
func (s *Store) FindPathConflict(ctx context.Context, syncRootID int64, path, excludeProviderItemID string) (*BackupItem, error) {
	item, err := scanItem(s.conn(ctx).QueryRowContext(ctx, sqlFindPathConflict, syncRootID, path, excludeProviderItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return item, err
}

// ListItemsForSyncRoot returns every BackupItem in a SyncRoot, ordered by
// path.
func (s *Store) ListItemsForSyncRoot(ctx context.Context, syncRootID int64) ([]*BackupItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListItemsForSyncRoot, syncRootID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing items for sync root %d: %w", syncRootID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListStaleItems returns ACTIVE/MISSING_UPSTREAM items in a SyncRoot whose
// LastSeenAt predates syncStartTime — candidates for the deletion-state
// sweep (spec §4.3).
func (s *Store) ListStaleItems(ctx context.Context, syncRootID int64, syncStartTime int64) ([]*BackupItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListStaleItems, syncRootID, syncStartTime)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing stale items for sync root %d: %w", syncRootID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListItemsForAccount returns every BackupItem across all of an account's
// SyncRoots — used by GC's version-purge phase.
func (s *Store) ListItemsForAccount(ctx context.Context, accountID int64) ([]*BackupItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListItemsForAccount, accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing items for account %d: %w", accountID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListQuarantinedOlderThan returns QUARANTINED items whose StateChangedAt
// predates cutoff — candidates for GC's quarantine-expiry phase.
func (s *Store) ListQuarantinedOlderThan(ctx context.Context, accountID int64, cutoff int64) ([]*BackupItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListQuarantinedOlderThan, accountID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing quarantined items for account %d: %w", accountID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// CreateItem inserts a new BackupItem.
func (s *Store) CreateItem(ctx context.Context, it *BackupItem) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertItem,
		it.SyncRootID, it.ProviderItemID, it.Name, it.Path, string(it.ItemType), it.MimeType,
		nullInt64(it.SizeBytes), nullInt64(toNullableUnixNano(it.ProviderModifiedAt)), it.ETag,
		string(it.State), toUnixNano(it.StateChangedAt), it.MissingSinceSyncCount,
		nullInt64(toNullableUnixNano(it.LastSeenAt)), nullInt64(it.ParentID),
		toUnixNano(it.CreatedAt), toUnixNano(it.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating item %s: %w", it.ProviderItemID, err)
	}

	return res.LastInsertId()
}

// UpdateItem overwrites all mutable fields of an existing BackupItem.
func (s *Store) UpdateItem(ctx context.Context, it *BackupItem) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlUpdateItem,
		it.Name, it.Path, string(it.ItemType), it.MimeType, nullInt64(it.SizeBytes),
		nullInt64(toNullableUnixNano(it.ProviderModifiedAt)), it.ETag, string(it.State),
		toUnixNano(it.StateChangedAt), it.MissingSinceSyncCount,
		nullInt64(toNullableUnixNano(it.LastSeenAt)), nullInt64(it.ParentID),
		toUnixNano(it.UpdatedAt), it.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog: updating item %d: %w", it.ID, err)
	}

	return nil
}

// UpdateItemState transitions an item's state machine field in isolation
// (used by the deletion sweep and explicit-deletion handling, which only
// need to touch state/stateChangedAt/missingSinceSyncCount).
func (s *Store) UpdateItemState(ctx context.Context, id int64, state ItemState, missingCount int, now int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlUpdateItemStateOnly, string(state), now, missingCount, now, id)
	if err != nil {
		return fmt.Errorf("catalog: updating state of item %d: %w", id, err)
	}

	return nil
}

// PurgeItem transitions an item to PURGED (terminal), used by GC's
// quarantine-expiry phase.
func (s *Store) PurgeItem(ctx context.Context, id int64, now int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlBulkPurgeQuarantined, now, now, id)
	if err != nil {
		return fmt.Errorf("catalog: purging item %d: %w", id, err)
	}

	return nil
}

func wrapNotFound(item *BackupItem, err error) (*BackupItem, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return item, err
}

func scanItem(row rowScanner) (*BackupItem, error) {
	var (
		it                 BackupItem
		itemType           string
		state              string
		sizeBytes          sql.NullInt64
		providerModifiedAt sql.NullInt64
		lastSeenAt         sql.NullInt64
		parentID           sql.NullInt64
		stateChangedAt     int64
		createdAt          int64
		updatedAt          int64
	)

	err := row.Scan(&it.ID, &it.SyncRootID, &it.ProviderItemID, &it.Name, &it.Path,
		&itemType, &it.MimeType, &sizeBytes, &providerModifiedAt, &it.ETag, &state,
		&stateChangedAt, &it.MissingSinceSyncCount, &lastSeenAt, &parentID, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning item: %w", err)
	}

	it.ItemType = ItemType(itemType)
	it.State = ItemState(state)
	it.StateChangedAt = fromUnixNano(stateChangedAt)
	it.CreatedAt = fromUnixNano(createdAt)
	it.UpdatedAt = fromUnixNano(updatedAt)
	it.LastSeenAt = fromNullableUnixNano(lastSeenAt.Int64, lastSeenAt.Valid)
	it.ProviderModifiedAt = fromNullableUnixNano(providerModifiedAt.Int64, providerModifiedAt.Valid)

	if sizeBytes.Valid {
		it.SizeBytes = &sizeBytes.Int64
	}

	if parentID.Valid {
		it.ParentID = &parentID.Int64
	}

	return &it, nil
}

func scanItems(rows *sql.Rows) ([]*BackupItem, error) {
	var out []*BackupItem

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, it)
	}

	return out, rows.Err()
}
