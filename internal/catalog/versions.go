package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const versionColumns = `id, account_id, backup_item_id, blob_digest, observed_path,
	etag_or_revision, content_modified_at, captured_at, reason`

const (
	sqlInsertVersion = `INSERT INTO file_versions
		(account_id, backup_item_id, blob_digest, observed_path, etag_or_revision,
		 content_modified_at, captured_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	// sqlListVersionsForItem orders newest-first, matching gc.py's
	// "FileVersion.objects.filter(backup_item=item).order_by('-captured_at')".
	sqlListVersionsForItem = `SELECT ` + versionColumns + `
		FROM file_versions WHERE backup_item_id = ? ORDER BY captured_at DESC`

	sqlLatestVersionForItem = `SELECT ` + versionColumns + `
		FROM file_versions WHERE backup_item_id = ? ORDER BY captured_at DESC LIMIT 1`

	sqlDeleteVersion = `DELETE FROM file_versions WHERE id = ?`

	// sqlListVersionsForAccountByAge orders oldest-first across every
	// item an account owns — the eviction order for quota enforcement
	// (spec §4.4 supplemented MaxStorageBytes phase), which always
	// frees the oldest bytes first regardless of which item they
	// belong to.
	sqlListVersionsForAccountByAge = `SELECT ` + versionColumns + `
		FROM file_versions WHERE account_id = ? ORDER BY captured_at ASC`
)

// CreateVersion inserts a new FileVersion, capturing a BackupItem's
// content at a point in time for a given reason.
func (s *Store) CreateVersion(ctx context.Context, v *FileVersion) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertVersion,
		v.AccountID, v.BackupItemID, v.BlobDigest, v.ObservedPath, v.ETagOrRevision,
		nullInt64(toNullableUnixNano(v.ContentModifiedAt)), toUnixNano(v.CapturedAt), string(v.Reason),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating version for item %d: %w", v.BackupItemID, err)
	}

	return res.LastInsertId()
}

// ListVersionsForItem returns all FileVersions for a BackupItem, newest
// first — the ordering GC's retention math depends on.
func (s *Store) ListVersionsForItem(ctx context.Context, itemID int64) ([]*FileVersion, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListVersionsForItem, itemID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing versions for item %d: %w", itemID, err)
	}
	defer rows.Close()

	var out []*FileVersion

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// LatestVersionForItem returns the most recently captured FileVersion for
// a BackupItem, or ErrNotFound if it has none. Used to build PRE_DELETE
// tombstones (spec §4.3) that reference "the latest existing blob".
func (s *Store) LatestVersionForItem(ctx context.Context, itemID int64) (*FileVersion, error) {
	v, err := scanVersion(s.conn(ctx).QueryRowContext(ctx, sqlLatestVersionForItem, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return v, err
}

// DeleteVersion removes a single FileVersion row. Callers must ensure
// phase ordering: versions are purged before any blob they alone
// reference becomes eligible for orphan reclamation (spec §4.4).
func (s *Store) DeleteVersion(ctx context.Context, id int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlDeleteVersion, id)
	if err != nil {
		return fmt.Errorf("catalog: deleting version %d: %w", id, err)
	}

	return nil
}

// ListVersionsForAccountByAge returns every FileVersion an account owns,
// oldest captured first, spanning all BackupItems. GC's quota-eviction
// phase walks this list evicting from the front until the account's
// total blob bytes drops back under its MaxStorageBytes policy.
func (s *Store) ListVersionsForAccountByAge(ctx context.Context, accountID int64) ([]*FileVersion, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListVersionsForAccountByAge, accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing versions for account %d by age: %w", accountID, err)
	}
	defer rows.Close()

	var out []*FileVersion

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

func scanVersion(row rowScanner) (*FileVersion, error) {
	var (
		v                 FileVersion
		contentModifiedAt sql.NullInt64
		capturedAt        int64
		reason            string
	)

	err := row.Scan(&v.ID, &v.AccountID, &v.BackupItemID, &v.BlobDigest, &v.ObservedPath,
		&v.ETagOrRevision, &contentModifiedAt, &capturedAt, &reason)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning version: %w", err)
	}

	v.ContentModifiedAt = fromNullableUnixNano(contentModifiedAt.Int64, contentModifiedAt.Valid)
	v.CapturedAt = fromUnixNano(capturedAt)
	v.Reason = VersionReason(reason)

	return &v, nil
}
