package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	sqlGetBlob = `SELECT digest, account_id, size_bytes, created_at FROM backup_blobs WHERE digest = ?`

	sqlUpsertBlob = `INSERT INTO backup_blobs (digest, account_id, size_bytes, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`

	sqlDeleteBlob = `DELETE FROM backup_blobs WHERE digest = ?`

	// sqlListOrphanBlobs finds BackupBlob rows with zero referencing
	// FileVersions, scoped to an account (spec §4.4 Phase 2).
	sqlListOrphanBlobs = `SELECT digest, account_id, size_bytes, created_at
		FROM backup_blobs
		WHERE account_id = ?
		  AND NOT EXISTS (SELECT 1 FROM file_versions WHERE file_versions.blob_digest = backup_blobs.digest)`

	sqlSumBlobBytesForAccount = `SELECT COALESCE(SUM(size_bytes), 0) FROM backup_blobs WHERE account_id = ?`
)

// GetBlob looks up a BackupBlob by digest.
func (s *Store) GetBlob(ctx context.Context, digest string) (*BackupBlob, error) {
	b, err := scanBlob(s.conn(ctx).QueryRowContext(ctx, sqlGetBlob, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return b, err
}

// UpsertBlob inserts a BackupBlob row if one doesn't already exist for
// this digest (one row per account, per spec §3). A dedup hit at the
// BlobStore layer is idempotent here too.
func (s *Store) UpsertBlob(ctx context.Context, b *BackupBlob) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlUpsertBlob, b.Digest, b.AccountID, b.SizeBytes, toUnixNano(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("catalog: upserting blob %s: %w", b.Digest, err)
	}

	return nil
}

// DeleteBlobRow removes a BackupBlob's catalog row. Callers must delete
// the on-disk blob first (GC ordering invariant, spec §4.4).
func (s *Store) DeleteBlobRow(ctx context.Context, digest string) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlDeleteBlob, digest)
	if err != nil {
		return fmt.Errorf("catalog: deleting blob row %s: %w", digest, err)
	}

	return nil
}

// ListOrphanBlobs returns BackupBlobs for an account with no referencing
// FileVersion — eligible for GC reclamation.
func (s *Store) ListOrphanBlobs(ctx context.Context, accountID int64) ([]*BackupBlob, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListOrphanBlobs, accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing orphan blobs for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var out []*BackupBlob

	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, b)
	}

	return out, rows.Err()
}

// SumBlobBytesForAccount returns the total size in bytes of every blob
// owned by an account — the numerator GC compares against
// RetentionPolicy.MaxStorageBytes (spec §4.4 Phase 1 quota eviction).
func (s *Store) SumBlobBytesForAccount(ctx context.Context, accountID int64) (int64, error) {
	var total int64

	row := s.conn(ctx).QueryRowContext(ctx, sqlSumBlobBytesForAccount, accountID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("catalog: summing blob bytes for account %d: %w", accountID, err)
	}

	return total, nil
}

func scanBlob(row rowScanner) (*BackupBlob, error) {
	var (
		b         BackupBlob
		createdAt int64
	)

	if err := row.Scan(&b.Digest, &b.AccountID, &b.SizeBytes, &createdAt); err != nil {
		return nil, fmt.Errorf("catalog: scanning blob: %w", err)
	}

	b.CreatedAt = fromUnixNano(createdAt)

	return &b, nil
}
