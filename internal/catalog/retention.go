package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	// sqlGetAccountRetentionPolicy follows gc.py's "_get_retention_policy":
	// the first policy scoped to the account with no sync_root override.
	sqlGetAccountRetentionPolicy = `SELECT id, account_id, sync_root_id, keep_last_n, keep_days,
		max_storage_bytes, created_at, updated_at
		FROM retention_policies WHERE account_id = ? AND sync_root_id IS NULL LIMIT 1`

	sqlGetSyncRootRetentionPolicy = `SELECT id, account_id, sync_root_id, keep_last_n, keep_days,
		max_storage_bytes, created_at, updated_at
		FROM retention_policies WHERE sync_root_id = ? LIMIT 1`

	sqlInsertRetentionPolicy = `INSERT INTO retention_policies
		(account_id, sync_root_id, keep_last_n, keep_days, max_storage_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// GetAccountRetentionPolicy returns the account-scoped RetentionPolicy, or
// ErrNotFound if none is configured (callers fall back to a global default,
// per spec §4.4 "Retention resolution").
func (s *Store) GetAccountRetentionPolicy(ctx context.Context, accountID int64) (*RetentionPolicy, error) {
	p, err := scanRetentionPolicy(s.conn(ctx).QueryRowContext(ctx, sqlGetAccountRetentionPolicy, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return p, err
}

// GetSyncRootRetentionPolicy returns a sync-root-scoped override, if any.
func (s *Store) GetSyncRootRetentionPolicy(ctx context.Context, syncRootID int64) (*RetentionPolicy, error) {
	p, err := scanRetentionPolicy(s.conn(ctx).QueryRowContext(ctx, sqlGetSyncRootRetentionPolicy, syncRootID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return p, err
}

// CreateRetentionPolicy inserts a new policy (account- or root-scoped).
func (s *Store) CreateRetentionPolicy(ctx context.Context, p *RetentionPolicy) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertRetentionPolicy,
		nullInt64(p.AccountID), nullInt64(p.SyncRootID), p.KeepLastN, p.KeepDays,
		nullInt64(p.MaxStorageBytes), toUnixNano(p.CreatedAt), toUnixNano(p.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating retention policy: %w", err)
	}

	return res.LastInsertId()
}

func scanRetentionPolicy(row rowScanner) (*RetentionPolicy, error) {
	var (
		p               RetentionPolicy
		accountID       sql.NullInt64
		syncRootID      sql.NullInt64
		maxStorageBytes sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)

	err := row.Scan(&p.ID, &accountID, &syncRootID, &p.KeepLastN, &p.KeepDays,
		&maxStorageBytes, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning retention policy: %w", err)
	}

	if accountID.Valid {
		p.AccountID = &accountID.Int64
	}

	if syncRootID.Valid {
		p.SyncRootID = &syncRootID.Int64
	}

	if maxStorageBytes.Valid {
		p.MaxStorageBytes = &maxStorageBytes.Int64
	}

	p.CreatedAt = fromUnixNano(createdAt)
	p.UpdatedAt = fromUnixNano(updatedAt)

	return &p, nil
}
