package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	sqlInsertAccount = `INSERT INTO accounts
		(provider, name, email, is_active, sync_interval_minutes, next_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetAccount = `SELECT id, provider, name, email, is_active, sync_interval_minutes,
		next_sync_at, created_at, updated_at FROM accounts WHERE id = ?`

	sqlGetAccountByProviderEmail = `SELECT id, provider, name, email, is_active,
		sync_interval_minutes, next_sync_at, created_at, updated_at
		FROM accounts WHERE provider = ? AND email = ?`

	sqlListAccounts = `SELECT id, provider, name, email, is_active, sync_interval_minutes,
		next_sync_at, created_at, updated_at FROM accounts ORDER BY id`

	sqlListDueAccounts = `SELECT id, provider, name, email, is_active, sync_interval_minutes,
		next_sync_at, created_at, updated_at
		FROM accounts WHERE is_active = 1 AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY id`

	sqlUpdateAccountNextSync = `UPDATE accounts SET next_sync_at = ?, updated_at = ? WHERE id = ?`

	sqlSetAccountActive = `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`
)

// CreateAccount inserts a new Account. Unique by (provider, email).
func (s *Store) CreateAccount(ctx context.Context, a *Account) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, sqlInsertAccount,
		string(a.Provider), a.Name, a.Email, a.IsActive, a.SyncIntervalMinutes,
		toNullableUnixNano(a.NextSyncAt), toUnixNano(a.CreatedAt), toUnixNano(a.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: creating account %s:%s: %w", a.Provider, a.Email, err)
	}

	return res.LastInsertId()
}

// GetAccount looks up an Account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return scanAccount(s.conn(ctx).QueryRowContext(ctx, sqlGetAccount, id))
}

// GetAccountByProviderEmail looks up an Account by its natural key.
func (s *Store) GetAccountByProviderEmail(ctx context.Context, provider Provider, email string) (*Account, error) {
	return scanAccount(s.conn(ctx).QueryRowContext(ctx, sqlGetAccountByProviderEmail, string(provider), email))
}

// ListAccounts returns every configured Account.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListAccounts)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing accounts: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// ListDueAccounts returns active accounts whose NextSyncAt has elapsed (or
// was never set). The external task dispatcher uses this as the candidate
// set before taking its row-level skip-locked claim (spec §5).
func (s *Store) ListDueAccounts(ctx context.Context, asOf int64) ([]*Account, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlListDueAccounts, asOf)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing due accounts: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// SetAccountNextSync updates when this account should next be considered
// for scheduling.
func (s *Store) SetAccountNextSync(ctx context.Context, id int64, nextSyncAt, now int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlUpdateAccountNextSync, nextSyncAt, now, id)
	if err != nil {
		return fmt.Errorf("catalog: updating next_sync_at for account %d: %w", id, err)
	}

	return nil
}

// SetAccountActive flips Account.IsActive.
func (s *Store) SetAccountActive(ctx context.Context, id int64, active bool, now int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, sqlSetAccountActive, active, now, id)
	if err != nil {
		return fmt.Errorf("catalog: setting account %d active=%v: %w", id, active, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a         Account
		provider  string
		nextSync  sql.NullInt64
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(&a.ID, &provider, &a.Name, &a.Email, &a.IsActive,
		&a.SyncIntervalMinutes, &nextSync, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning account: %w", err)
	}

	a.Provider = Provider(provider)
	a.NextSyncAt = fromNullableUnixNano(nextSync.Int64, nextSync.Valid)
	a.CreatedAt = fromUnixNano(createdAt)
	a.UpdatedAt = fromUnixNano(updatedAt)

	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var out []*Account

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating accounts: %w", err)
	}

	return out, nil
}
