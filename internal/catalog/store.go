package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sole writer to the catalog database. All mutating
// operations run through it; concurrent readers may share the
// connection since SQLite (WAL mode) serializes writers internally.
// Mirrors the sole-writer pattern used for the teacher's sync-state
// database: one *sql.DB, SetMaxOpenConns(1), pragmas applied per-DSN.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the catalog database at dbPath, applies pending
// migrations, and returns a ready-to-use Store. Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("catalog ready", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using goose's
// Provider API against the embedded migration filesystem.
func runMigrations(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalog: creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("catalog: running migrations: %w", err)
	}

	return nil
}

// DB returns the underlying connection, for callers (tests, maintenance
// tooling) that need raw SQL access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every entity
// method run against either the pooled connection or an ambient
// transaction without knowing which.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// conn returns the *sql.Tx stashed in ctx by WithTx, or the Store's
// pooled *sql.DB if no transaction is active.
func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}

	return s.db
}

// WithTx runs fn with a transaction bound into ctx: every Store method
// fn calls (via the ctx it receives) executes against that transaction,
// not the shared connection. Commits on success, rolls back on error or
// panic. This is how SyncEngine gives each per-change write (BackupItem
// upsert, BackupBlob upsert, FileVersion insert, SyncEvent) atomicity
// (spec §4.3 "Each change is processed inside its own atomic unit").
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if already committed

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing transaction: %w", err)
	}

	return nil
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *n, Valid: true}
}
