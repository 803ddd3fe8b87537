// Package gc implements retention-driven garbage collection: pruning
// old FileVersions, reclaiming orphaned blobs, and purging quarantined
// items once they age past their retention window (spec §4.4).
//
// The three phases run in a fixed order because each depends on the
// one before it: a version purge (and quota eviction) can orphan a
// blob that the previous run still referenced, and a blob can only be
// reclaimed once nothing references it; an item can only be purged
// once its quarantine window has elapsed, independent of either blob
// phase.
package gc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
)

const (
	defaultBatchSize = 100
	defaultKeepLastN = 10
	defaultKeepDays  = 30
)

// Config holds the dependencies and defaults a GarbageCollector needs.
type Config struct {
	Catalog    *catalog.Store
	BackupRoot string
	Logger     *slog.Logger

	// DryRun reports what would be deleted without touching the
	// catalog or disk.
	DryRun bool

	// BatchSize paces the version-purge phase's progress logging; it
	// does not bound how much work a single run does.
	BatchSize int

	// DefaultKeepLastN and DefaultKeepDays apply when an account has
	// no account-scoped RetentionPolicy (spec §4.4 "Retention
	// resolution").
	DefaultKeepLastN int
	DefaultKeepDays  int
}

// GarbageCollector runs the three retention phases over one or all
// accounts.
type GarbageCollector struct {
	catalog    *catalog.Store
	backupRoot string
	logger     *slog.Logger
	dryRun     bool
	batchSize  int
	keepLastN  int
	keepDays   int
}

// New builds a GarbageCollector from cfg, applying defaults for unset
// fields.
func New(cfg Config) *GarbageCollector {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	keepLastN := cfg.DefaultKeepLastN
	if keepLastN <= 0 {
		keepLastN = defaultKeepLastN
	}

	keepDays := cfg.DefaultKeepDays
	if keepDays <= 0 {
		keepDays = defaultKeepDays
	}

	return &GarbageCollector{
		catalog:    cfg.Catalog,
		backupRoot: cfg.BackupRoot,
		logger:     cfg.Logger,
		dryRun:     cfg.DryRun,
		batchSize:  batchSize,
		keepLastN:  keepLastN,
		keepDays:   keepDays,
	}
}

// Result reports what one Run accomplished.
type Result struct {
	VersionsPurged       int
	BytesEvictedForQuota int64
	BlobsDeleted         int
	BytesFreed           int64
	QuarantinePurged     int
	Errors               []string
}

// Run executes all three GC phases. If accountID is non-nil, only that
// account is collected; otherwise every account is.
func (g *GarbageCollector) Run(ctx context.Context, accountID *int64) (*Result, error) {
	result := &Result{}

	accounts, err := g.resolveAccounts(ctx, accountID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("garbage collection starting",
		slog.Bool("dry_run", g.dryRun), slog.Int("accounts", len(accounts)))

	for _, account := range accounts {
		if err := g.purgeOldVersions(ctx, account, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			g.logger.Error("version purge failed", slog.Int64("account_id", account.ID), slog.String("error", err.Error()))
		}

		if err := g.enforceStorageQuota(ctx, account, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			g.logger.Error("quota enforcement failed", slog.Int64("account_id", account.ID), slog.String("error", err.Error()))
		}

		if err := g.deleteOrphanedBlobs(ctx, account, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			g.logger.Error("orphan blob reclamation failed", slog.Int64("account_id", account.ID), slog.String("error", err.Error()))
		}

		if err := g.purgeQuarantinedItems(ctx, account, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			g.logger.Error("quarantine purge failed", slog.Int64("account_id", account.ID), slog.String("error", err.Error()))
		}
	}

	g.logger.Info("garbage collection complete",
		slog.Int("versions_purged", result.VersionsPurged),
		slog.Int64("bytes_evicted_for_quota", result.BytesEvictedForQuota),
		slog.Int("blobs_deleted", result.BlobsDeleted),
		slog.Int64("bytes_freed", result.BytesFreed),
		slog.Int("quarantine_purged", result.QuarantinePurged),
	)

	return result, nil
}

func (g *GarbageCollector) resolveAccounts(ctx context.Context, accountID *int64) ([]*catalog.Account, error) {
	if accountID != nil {
		account, err := g.catalog.GetAccount(ctx, *accountID)
		if err != nil {
			return nil, fmt.Errorf("gc: loading account %d: %w", *accountID, err)
		}

		return []*catalog.Account{account}, nil
	}

	accounts, err := g.catalog.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: listing accounts: %w", err)
	}

	return accounts, nil
}

// retentionFor resolves (keepLastN, keepDays, maxStorageBytes) for an
// account per spec §4.4: the account-scoped policy with no sync-root
// override if one exists, else the collector's configured defaults.
func (g *GarbageCollector) retentionFor(ctx context.Context, accountID int64) (keepLastN, keepDays int, maxStorageBytes *int64) {
	policy, err := g.catalog.GetAccountRetentionPolicy(ctx, accountID)
	if err != nil {
		return g.keepLastN, g.keepDays, nil
	}

	return policy.KeepLastN, policy.KeepDays, policy.MaxStorageBytes
}

func (g *GarbageCollector) blobStoreFor(account *catalog.Account) *blobstore.Store {
	return blobstore.New(g.backupRoot, string(account.Provider), account.ID, g.logger)
}
