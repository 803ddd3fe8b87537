// Package pathbuilder converts provider file hierarchies into relative
// filesystem paths under a SyncRoot, sanitizing names and resolving
// collisions deterministically.
package pathbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

// invalidChars are forbidden on most filesystems and get replaced with
// an underscore.
const invalidChars = "<>:\"|?*\x00"

const maxNameLength = 255

const maxConflictAttempts = 1000

// pendingPrefix marks a path built before its parent has been observed.
// Nothing rebuilds a path under this prefix once the parent arrives.
const pendingPrefix = "_pending_/"

// Builder builds and caches relative paths for items within a single
// SyncRoot. A Builder is not safe for concurrent use; the sync engine
// owns one per sync pass.
type Builder struct {
	store      *catalog.Store
	syncRootID int64
	logger     *slog.Logger
	cache      map[string]string // providerItemID -> path
}

// New creates a Builder for syncRootID, loading existing paths from the
// catalog into its in-memory cache.
func New(ctx context.Context, store *catalog.Store, syncRootID int64, logger *slog.Logger) (*Builder, error) {
	b := &Builder{store: store, syncRootID: syncRootID, logger: logger}

	if err := b.RefreshCache(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// RefreshCache rebuilds the path cache from the catalog. Call after an
// out-of-band change to BackupItem paths.
func (b *Builder) RefreshCache(ctx context.Context) error {
	items, err := b.store.ListItemsForSyncRoot(ctx, b.syncRootID)
	if err != nil {
		return fmt.Errorf("pathbuilder: loading cache for sync root %d: %w", b.syncRootID, err)
	}

	cache := make(map[string]string, len(items))
	for _, it := range items {
		cache[it.ProviderItemID] = it.Path
	}

	b.cache = cache
	b.logger.Debug("pathbuilder cache loaded", slog.Int("count", len(cache)))

	return nil
}

// BuildPath computes the relative path for a provider item. parentID is
// the provider ID of the item's first/primary parent; isRootLevel
// indicates the item has no parent (or its only parent is the sync
// root itself). A parent not yet observed in this sync resolves to a
// "_pending_/<parentID>" placeholder. An item already in the cache keeps
// its cached path, so a placeholder path is not relocated when the
// parent arrives in this or a later sync.
func (b *Builder) BuildPath(ctx context.Context, providerItemID, name, parentID string, isRootLevel bool) (string, error) {
	if path, ok := b.cache[providerItemID]; ok {
		return path, nil
	}

	if isRootLevel {
		path, err := b.resolveConflicts(ctx, sanitizeName(name), providerItemID)
		if err != nil {
			return "", err
		}

		b.cache[providerItemID] = path

		return path, nil
	}

	parentPath, ok := b.cache[parentID]
	if !ok {
		parent, err := b.store.GetItemByProviderID(ctx, b.syncRootID, parentID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			b.logger.Warn("parent not found, using pending placeholder",
				slog.String("parent_id", parentID), slog.String("name", name))
			parentPath = pendingPrefix + parentID
		case err != nil:
			return "", fmt.Errorf("pathbuilder: resolving parent %s: %w", parentID, err)
		default:
			parentPath = parent.Path
			b.cache[parentID] = parentPath
		}
	}

	path := parentPath + "/" + sanitizeName(name)

	path, err := b.resolveConflicts(ctx, path, providerItemID)
	if err != nil {
		return "", err
	}

	b.cache[providerItemID] = path

	return path, nil
}

// sanitizeName strips characters invalid on common filesystems, trims
// stray whitespace/dots, and truncates to maxNameLength while trying to
// preserve a short extension.
func sanitizeName(name string) string {
	var b strings.Builder

	for _, r := range name {
		if strings.ContainsRune(invalidChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}

	name = strings.Trim(b.String(), ". ")

	if name == "" {
		return "unnamed"
	}

	if len(name) <= maxNameLength {
		return name
	}

	ext := ""
	base := name

	if i := strings.LastIndex(name, "."); i >= 0 {
		candidate := name[i+1:]
		if len(candidate) <= 10 {
			ext = candidate
			base = name[:i]
		}
	}

	if ext != "" {
		maxBase := maxNameLength - len(ext) - 1
		if maxBase < 0 {
			maxBase = 0
		}

		return truncateRunes(base, maxBase) + "." + ext
	}

	return truncateRunes(name, maxNameLength)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

// resolveConflicts appends a " (N)" counter to path until it no longer
// collides with a different item's path in the same SyncRoot. After
// maxConflictAttempts it falls back to appending the provider item ID,
// which is always unique.
func (b *Builder) resolveConflicts(ctx context.Context, path, providerItemID string) (string, error) {
	original := path

	for counter := 1; ; counter++ {
		existing, err := b.store.FindPathConflict(ctx, b.syncRootID, path, providerItemID)
		if err != nil {
			return "", fmt.Errorf("pathbuilder: checking conflict for %s: %w", path, err)
		}

		if existing == nil {
			return path, nil
		}

		if counter > maxConflictAttempts {
			b.logger.Error("too many path conflicts, falling back to provider ID suffix",
				slog.String("path", original))
			return fmt.Sprintf("%s_%s", original, providerItemID), nil
		}

		path = withCounterSuffix(original, counter)
	}
}

// withCounterSuffix inserts " (N)" before a recognized extension, or
// appends it to the whole path otherwise.
func withCounterSuffix(path string, counter int) string {
	slash := strings.LastIndex(path, "/")
	base := path
	prefix := ""

	if slash >= 0 {
		prefix = path[:slash+1]
		base = path[slash+1:]
	}

	if dot := strings.LastIndex(base, "."); dot > 0 {
		return fmt.Sprintf("%s%s (%d)%s", prefix, base[:dot], counter, base[dot:])
	}

	return fmt.Sprintf("%s%s (%d)", prefix, base, counter)
}
