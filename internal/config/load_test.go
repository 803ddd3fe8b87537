package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), testLogger())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudbackup.toml")
	toml := `
[storage]
backup_root = "/data/backups"

[retention]
keep_last_n = 5
keep_days = 7
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	require.Equal(t, "/data/backups", cfg.Storage.BackupRoot)
	require.Equal(t, 5, cfg.Retention.KeepLastN)
	require.Equal(t, 7, cfg.Retention.KeepDays)
	// Untouched sections keep their defaults.
	require.Equal(t, defaultGCBatchSize, cfg.GC.BatchSize)
}

func TestValidateRejectsNegativeRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention.KeepLastN = -1

	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateRejectsEmptyBackupRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.BackupRoot = ""

	err := Validate(cfg)
	require.Error(t, err)
}
