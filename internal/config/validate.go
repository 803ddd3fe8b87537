package config

import "fmt"

// Validate checks config invariants that TOML decoding cannot enforce.
func Validate(cfg *Config) error {
	if cfg.Storage.BackupRoot == "" {
		return fmt.Errorf("config: storage.backup_root must not be empty")
	}

	if cfg.Storage.SecretsPath == "" {
		return fmt.Errorf("config: storage.secrets_path must not be empty")
	}

	if cfg.Storage.CatalogPath == "" {
		return fmt.Errorf("config: storage.catalog_path must not be empty")
	}

	if cfg.Retention.KeepLastN < 0 {
		return fmt.Errorf("config: retention.keep_last_n must be >= 0, got %d", cfg.Retention.KeepLastN)
	}

	if cfg.Retention.KeepDays < 0 {
		return fmt.Errorf("config: retention.keep_days must be >= 0, got %d", cfg.Retention.KeepDays)
	}

	if cfg.GC.BatchSize <= 0 {
		return fmt.Errorf("config: gc.batch_size must be > 0, got %d", cfg.GC.BatchSize)
	}

	if cfg.Sync.ChangePageSize <= 0 {
		return fmt.Errorf("config: sync.change_page_size must be > 0, got %d", cfg.Sync.ChangePageSize)
	}

	if cfg.Sync.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("config: sync.max_concurrent_downloads must be > 0, got %d", cfg.Sync.MaxConcurrentDownloads)
	}

	return nil
}
