// Package config implements TOML configuration loading and defaults for
// cloudbackup.
package config

// Config is the top-level configuration structure.
type Config struct {
	Storage   StorageConfig                `toml:"storage"`
	Retention RetentionConfig              `toml:"retention"`
	GC        GCConfig                     `toml:"gc"`
	Sync      SyncConfig                   `toml:"sync"`
	Logging   LoggingConfig                `toml:"logging"`
	OAuth     map[string]OAuthClientConfig `toml:"oauth"`
}

// StorageConfig locates the on-disk content-addressed trees and the
// secrets file.
type StorageConfig struct {
	BackupRoot  string `toml:"backup_root"`
	SecretsPath string `toml:"secrets_path"`
	CatalogPath string `toml:"catalog_path"`
}

// RetentionConfig supplies the global default RetentionPolicy used when
// an account has no account-scoped override (spec §4.4 "Retention
// resolution").
type RetentionConfig struct {
	KeepLastN       int    `toml:"keep_last_n"`
	KeepDays        int    `toml:"keep_days"`
	MaxStorageBytes *int64 `toml:"max_storage_bytes"`
}

// GCConfig controls GarbageCollector batch sizing and default mode.
type GCConfig struct {
	BatchSize int  `toml:"batch_size"`
	DryRun    bool `toml:"dry_run"`
}

// SyncConfig controls SyncEngine concurrency.
type SyncConfig struct {
	ChangePageSize         int    `toml:"change_page_size"`
	MaxConcurrentDownloads int    `toml:"max_concurrent_downloads"`
	UseHardlinks           bool   `toml:"use_hardlinks"`
	AbortTimeout           string `toml:"abort_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// OAuthClientConfig is a provider's registered app credentials. These
// values are not copied into the secrets file; driveapi reads client
// credentials from the secrets file's "oauth_clients" section.
type OAuthClientConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}
