package config

// Default values for configuration options — the "layer 0" used both as
// the starting point for TOML decoding and the fallback when no config
// file exists.
const (
	defaultBackupRoot  = "/var/lib/cloudbackup/data"
	defaultSecretsPath = "/var/lib/cloudbackup/secrets.json"
	defaultCatalogPath = "/var/lib/cloudbackup/catalog.db"

	defaultKeepLastN = 10
	defaultKeepDays  = 30

	defaultGCBatchSize = 500

	defaultChangePageSize         = 1000
	defaultMaxConcurrentDownloads = 4
	defaultAbortTimeout           = "30m"

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Storage:   defaultStorageConfig(),
		Retention: defaultRetentionConfig(),
		GC:        defaultGCConfig(),
		Sync:      defaultSyncConfig(),
		Logging:   defaultLoggingConfig(),
		OAuth:     make(map[string]OAuthClientConfig),
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{
		BackupRoot:  defaultBackupRoot,
		SecretsPath: defaultSecretsPath,
		CatalogPath: defaultCatalogPath,
	}
}

func defaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		KeepLastN: defaultKeepLastN,
		KeepDays:  defaultKeepDays,
	}
}

func defaultGCConfig() GCConfig {
	return GCConfig{
		BatchSize: defaultGCBatchSize,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ChangePageSize:         defaultChangePageSize,
		MaxConcurrentDownloads: defaultMaxConcurrentDownloads,
		UseHardlinks:           false,
		AbortTimeout:           defaultAbortTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  defaultLogLevel,
		Format: defaultLogFormat,
	}
}
