package config

import (
	"strings"
	"time"
)

const (
	// DefaultContainersPath is the container changelog used when none is configured
	DefaultContainersPath = "/tmp/dittomd/containers.log"

	// DefaultFilesPath is the file changelog used when none is configured
	DefaultFilesPath = "/tmp/dittomd/files.log"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Service-level defaults (poll interval, backend) are applied by namespace.DecodeConfig
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyNamespaceDefaults(&cfg.Namespace)
	applyCompactionDefaults(&cfg.Compaction)
	applyBackupDefaults(&cfg.Backup)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyNamespaceDefaults fills in changelog paths for both services.
func applyNamespaceDefaults(cfg *NamespaceConfig) {
	if cfg.Containers == nil {
		cfg.Containers = make(map[string]any)
	}
	if cfg.Files == nil {
		cfg.Files = make(map[string]any)
	}

	if _, ok := cfg.Containers["changelog_path"]; !ok {
		cfg.Containers["changelog_path"] = DefaultContainersPath
	}
	if _, ok := cfg.Files["changelog_path"]; !ok {
		cfg.Files["changelog_path"] = DefaultFilesPath
	}
}

func applyCompactionDefaults(cfg *CompactionConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	// RecordsPerSecond defaults to 0 (unlimited)
}

// applyBackupDefaults selects no backup and pre-populates the sections
// so that generated files document every option.
func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.Type == "" {
		cfg.Type = "none"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "/tmp/dittomd/retired"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Namespace: NamespaceConfig{
			Containers: map[string]any{
				"changelog_path":   DefaultContainersPath,
				"slave_mode":       false,
				"poll_interval_us": 1000,
				"auto_repair":      false,
				"sync_writes":      false,
				"backend":          "changelog",
			},
			Files: map[string]any{
				"changelog_path":   DefaultFilesPath,
				"slave_mode":       false,
				"poll_interval_us": 1000,
				"auto_repair":      false,
				"sync_writes":      false,
				"backend":          "changelog",
			},
		},
		Compaction: CompactionConfig{
			Enabled: true,
		},
		Backup: BackupConfig{
			S3: map[string]any{
				"region":     "us-east-1",
				"bucket":     "",
				"key_prefix": "dittomd/retired/",
				"endpoint":   "",
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
