package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete dittomd configuration.
//
// This structure captures all configurable aspects of a dittomd node:
//   - Logging configuration
//   - Process-wide settings
//   - Container and file service configuration (namespace.Config sections)
//   - Background compaction and retired log backup
//   - Prometheus metrics
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOMD_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Section Pattern:
// The namespace services and the backup uploaders decode their own options
// from untyped map sections, the same way each service is configured on its
// own. Only the section matching the selected backup type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Namespace configures the container and file services
	Namespace NamespaceConfig `mapstructure:"namespace" yaml:"namespace"`

	// Compaction configures the background compactor
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`

	// Backup selects where retired logs are shipped after compaction
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// NamespaceConfig holds the two service sections.
//
// Each section is decoded by namespace.DecodeConfig. Recognized keys:
// changelog_path, slave_mode, poll_interval_us, auto_repair, backend,
// sync_writes.
type NamespaceConfig struct {
	// Containers configures the container service
	Containers map[string]any `mapstructure:"containers" yaml:"containers" validate:"required"`

	// Files configures the file service
	Files map[string]any `mapstructure:"files" yaml:"files" validate:"required"`

	// Quota enables in-memory quota accounting
	Quota bool `mapstructure:"quota" yaml:"quota"`
}

// CompactionConfig configures the background compactor.
type CompactionConfig struct {
	// Enabled starts periodic compaction on masters
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between two runs
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// Timeout bounds a single run
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`

	// RecordsPerSecond throttles the copy phase (0 = unlimited)
	RecordsPerSecond uint `mapstructure:"records_per_second" yaml:"records_per_second"`

	// Burst is the copy token bucket size (0 = one second worth of records)
	Burst uint `mapstructure:"burst" yaml:"burst"`

	// KeepRetired leaves retired logs on disk after a run
	KeepRetired bool `mapstructure:"keep_retired" yaml:"keep_retired"`
}

// BackupConfig specifies where retired logs are uploaded.
//
// The Type field determines which uploader is used.
// Only the corresponding type-specific configuration section is used.
type BackupConfig struct {
	// Type specifies which uploader to use
	// Valid values: none, s3, filesystem
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=none s3 filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`

	// Filesystem contains local directory configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes /metrics over HTTP
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port serves /metrics, /healthz and /status
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOMD_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error: defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTOMD_ prefix and underscores
	// Example: DITTOMD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/dittomd/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittomd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittomd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
