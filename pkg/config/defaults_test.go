package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
}

func TestApplyDefaults_Namespace(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Namespace.Containers["changelog_path"] != DefaultContainersPath {
		t.Errorf("Expected default containers path, got %v", cfg.Namespace.Containers["changelog_path"])
	}
	if cfg.Namespace.Files["changelog_path"] != DefaultFilesPath {
		t.Errorf("Expected default files path, got %v", cfg.Namespace.Files["changelog_path"])
	}
	if cfg.Namespace.Quota {
		t.Error("Expected quota accounting disabled by default")
	}
}

func TestApplyDefaults_Compaction(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Compaction.Interval != time.Hour {
		t.Errorf("Expected default interval 1h, got %v", cfg.Compaction.Interval)
	}
	if cfg.Compaction.Timeout != 30*time.Minute {
		t.Errorf("Expected default timeout 30m, got %v", cfg.Compaction.Timeout)
	}
	if cfg.Compaction.RecordsPerSecond != 0 {
		t.Errorf("Expected unlimited copy rate, got %d", cfg.Compaction.RecordsPerSecond)
	}
}

func TestApplyDefaults_Backup(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Backup.Type != "none" {
		t.Errorf("Expected default backup type 'none', got %q", cfg.Backup.Type)
	}
	if cfg.Backup.Filesystem["path"] != "/tmp/dittomd/retired" {
		t.Errorf("Expected default backup path, got %v", cfg.Backup.Filesystem["path"])
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARN", Format: "json", Output: "stderr"},
		Server:  ServerConfig{ShutdownTimeout: 5 * time.Second},
		Namespace: NamespaceConfig{
			Containers: map[string]any{"changelog_path": "/a"},
			Files:      map[string]any{"changelog_path": "/b"},
		},
		Compaction: CompactionConfig{Interval: time.Minute, Timeout: time.Second},
		Backup:     BackupConfig{Type: "filesystem", Filesystem: map[string]any{"path": "/backups"}},
		Metrics:    MetricsConfig{Port: 9191},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Explicit logging values were overwritten: %+v", cfg.Logging)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown timeout 5s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Namespace.Containers["changelog_path"] != "/a" || cfg.Namespace.Files["changelog_path"] != "/b" {
		t.Error("Explicit changelog paths were overwritten")
	}
	if cfg.Compaction.Interval != time.Minute || cfg.Compaction.Timeout != time.Second {
		t.Errorf("Explicit compaction values were overwritten: %+v", cfg.Compaction)
	}
	if cfg.Backup.Filesystem["path"] != "/backups" {
		t.Errorf("Expected backup path '/backups', got %v", cfg.Backup.Filesystem["path"])
	}
	if cfg.Metrics.Port != 9191 {
		t.Errorf("Expected metrics port 9191, got %d", cfg.Metrics.Port)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}
}
