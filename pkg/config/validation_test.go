package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "TRACE"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "Level") {
		t.Errorf("Expected error to mention Level, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Error("Expected error for invalid log format")
	}
}

func TestValidate_InvalidShutdownTimeout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.ShutdownTimeout = -time.Second

	if err := Validate(cfg); err == nil {
		t.Error("Expected error for negative shutdown timeout")
	}
}

func TestValidate_InvalidBackupType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backup.Type = "ftp"

	if err := Validate(cfg); err == nil {
		t.Error("Expected error for invalid backup type")
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Error("Expected error for metrics port out of range")
	}
}

func TestValidate_NamespaceSections(t *testing.T) {
	tests := []struct {
		name       string
		containers map[string]any
		files      map[string]any
		wantErr    string
	}{
		{
			name:       "MissingPath",
			containers: map[string]any{"slave_mode": true},
			files:      map[string]any{"changelog_path": "/b"},
			wantErr:    "namespace.containers",
		},
		{
			name:       "UnknownKey",
			containers: map[string]any{"changelog_path": "/a"},
			files:      map[string]any{"changelog_path": "/b", "compress": true},
			wantErr:    "namespace.files",
		},
		{
			name:       "UnknownBackend",
			containers: map[string]any{"changelog_path": "/a", "backend": "sqlite"},
			files:      map[string]any{"changelog_path": "/b"},
			wantErr:    "namespace.containers",
		},
		{
			name:       "SharedPath",
			containers: map[string]any{"changelog_path": "/data/log"},
			files:      map[string]any{"changelog_path": "/data/./log"},
			wantErr:    "different changelog paths",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Namespace.Containers = tt.containers
			cfg.Namespace.Files = tt.files

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_CompactionOnSlave(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Namespace.Containers["slave_mode"] = true
	cfg.Namespace.Files["slave_mode"] = true

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for compaction on a slave")
	}

	cfg.Compaction.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected slave config without compaction to be valid, got: %v", err)
	}
}

func TestValidate_BackupSections(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backup.Type = "s3"
	cfg.Backup.S3 = map[string]any{"region": "eu-west-1"}

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Errorf("Expected bucket error, got: %v", err)
	}

	cfg.Backup.S3["bucket"] = "retired-logs"
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid s3 backup, got: %v", err)
	}

	cfg.Backup.Type = "filesystem"
	cfg.Backup.Filesystem = map[string]any{}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "path") {
		t.Errorf("Expected path error, got: %v", err)
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level

		if err := Validate(cfg); err != nil {
			t.Errorf("Expected lowercase level %q to be valid, got: %v", level, err)
		}
	}
}

func TestValidate_ReportsEveryFailingField(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"Format", "Port", "max=65535"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}
