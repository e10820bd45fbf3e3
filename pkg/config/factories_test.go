package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittomd/pkg/backup"
	"github.com/marmos91/dittomd/pkg/metadata"
	"github.com/marmos91/dittomd/pkg/metrics"
	"github.com/marmos91/dittomd/pkg/namespace"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := GetDefaultConfig()
	cfg.Namespace.Containers["changelog_path"] = filepath.Join(dir, "containers.log")
	cfg.Namespace.Files["changelog_path"] = filepath.Join(dir, "files.log")
	return cfg
}

func TestCreateNamespaceOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Namespace.Files["poll_interval_us"] = "250"
	cfg.Namespace.Quota = true
	cfg.Compaction.RecordsPerSecond = 1000

	opts, stats, err := CreateNamespaceOptions(cfg, metrics.NewNoopNamespaceMetrics())
	if err != nil {
		t.Fatalf("CreateNamespaceOptions failed: %v", err)
	}

	if opts.Containers.ChangelogPath != cfg.Namespace.Containers["changelog_path"] {
		t.Errorf("Unexpected containers path %q", opts.Containers.ChangelogPath)
	}
	if opts.Files.PollInterval() != 250*time.Microsecond {
		t.Errorf("Expected poll interval 250us, got %v", opts.Files.PollInterval())
	}
	if stats == nil || opts.Quota == nil {
		t.Fatal("Expected quota accounting to be wired")
	}
	if opts.Limiter == nil {
		t.Error("Expected a copy limiter")
	}

	ns, err := namespace.New(opts)
	if err != nil {
		t.Fatalf("namespace.New failed: %v", err)
	}
	if err := ns.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer func() { _ = ns.Close() }()

	q, err := ns.Containers().CreateContainer(metadata.RootID, "q", namespace.ContainerAttr{Flags: metadata.FlagQuotaNode})
	if err != nil {
		t.Fatalf("CreateContainer failed: %v", err)
	}
	if _, err := ns.Files().CreateFile(q.ID, "f", namespace.FileAttr{Size: 10, Locations: []metadata.Location{1}}); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if _, ok := stats.Node(q.ID); !ok {
		t.Error("Expected usage recorded for the quota node")
	}
}

func TestCreateNamespaceOptions_QuotaDisabled(t *testing.T) {
	cfg := testConfig(t)

	opts, stats, err := CreateNamespaceOptions(cfg, nil)
	if err != nil {
		t.Fatalf("CreateNamespaceOptions failed: %v", err)
	}
	if stats != nil || opts.Quota != nil {
		t.Error("Expected no quota sink when quota is disabled")
	}
}

func TestCreateNamespaceOptions_InvalidSection(t *testing.T) {
	cfg := testConfig(t)
	cfg.Namespace.Containers["backend"] = "sqlite"

	if _, _, err := CreateNamespaceOptions(cfg, nil); err == nil {
		t.Fatal("Expected error for unknown backend")
	}
}

func TestCreateUploader_None(t *testing.T) {
	uploader, err := CreateUploader(context.Background(), &BackupConfig{Type: "none"})
	if err != nil {
		t.Fatalf("CreateUploader failed: %v", err)
	}
	if uploader != nil {
		t.Error("Expected nil uploader for type none")
	}
}

func TestCreateUploader_Filesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "retired")

	uploader, err := CreateUploader(context.Background(), &BackupConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"path": root},
	})
	if err != nil {
		t.Fatalf("CreateUploader failed: %v", err)
	}
	if _, ok := uploader.(*backup.DirUploader); !ok {
		t.Fatalf("Expected *backup.DirUploader, got %T", uploader)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("Expected backup directory to be created: %v", err)
	}
}

func TestCreateUploader_FilesystemMissingPath(t *testing.T) {
	_, err := CreateUploader(context.Background(), &BackupConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	})
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestCreateUploader_S3MissingBucket(t *testing.T) {
	_, err := CreateUploader(context.Background(), &BackupConfig{
		Type: "s3",
		S3:   map[string]any{"region": "us-east-1"},
	})
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
}

func TestCreateUploader_UnknownType(t *testing.T) {
	if _, err := CreateUploader(context.Background(), &BackupConfig{Type: "ftp"}); err == nil {
		t.Fatal("Expected error for unknown backup type")
	}
}

func TestCreateUploader_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CreateUploader(ctx, &BackupConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"path": t.TempDir()},
	})
	if err == nil {
		t.Fatal("Expected error with canceled context")
	}
}

func TestCreateCompactor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compaction.Enabled = false

	opts, _, err := CreateNamespaceOptions(cfg, nil)
	if err != nil {
		t.Fatalf("CreateNamespaceOptions failed: %v", err)
	}
	ns, err := namespace.New(opts)
	if err != nil {
		t.Fatalf("namespace.New failed: %v", err)
	}
	if err := ns.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer func() { _ = ns.Close() }()

	compactor := CreateCompactor(ns, &cfg.Compaction, nil)
	stats, err := compactor.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if len(stats.Services) != 2 {
		t.Errorf("Expected both services compacted, got %d", len(stats.Services))
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = false

	result := InitializeMetrics(cfg)
	if result.Server != nil {
		t.Error("Expected no metrics server when disabled")
	}
	if result.NamespaceMetrics == nil {
		t.Error("Expected no-op namespace metrics")
	}
}

func TestInitializeMetrics_Enabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 19090

	result := InitializeMetrics(cfg)
	if result.Server == nil {
		t.Fatal("Expected a metrics server")
	}
	if result.Server.Port() != 19090 {
		t.Errorf("Expected port 19090, got %d", result.Server.Port())
	}
	if !metrics.IsEnabled() {
		t.Error("Expected the registry to be initialized")
	}
}
