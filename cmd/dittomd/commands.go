package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/changelog"
	"github.com/marmos91/dittomd/pkg/config"
	"github.com/marmos91/dittomd/pkg/metrics"
)

func noMetrics() *config.MetricsResult {
	return &config.MetricsResult{NamespaceMetrics: metrics.NewNoopNamespaceMetrics()}
}

func runCompact(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("compact", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Compaction.Timeout)
	defer cancelTimeout()

	ns, err := bootNamespace(ctx, cfg, noMetrics())
	if err != nil {
		return err
	}
	defer func() { _ = ns.Close() }()

	uploader, err := config.CreateUploader(ctx, &cfg.Backup)
	if err != nil {
		return err
	}

	stats, err := config.CreateCompactor(ns, &cfg.Compaction, uploader).RunNow(ctx)
	if err != nil {
		return err
	}
	fmt.Println(stats.Summary())
	return nil
}

func runRepair(args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	logLevel := fs.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	progressEvery := fs.Duration("progress", 5*time.Second, "Interval between progress reports (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: dittomd repair [flags] <src> <dst>")
	}
	logger.SetLevel(*logLevel)

	src, dst := fs.Arg(0), fs.Arg(1)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}

	var last time.Time
	progress := func(s changelog.RepairStats) {
		if *progressEvery <= 0 || time.Since(last) < *progressEvery {
			return
		}
		last = time.Now()
		if s.BytesTotal > 0 {
			logger.Info("Repair progress: %.1f%% (%d records)",
				100*float64(s.BytesAccepted+s.BytesDiscarded)/float64(s.BytesTotal), s.Scanned)
		}
	}

	var stats changelog.RepairStats
	if err := changelog.Repair(src, dst, &stats, progress); err != nil {
		return err
	}
	fmt.Println(stats.Summary())
	if stats.NotFixed > 0 {
		logger.Warn("%d damaged regions could not be salvaged", stats.NotFixed)
	}
	return nil
}

func runPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	containersPath := fs.String("containers-path", "", "New master changelog for the container service (required)")
	filesPath := fs.String("files-path", "", "New master changelog for the file service (required)")

	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *containersPath == "" || *filesPath == "" {
		return fmt.Errorf("-containers-path and -files-path are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ns, err := bootNamespace(ctx, cfg, noMetrics())
	if err != nil {
		return err
	}
	defer func() { _ = ns.Close() }()

	if err := ns.SlaveToMaster(ctx, *containersPath, *filesPath); err != nil {
		return err
	}

	fmt.Printf("Promoted to master: containers=%s files=%s\n", ns.Containers().Path(), ns.Files().Path())
	fmt.Println("Update namespace.*.changelog_path and slave_mode in the configuration before the next start.")
	return nil
}
