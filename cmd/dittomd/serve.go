package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/config"
	"github.com/marmos91/dittomd/pkg/metrics"
	"github.com/marmos91/dittomd/pkg/namespace"
	"golang.org/x/sync/errgroup"
)

// bootNamespace creates and initializes the namespace described by cfg and
// logs the boot warnings.
func bootNamespace(ctx context.Context, cfg *config.Config, result *config.MetricsResult) (*namespace.Namespace, error) {
	opts, stats, err := config.CreateNamespaceOptions(cfg, result.NamespaceMetrics)
	if err != nil {
		return nil, err
	}

	ns, err := namespace.New(opts)
	if err != nil {
		return nil, err
	}
	if err := ns.Initialize(ctx); err != nil {
		return nil, err
	}

	for _, w := range ns.Warnings() {
		logger.Warn("Boot: %s", w)
	}

	role := "master"
	if ns.IsSlave() {
		role = "slave"
	}
	logger.Info("Namespace ready (%s): containers=%d files=%d",
		role, ns.Containers().NumContainers(), ns.Files().NumFiles())
	if stats != nil {
		logger.Info("Quota accounting enabled: %d quota nodes", len(stats.Nodes()))
	}
	return ns, nil
}

func namespaceStatus(ns *namespace.Namespace) metrics.StatusFunc {
	return func() metrics.Status {
		role := "master"
		if ns.IsSlave() {
			role = "slave"
		}
		return metrics.Status{
			Role:       role,
			Containers: ns.Containers().NumContainers(),
			Files:      ns.Files().NumFiles(),
			Warnings:   ns.Warnings(),
		}
	}
}

// reloadCompactionRate re-reads the configuration and applies
// compaction.records_per_second. Other settings need a restart.
func reloadCompactionRate(ns *namespace.Namespace, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Reload failed, keeping the current settings: %v", err)
		return
	}
	old := ns.CompactionRate()
	ns.SetCompactionRate(cfg.Compaction.RecordsPerSecond)
	logger.Info("Compaction rate reloaded: %d -> %d records/s (0 = unlimited)",
		old, cfg.Compaction.RecordsPerSecond)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	configPath := fs.Lookup("config").Value.String()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsResult := config.InitializeMetrics(cfg)

	ns, err := bootNamespace(ctx, cfg, metricsResult)
	if err != nil {
		return err
	}
	defer func() {
		if err := ns.Close(); err != nil {
			logger.Error("Namespace close error: %v", err)
		}
	}()

	uploader, err := config.CreateUploader(ctx, &cfg.Backup)
	if err != nil {
		return err
	}

	compactor := config.CreateCompactor(ns, &cfg.Compaction, uploader)
	if !ns.IsSlave() {
		compactor.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	if metricsResult.Server != nil {
		metricsResult.Server.SetStatus(namespaceStatus(ns))
		g.Go(func() error {
			return metricsResult.Server.Start(gctx)
		})
	}

	// SIGUSR1 triggers an immediate compaction run, SIGHUP reloads the
	// compaction rate from the configuration file
	g.Go(func() error {
		trigger := make(chan os.Signal, 1)
		signal.Notify(trigger, syscall.SIGUSR1, syscall.SIGHUP)
		defer signal.Stop(trigger)

		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-trigger:
				if sig == syscall.SIGHUP {
					reloadCompactionRate(ns, configPath)
					continue
				}
				if ns.IsSlave() {
					logger.Warn("Ignoring compaction request on a slave")
					continue
				}
				runCtx, runCancel := context.WithTimeout(gctx, cfg.Compaction.Timeout)
				stats, err := compactor.RunNow(runCtx)
				runCancel()
				if err != nil {
					logger.Error("Compaction failed: %v", err)
					continue
				}
				logger.Info("Compaction completed: %s", stats.Summary())
			}
		}
	})

	logger.Info("dittomd is running. Press Ctrl+C to stop.")
	<-gctx.Done()
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := compactor.Stop(shutdownCtx); err != nil {
		logger.Error("Compactor shutdown error: %v", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("dittomd stopped")
	return nil
}
