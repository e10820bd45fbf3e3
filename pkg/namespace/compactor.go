package namespace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/backup"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// Compactor periodically compacts both services of a master namespace.
//
// Each run compacts a backend into <path>.compact-<id>, moves the old
// backend aside as <path>.retired-<id>, renames the compacted backend onto
// the original path and hands the retired one to the uploader.
//
// Thread Safety: Safe for concurrent use.
type Compactor struct {
	ns       *Namespace
	uploader backup.Uploader
	config   CompactorConfig

	runMu    sync.Mutex
	stopOnce sync.Once
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// CompactorConfig contains configuration for the compactor.
type CompactorConfig struct {
	// Enabled controls whether periodic compaction is active
	Enabled bool

	// Interval is how often to compact (default: 1h)
	Interval time.Duration

	// Timeout bounds a single run (default: 30m)
	Timeout time.Duration

	// KeepRetired leaves the retired backends on disk after upload
	KeepRetired bool
}

// NewCompactor creates a compactor. uploader may be nil.
//
// The compactor is initialized but not started. Call Start() to begin
// background compaction.
func NewCompactor(ns *Namespace, config CompactorConfig, uploader backup.Uploader) *Compactor {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Minute
	}
	return &Compactor{
		ns:       ns,
		uploader: uploader,
		config:   config,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background compaction.
func (c *Compactor) Start() {
	if !c.config.Enabled {
		logger.Info("Compaction disabled")
		return
	}
	if c.started {
		return
	}
	c.started = true

	logger.Info("Starting compactor: interval=%s keep_retired=%v", c.config.Interval, c.config.KeepRetired)
	go c.worker()
}

// Stop stops the compactor and waits for an in-progress run to finish.
func (c *Compactor) Stop(ctx context.Context) error {
	if !c.started {
		return nil
	}

	logger.Info("Stopping compactor...")
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Info("Compactor stopped successfully")
		return nil
	case <-ctx.Done():
		logger.Warn("Compactor shutdown timeout")
		return ctx.Err()
	}
}

// RunNow compacts both services immediately and blocks until done.
func (c *Compactor) RunNow(ctx context.Context) (*CompactionStats, error) {
	logger.Info("Running compaction (manual trigger)...")
	return c.compact(ctx)
}

func (c *Compactor) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			stats, err := c.compact(ctx)
			cancel()

			if err != nil {
				logger.Error("Compaction failed: %v", err)
			} else {
				logger.Info("Compaction completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// compact runs one compaction of each service.
func (c *Compactor) compact(ctx context.Context) (*CompactionStats, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats := &CompactionStats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	if c.ns.IsSlave() {
		return stats, metadata.NewError(metadata.ErrReadOnly, "cannot compact a slave namespace")
	}

	for _, svc := range []*service{&c.ns.containers.service, &c.ns.files.service} {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		svcStats, err := c.compactService(ctx, svc)
		if svcStats != nil {
			stats.Services = append(stats.Services, *svcStats)
		}
		if err != nil {
			return stats, fmt.Errorf("compacting %s: %w", svc.name, err)
		}
	}
	return stats, nil
}

func (c *Compactor) compactService(ctx context.Context, s *service) (*ServiceCompaction, error) {
	start := time.Now()
	runID := uuid.NewString()
	origPath := s.Path()
	stats := &ServiceCompaction{Service: s.name}

	data, err := s.CompactPrepare(origPath + ".compact-" + runID)
	if err != nil {
		return stats, err
	}
	if err := s.Compact(ctx, data); err != nil {
		c.ns.metrics.RecordCompaction(s.name, 0, 0, time.Since(start), err)
		return stats, err
	}
	if err := s.CompactCommit(data); err != nil {
		c.ns.metrics.RecordCompaction(s.name, data.Records(), data.Tail(), time.Since(start), err)
		return stats, err
	}

	stats.Records = data.Records()
	stats.Bytes = data.Bytes()
	stats.Tail = data.Tail()
	stats.Duration = time.Since(start)
	c.ns.metrics.RecordCompaction(s.name, stats.Records, stats.Tail, stats.Duration, nil)

	retired, err := c.relocate(s, origPath, runID)
	if err != nil {
		return stats, err
	}
	stats.Retired = retired

	if c.uploader != nil {
		if err := c.uploader.Upload(ctx, retired, backup.Key(s.name, runID, start)); err != nil {
			// The retired log stays on disk so that the upload can be retried
			return stats, fmt.Errorf("uploading retired log: %w", err)
		}
		stats.Uploaded = true
	}

	if !c.config.KeepRetired {
		if err := os.RemoveAll(retired); err != nil {
			logger.Warn("Removing retired log %s: %v", retired, err)
		}
	}
	return stats, nil
}

// relocate moves the compacted backend back onto origPath, keeping the old
// one as <origPath>.retired-<runID>. Backends that cannot be renamed while
// open keep their compaction path and the old backend is retired in place.
func (c *Compactor) relocate(s *service, origPath, runID string) (string, error) {
	c.ns.mu.Lock()
	defer c.ns.mu.Unlock()

	reloc, ok := s.backend.(metadata.Relocator)
	if !ok {
		return origPath, nil
	}

	retired := origPath + ".retired-" + runID
	if err := os.Rename(origPath, retired); err != nil {
		return "", metadata.NewIOError(origPath, "failed to retire compacted log", err)
	}
	if err := reloc.Relocate(origPath); err != nil {
		if rbErr := os.Rename(retired, origPath); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return "", err
	}
	s.cfg.ChangelogPath = origPath
	return retired, nil
}

// ServiceCompaction contains statistics of one service compaction.
type ServiceCompaction struct {
	Service  string
	Records  int
	Bytes    int64
	Tail     int
	Duration time.Duration
	Retired  string
	Uploaded bool
}

// CompactionStats contains statistics from a compaction run.
type CompactionStats struct {
	StartTime time.Time
	EndTime   time.Time
	Services  []ServiceCompaction
}

// Duration returns the total run duration.
func (s *CompactionStats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the run.
func (s *CompactionStats) Summary() string {
	out := fmt.Sprintf("duration=%s", s.Duration())
	for _, svc := range s.Services {
		out += fmt.Sprintf(" %s[records=%d bytes=%d tail=%d uploaded=%v]",
			svc.Service, svc.Records, svc.Bytes, svc.Tail, svc.Uploaded)
	}
	return out
}
