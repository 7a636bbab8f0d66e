// Package collectors implements the Event Collectors (C9):
// SnapshotCollector, FilesystemCollector, and CommandIngress. All three
// write through the Timeline Store so dedup, retention, and fan-out
// behave uniformly (spec §4.9). The subscribe-filter-republish shape
// mirrors the agent's homeassistant state watcher
// (internal/homeassistant/statewatch.go).
package collectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/brackwood/nexus/internal/timeline"
)

const defaultSnapshotInterval = 300 * time.Second

// SnapshotCollector periodically samples system resources and appends a
// SystemSnapshotEvent. A failed read for one metric only omits that
// field (spec §4.9: "must survive transient read failures").
type SnapshotCollector struct {
	store    *timeline.Store
	interval time.Duration
	diskPath string
	logger   *slog.Logger
}

// NewSnapshotCollector builds a SnapshotCollector. interval <= 0 uses
// the 300s default. diskPath is the filesystem to report usage for
// ("/" is the sane default on every platform this runs on).
func NewSnapshotCollector(store *timeline.Store, interval time.Duration, diskPath string, logger *slog.Logger) *SnapshotCollector {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCollector{store: store, interval: interval, diskPath: diskPath, logger: logger.With("collector", "snapshot")}
}

// Run samples immediately, then on every tick, until ctx is cancelled.
func (c *SnapshotCollector) Run(ctx context.Context) {
	c.logger.Info("snapshot collector started", "interval", c.interval)
	defer c.logger.Info("snapshot collector stopped")

	c.sampleOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce(ctx)
		}
	}
}

// sampleOnce reads all four metrics concurrently: cpu.PercentWithContext
// alone blocks for its whole sampling window (200ms), so gathering the
// rest in parallel keeps one slow read from serializing the others.
// Each goroutine only ever writes its own field of e, and errgroup.Wait
// establishes the happens-before edge back to the caller, so no mutex
// is needed.
func (c *SnapshotCollector) sampleOnce(ctx context.Context) {
	e := timeline.SystemSnapshotEvent{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		percents, err := cpu.PercentWithContext(gctx, 200*time.Millisecond, false)
		if err != nil {
			c.logger.Debug("cpu sample failed", "error", err)
			return nil
		}
		if len(percents) > 0 {
			e.CPUPercent = &percents[0]
		}
		return nil
	})

	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(gctx)
		if err != nil {
			c.logger.Debug("mem sample failed", "error", err)
			return nil
		}
		e.MemPercent = &vm.UsedPercent
		return nil
	})

	g.Go(func() error {
		du, err := disk.UsageWithContext(gctx, c.diskPath)
		if err != nil {
			c.logger.Debug("disk sample failed", "error", err)
			return nil
		}
		e.DiskPercent = &du.UsedPercent
		return nil
	})

	g.Go(func() error {
		procs, err := process.ProcessesWithContext(gctx)
		if err != nil {
			c.logger.Debug("process count failed", "error", err)
			return nil
		}
		n := len(procs)
		e.ProcessCount = &n
		return nil
	})

	_ = g.Wait() // every Go func swallows its own error; Wait just joins them

	if _, err := c.store.AppendSystemSnapshot(ctx, e); err != nil {
		c.logger.Warn("append system snapshot failed", "error", err)
	}
}
