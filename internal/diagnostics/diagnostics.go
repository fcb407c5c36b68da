// Package diagnostics runs a ticker-driven reporter that logs device
// generation, device read throughput, attached client count, and host
// resource usage. Grounded on
// this codebase's StatsReporter (internal/agent/stats_reporter.go): same
// start/stop lifecycle, same ticker-select-log shape, generalized from
// "backup job status" to "device/client bridge health." The host metrics
// collected (cpu/mem/disk/load) fold in this codebase's SystemMonitor
// (internal/agent/monitor.go) as fields on the same periodic report rather
// than a second independent ticker.
package diagnostics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/crabterm/crabterm/internal/registry"
)

// DefaultInterval matches this codebase's lineage of ticker-driven
// reporters logging on a fixed cadence rather than being event-driven.
const DefaultInterval = 15 * time.Second

// deviceStats is the minimal device surface the reporter needs.
type deviceStats interface {
	Generation() uint64
}

// Reporter periodically logs host and bridge health. It never gates or
// delays any core operation — this is pure observability.
type Reporter struct {
	dev      deviceStats
	registry *registry.Registry
	logger   *slog.Logger
	interval time.Duration

	total atomic.Uint64 // bytes read from the device, written from the broadcast engine's goroutine
}

// New builds a Reporter. interval <= 0 uses DefaultInterval.
func New(dev deviceStats, reg *registry.Registry, logger *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{
		dev:      dev,
		registry: reg,
		logger:   logger,
		interval: interval,
	}
}

// Observe records n bytes read from the device this tick (counted once per
// chunk, whether or not any client is attached), for the throughput figure
// in the next report. Cheap enough to call from the
// broadcast engine's hot path; safe to call concurrently with Run.
func (r *Reporter) Observe(n int) {
	r.total.Add(uint64(n))
}

// Run logs a report every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastTotal := uint64(0)
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			total := r.total.Load()
			elapsed := now.Sub(lastAt).Seconds()
			delta := total - lastTotal
			throughput := float64(0)
			if elapsed > 0 {
				throughput = float64(delta) / elapsed
			}
			lastTotal = total
			lastAt = now

			r.report(throughput)
		}
	}
}

func (r *Reporter) report(bytesPerSec float64) {
	attrs := []any{
		"generation", r.dev.Generation(),
		"clients", r.registry.Count(),
		"bytes_per_sec", int64(bytesPerSec),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		attrs = append(attrs, "host_cpu_pct", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "host_mem_used_pct", vm.UsedPercent)
	}
	if d, err := disk.Usage("/"); err == nil {
		attrs = append(attrs, "host_disk_used_pct", d.UsedPercent)
	}
	if l, err := load.Avg(); err == nil {
		attrs = append(attrs, "host_load1", l.Load1)
	}

	r.logger.Info("diagnostics", attrs...)
}
