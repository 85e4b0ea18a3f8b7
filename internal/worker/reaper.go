package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/metrics"
)

// ReaperConfig controls stale-job reconciliation.
type ReaperConfig struct {
	Interval time.Duration
	// StaleAfter is how long a heartbeat may be silent before its job or
	// lease is considered dead. Typically three heartbeat intervals.
	StaleAfter time.Duration
}

// Reaper requeues running jobs whose owner went silent, finalizes abandoned
// cancellations and marks silent worker leases offline.
type Reaper struct {
	cfg    ReaperConfig
	store  jobs.Store
	leases jobs.LeaseStore
	clock  jobs.Clock
	logger *zap.Logger
}

// NewReaper builds a Reaper. Interval defaults to five minutes and
// StaleAfter to fifteen seconds.
func NewReaper(cfg ReaperConfig, store jobs.Store, leases jobs.LeaseStore, clock jobs.Clock, logger *zap.Logger) (*Reaper, error) {
	if store == nil || clock == nil {
		return nil, fmt.Errorf("reaper: store and clock are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cfg: cfg, store: store, leases: leases, clock: clock, logger: logger}, nil
}

// Run reconciles once immediately and then every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("stale job reconciliation failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reaper) RunOnce(ctx context.Context) (jobs.ReclaimReport, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.StaleAfter)

	report, err := r.store.ReclaimStale(ctx, cutoff, now)
	if err != nil {
		return jobs.ReclaimReport{}, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if r.leases != nil {
		n, err := r.leases.MarkStaleWorkersOffline(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("mark stale workers offline: %w", err)
		}
		report.WorkersOffline = n
	}

	metrics.ObserveReclaim("requeued", len(report.Requeued))
	metrics.ObserveReclaim("cancelled", len(report.Cancelled))
	if len(report.Requeued)+len(report.Cancelled)+report.WorkersOffline > 0 {
		r.logger.Info("reconciled stale jobs",
			zap.Strings("requeued", report.Requeued),
			zap.Strings("cancelled", report.Cancelled),
			zap.Int("workers_offline", report.WorkersOffline),
		)
	}
	return report, nil
}
