package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/iho/sagaledger/internal/usecase"
)

// LeaseName is the lease redundant monitors compete for.
const LeaseName = "zombie-monitor"

// Scanner runs one monitor pass.
type Scanner interface {
	Scan(ctx context.Context) (usecase.ScanResult, error)
}

// Locker grants an expiring exclusive lease.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// MonitorConfig for MonitorRunner.
type MonitorConfig struct {
	Scanner  Scanner
	Locker   Locker // optional; nil runs every tick
	Interval time.Duration
	Logger   *slog.Logger
}

// MonitorRunner runs the zombie monitor on a fixed interval. With a Locker,
// only the lease holder scans.
type MonitorRunner struct {
	scanner  Scanner
	locker   Locker
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitorRunner creates a new MonitorRunner.
func NewMonitorRunner(cfg MonitorConfig) *MonitorRunner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MonitorRunner{
		scanner:  cfg.Scanner,
		locker:   cfg.Locker,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Start scans immediately and then on every tick until ctx is cancelled.
func (r *MonitorRunner) Start(ctx context.Context) error {
	r.logger.Info("zombie monitor started",
		slog.Duration("interval", r.interval),
		slog.Bool("leased", r.locker != nil))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			r.release()
			r.logger.Info("zombie monitor shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan if this runner holds the lease. It reports
// whether a scan ran.
func (r *MonitorRunner) RunOnce(ctx context.Context) bool {
	if r.locker != nil {
		// the lease outlives one interval so the holder keeps it across ticks
		ok, err := r.locker.Acquire(ctx, LeaseName, 2*r.interval)
		if err != nil {
			r.logger.Error("zombie monitor lease failed", slog.String("error", err.Error()))
			return false
		}
		if !ok {
			r.logger.Debug("zombie monitor lease held elsewhere")
			return false
		}
	}

	if _, err := r.scanner.Scan(ctx); err != nil {
		r.logger.Error("zombie monitor scan failed", slog.String("error", err.Error()))
	}
	return true
}

func (r *MonitorRunner) release() {
	if r.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.locker.Release(ctx, LeaseName); err != nil {
		r.logger.Warn("zombie monitor lease release failed", slog.String("error", err.Error()))
	}
}
