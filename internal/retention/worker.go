// Package retention sweeps the learning ledgers on a fixed interval.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/firmdesk/internal/shared"
)

const (
	defaultInterval   = time.Hour
	defaultMinApplied = 10
	retryAttempts     = 3
	retryBaseDelay    = 100 * time.Millisecond
)

// Ledger is the subset of the repository the worker prunes.
type Ledger interface {
	PurgeExpiredMatterMemory(ctx context.Context, before time.Time) (int64, error)
	DeactivateIneffectiveOverrides(ctx context.Context, minApplied int) (int64, error)
}

// Config controls the sweep.
type Config struct {
	Interval time.Duration
	// MinApplied is how often an override must have been applied, with no
	// later success, before it is retired.
	MinApplied int
}

// Result reports what one sweep removed.
type Result struct {
	MemoriesPurged   int64
	OverridesRetired int64
	MemoryErr        error
	RuleErr          error
}

// Worker prunes expired matter memory and overrides that never help.
type Worker struct {
	ledger Ledger
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker creates a retention worker.
func NewWorker(ledger Ledger, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinApplied <= 0 {
		cfg.MinApplied = defaultMinApplied
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ledger: ledger, cfg: cfg, logger: logger, now: time.Now}
}

// Start runs the sweep in a background goroutine until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Retention worker started", "interval", w.cfg.Interval, "min_applied", w.cfg.MinApplied)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass. A failure in one ledger does not skip the other.
func (w *Worker) Sweep(ctx context.Context) Result {
	var res Result

	res.MemoryErr = shared.RetryOnBusy(ctx, "purge matter memory", retryAttempts, retryBaseDelay, func(ctx context.Context) error {
		n, err := w.ledger.PurgeExpiredMatterMemory(ctx, w.now())
		res.MemoriesPurged = n
		return err
	})
	if res.MemoryErr != nil {
		w.logger.Error("Retention worker failed to purge matter memory", "error", res.MemoryErr)
	} else if res.MemoriesPurged > 0 {
		w.logger.Info("Retention worker purged expired matter memory", "count", res.MemoriesPurged)
	}

	res.RuleErr = shared.RetryOnBusy(ctx, "retire overrides", retryAttempts, retryBaseDelay, func(ctx context.Context) error {
		n, err := w.ledger.DeactivateIneffectiveOverrides(ctx, w.cfg.MinApplied)
		res.OverridesRetired = n
		return err
	})
	if res.RuleErr != nil {
		w.logger.Error("Retention worker failed to retire overrides", "error", res.RuleErr)
	} else if res.OverridesRetired > 0 {
		w.logger.Info("Retention worker retired ineffective overrides", "count", res.OverridesRetired)
	}

	return res
}
