package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPruneInterval is how often RunPruneWorker sweeps stale handles.
const DefaultPruneInterval = time.Hour

// RunPruneWorker removes handles older than ttl once immediately and then on
// every tick until ctx is done. Sweep failures are logged and retried on the
// next tick.
func RunPruneWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	logger = logger.With("component", "prune_worker")

	sweep := func() {
		n, err := repo.PruneHandles(ctx, ttl)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to prune stale resume handles", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("Pruned stale resume handles", "count", n, "ttl", ttl)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
