package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/metrics"
	"security-gateway/internal/util"
)

// SweepFunc removes expired entries and reports how many went.
type SweepFunc func(ctx context.Context) (int, error)

// RunSweeper calls sweep every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, name string, interval time.Duration, sweep SweepFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sweep(ctx)
			if err != nil {
				util.Warn("Cache sweep failed", zap.String("cache", name), zap.Error(err))
				continue
			}
			if removed > 0 {
				metrics.SweptEntries.WithLabelValues(name).Add(float64(removed))
				util.Debug("Cache sweep completed", zap.String("cache", name), zap.Int("removed", removed))
			}
		}
	}
}
