// Package retention prunes USSD call records once they age out.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// CallPurger deletes call records that ended before a cutoff.
type CallPurger interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartCleanupTicker runs a background goroutine that periodically removes
// call records that ended more than maxDays ago. If maxDays is 0 no cleanup
// is performed. The goroutine stops when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, calls CallPurger, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Purge(ctx, calls, maxDays, time.Now(), logger)
			}
		}
	}()
}

// Purge deletes records that ended more than maxDays before now and returns
// how many were removed.
func Purge(ctx context.Context, calls CallPurger, maxDays int, now time.Time, logger *slog.Logger) int64 {
	cutoff := now.AddDate(0, 0, -maxDays)
	n, err := calls.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		logger.Error("call retention cleanup failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("call retention cleanup", "deleted", n, "max_days", maxDays)
	}
	return n
}
