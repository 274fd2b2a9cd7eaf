package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryOnBusy runs op up to attempts times, backing off exponentially from
// baseDelay while the error is a SQLite concurrency error.
func RetryOnBusy(ctx context.Context, name string, attempts int, baseDelay time.Duration, op func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == attempts-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 1x, 2x, 4x ...
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}

	if IsSQLiteConflictError(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)
	}
	return err
}
