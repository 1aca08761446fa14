package ticker

import (
	"context"
	"log/slog"
	"time"
)

// Runs task every interval until ctx is done. Task errors are logged under the given name, and do not stop the loop.
func Periodically(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task(ctx); err != nil {
				slog.Warn("periodic task failed", "task", name, "err", err)
			}
		}
	}
}
