package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/javanstorm/clawbox/internal/lockmgr"
)

// Run polls oracle every interval until vm is reported stopped, then calls
// onStopped once and returns its error. Oracle errors are logged and the
// poll continues. Run returns nil when ctx is cancelled.
func Run(ctx context.Context, vm string, oracle lockmgr.LivenessOracle, interval time.Duration, onStopped func(context.Context) error, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		running, err := oracle.IsRunning(ctx, vm)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("query VM state", "vm", vm, "error", err)
		case !running:
			logger.Info("VM stopped outside clawbox", "vm", vm)
			return onStopped(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
