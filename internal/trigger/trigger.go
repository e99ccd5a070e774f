// Package trigger runs a function on a fixed interval until its context is
// cancelled. The binary uses it to drive the worker drain and the retry
// sweep; deployments with an external scheduler call the HTTP trigger
// endpoints instead.
package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/logging"
)

// Func is one run of a periodic job.
type Func func(ctx context.Context) error

// Every calls fn every interval until ctx is done. The first run happens
// after one interval. Runs never overlap within one loop; a run that
// outlasts the interval delays the next tick. Errors are logged and the loop
// continues. Every blocks, so callers typically start it in a goroutine.
func Every(ctx context.Context, interval time.Duration, name string, fn Func, logger *zap.Logger) {
	logger = logging.OrNop(logger).With(zap.String("job", name))
	if interval <= 0 {
		logger.Warn("trigger disabled, non-positive interval", zap.Duration("interval", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("trigger started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("trigger stopped")
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("periodic job failed", zap.Error(err))
			}
		}
	}
}
