package extract

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a minimum wall-clock interval between outbound calls of
// one adapter. It is safe for concurrent use: callers are queued behind each
// other's reservations so the interval holds across goroutines.
type Throttle struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewThrottle builds a throttle; interval <= 0 disables it.
func NewThrottle(name string, interval time.Duration, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{
		name:     name,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Interval returns the configured minimum spacing.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Wait blocks until the next call is allowed or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	r := t.limiter.Reserve()
	d := r.Delay()
	if d <= 0 {
		return nil
	}
	t.logger.Debug("throttle.wait", "adapter", t.name, "wait_ms", d.Milliseconds())
	if err := Sleep(ctx, d); err != nil {
		r.Cancel()
		return err
	}
	return nil
}
