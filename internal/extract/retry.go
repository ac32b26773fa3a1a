package extract

import (
	"context"
	"time"
)

// Backoff describes a bounded retry schedule.
type Backoff struct {
	// Attempts is the number of retries after the first try.
	Attempts int
	// Base is the delay before the first retry.
	Base time.Duration
	// Exponential doubles the delay per retry; otherwise it grows linearly.
	Exponential bool
}

// Delay returns the wait before retry n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Exponential {
		return b.Base << (n - 1)
	}
	return b.Base * time.Duration(n)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
