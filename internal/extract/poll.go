package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RateLimitError reports that a submission kept receiving HTTP 429 until the
// retry budget ran out.
type RateLimitError struct {
	Retries int
	Body    string
}

func (e *RateLimitError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("Rate limit exceeded after %d retries", e.Retries)
	}
	return fmt.Sprintf("Rate limit exceeded after %d retries: %s", e.Retries, Truncate(e.Body, 200))
}

// PollTimeoutError reports an exhausted poll budget.
type PollTimeoutError struct {
	Polls int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("Timeout after %d polls", e.Polls)
}

// SubmitWithRetry runs send behind the throttle and repeats it on HTTP 429
// following b. Any other status, or a transport error, is returned as is.
func SubmitWithRetry(ctx context.Context, t *Throttle, b Backoff, logger *slog.Logger, prefix string, send func(ctx context.Context) (*Response, error)) (*Response, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 0; ; attempt++ {
		if err := t.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := send(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Status != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt >= b.Attempts {
			return nil, &RateLimitError{Retries: b.Attempts, Body: string(resp.Body)}
		}
		delay := b.Delay(attempt + 1)
		logger.Warn(prefix+".submit.rate_limited", "attempt", attempt+1, "retry_in_ms", delay.Milliseconds())
		if err := Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// PollState is the outcome of one status check.
type PollState int

const (
	// PollPending means keep polling. Transient errors map here too.
	PollPending PollState = iota
	// PollDone means the job reached its success state.
	PollDone
)

// PollLoop is the bounded polling half of a submit-then-poll call.
type PollLoop struct {
	Interval time.Duration
	MaxPolls int
	Throttle *Throttle
}

// Run waits Interval, throttles, then calls check, up to MaxPolls times.
// check returns a non-nil error only for a terminal failure.
func (p PollLoop) Run(ctx context.Context, check func(ctx context.Context, attempt int) (PollState, error)) error {
	for attempt := 1; attempt <= p.MaxPolls; attempt++ {
		if err := Sleep(ctx, p.Interval); err != nil {
			return err
		}
		if p.Throttle != nil {
			if err := p.Throttle.Wait(ctx); err != nil {
				return err
			}
		}
		state, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if state == PollDone {
			return nil
		}
	}
	return &PollTimeoutError{Polls: p.MaxPolls}
}
