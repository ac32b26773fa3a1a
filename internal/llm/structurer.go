// Package llm drives text-to-JSON structuring of DDT OCR text through a
// pluggable completion provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
)

// Completer sends one system+user exchange and returns the raw reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// StatusError is a non-2xx reply from a completion endpoint.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, extract.Truncate(e.Body, 200))
}

// IsRateLimited reports whether err means the provider refused the call for
// quota, rate or credential reasons. Those are never retried. Only provider
// replies count; transport failures never do.
func IsRateLimited(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	body := strings.ToLower(se.Body)
	for _, marker := range []string{"rate limit", "quota", "resource_exhausted"} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// Options configures a Structurer.
type Options struct {
	// Name identifies the provider in logs and throttle events.
	Name string
	// MinInterval is the minimum spacing between outbound calls.
	MinInterval time.Duration
	// Timeout bounds each completion attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after a malformed reply.
	Retries int
	// BackoffBase is multiplied by the attempt number between retries.
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// Structurer implements extract.TextStructurer on top of a Completer.
type Structurer struct {
	completer Completer
	name      string
	throttle  *extract.Throttle
	timeout   time.Duration
	backoff   extract.Backoff
	logger    *slog.Logger
}

var _ extract.TextStructurer = (*Structurer)(nil)

// NewStructurer wraps c with throttling, a per-attempt timeout and retries
// on unparseable replies.
func NewStructurer(c Completer, opts Options) *Structurer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "llm"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Structurer{
		completer: c,
		name:      opts.Name,
		throttle:  extract.NewThrottle(opts.Name, opts.MinInterval, opts.Logger),
		timeout:   opts.Timeout,
		backoff:   extract.Backoff{Attempts: opts.Retries, Base: opts.BackoffBase},
		logger:    opts.Logger,
	}
}

// Structure extracts DDT fields from OCR text. It never returns a Go error;
// every failure is reported in the Result.
func (s *Structurer) Structure(ctx context.Context, text, name string) extract.Result {
	rid := uuid.New().String()
	start := time.Now()
	user := BuildUserPrompt(text)

	s.logger.Info(s.name+".structure.start", append([]any{
		"req_id", rid,
		"file", name,
		"text_len", len(text),
	}, common.LogAttrs(ctx)...)...)

	var lastErr error
	for attempt := 0; attempt <= s.backoff.Attempts; attempt++ {
		if attempt > 0 {
			if err := extract.Sleep(ctx, s.backoff.Delay(attempt)); err != nil {
				return s.fail(rid, name, fmt.Sprintf("Canceled: %v", err), start)
			}
		}
		if err := s.throttle.Wait(ctx); err != nil {
			return s.fail(rid, name, fmt.Sprintf("Canceled: %v", err), start)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		reply, err := s.completer.Complete(callCtx, SystemPrompt, user)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err != nil {
			switch {
			case timedOut || errors.Is(err, context.DeadlineExceeded):
				return s.fail(rid, name, extract.TimeoutMessage(s.timeout), start)
			case IsRateLimited(err):
				return s.fail(rid, name, "Rate limit exceeded: "+err.Error(), start)
			default:
				return s.fail(rid, name, err.Error(), start)
			}
		}

		fields, perr := ParseJSONObject(reply)
		if perr != nil {
			lastErr = perr
			s.logger.Warn(s.name+".structure.bad_json",
				"req_id", rid,
				"file", name,
				"attempt", attempt+1,
				"error", perr,
			)
			continue
		}

		if verr := ValidateDDTFields(fields); verr != nil {
			s.logger.Warn(s.name+".structure.schema_warning",
				"req_id", rid,
				"file", name,
				"error", verr,
			)
		}

		s.logger.Info(s.name+".structure.ok",
			"req_id", rid,
			"file", name,
			"fields", len(fields),
			"attempts", attempt+1,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return extract.Ok(reply, fields, start)
	}

	return s.fail(rid, name, fmt.Sprintf("Invalid JSON after %d retries: %v", s.backoff.Attempts, lastErr), start)
}

func (s *Structurer) fail(rid, name, msg string, start time.Time) extract.Result {
	s.logger.Error(s.name+".structure.failed",
		"req_id", rid,
		"file", name,
		"error", msg,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.Fail(msg, start)
}
