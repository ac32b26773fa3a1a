// Package extract holds the adapter contract shared by every remote
// extraction service, plus the throttling, backoff and HTTP plumbing they use.
package extract

import (
	"context"
	"fmt"
	"time"
)

// Result is the uniform outcome of one adapter call. Exactly one of
// Success and Error is meaningful: a failed call has Success=false and a
// non-empty Error.
type Result struct {
	Success bool
	RawText string
	JSON    map[string]any
	Error   string
	Elapsed time.Duration
}

// ElapsedMs reports Elapsed in milliseconds, the unit persisted on samples.
func (r Result) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// Ok builds a successful result.
func Ok(text string, fields map[string]any, start time.Time) Result {
	return Result{Success: true, RawText: text, JSON: fields, Elapsed: time.Since(start)}
}

// Fail builds a failed result.
func Fail(msg string, start time.Time) Result {
	return Result{Error: msg, Elapsed: time.Since(start)}
}

// DocumentExtractor turns document bytes into text and, for combined
// services, structured fields. Implementations never return Go errors: every
// failure is carried in the Result.
type DocumentExtractor interface {
	Extract(ctx context.Context, doc []byte, name string) Result
}

// TextStructurer turns OCR text into structured fields.
type TextStructurer interface {
	Structure(ctx context.Context, text, name string) Result
}

// TimeoutMessage is the failure text for an exceeded per-call deadline.
func TimeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Timeout after %s", d)
}

// Truncate cuts s to at most n bytes, for error bodies.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
