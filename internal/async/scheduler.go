package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joseph-ayodele/ddt-extractor/internal/common"
)

// Scheduler triggers batch runs on a standard 5-field cron expression,
// e.g. "0 2 * * *" for every night at 02:00.
type Scheduler struct {
	cron   *cron.Cron
	runner BatchRunner
	logger *slog.Logger
	spec   string
}

// NewScheduler parses spec in the given IANA timezone ("" means UTC).
func NewScheduler(spec, timezone string, runner BatchRunner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "batch schedule is empty", common.ErrInvalidInput)
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("timezone %q", timezone), errors.Join(common.ErrInvalidInput, err))
		}
		loc = l
	}

	s := &Scheduler{runner: runner, logger: logger, spec: spec}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithLocation(loc), cron.WithParser(parser))
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("invalid batch schedule %q", spec), errors.Join(common.ErrInvalidInput, err))
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.logger.Info("scheduler.start", "schedule", s.spec, "next", entries[0].Next)
	}
}

// Stop prevents new runs and waits for a running tick until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler.stop.interrupted")
	}
}

func (s *Scheduler) tick() {
	sum, err := s.runner.RunBatch(context.Background())
	switch {
	case errors.Is(err, common.ErrBatchInProgress):
		s.logger.Info("scheduler.tick.skipped", "reason", "batch in progress")
	case err != nil:
		s.logger.Error("scheduler.tick.failed", "error", err)
	default:
		s.logger.Info("scheduler.tick.done", "total", sum.Total, "processed", sum.Processed, "elapsed_ms", sum.Elapsed.Milliseconds())
	}
}
