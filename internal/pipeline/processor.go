// Package pipeline drives samples through both extraction paths and decides
// their fate from the agreement score.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/compare"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
	"github.com/joseph-ayodele/ddt-extractor/internal/storage"
)

// BatchHook observes every finished batch.
type BatchHook func(ctx context.Context, summary entity.BatchSummary)

// Processor coordinates the combined extraction (path A) and the OCR plus
// structuring chain (path B) for each sample.
type Processor struct {
	logger     *slog.Logger
	repo       repository.SampleRepository
	blobs      storage.BlobStore
	combined   extract.DocumentExtractor
	ocr        extract.DocumentExtractor
	structurer extract.TextStructurer

	policy       policy
	maxParallel  int
	pendingLimit int
	hooks        []BatchHook

	running atomic.Bool
}

type Option func(*Processor)

func WithMaxParallel(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

func WithAutoValidateThreshold(t float64) Option {
	return func(p *Processor) {
		if t > 0 && t <= 1 {
			p.policy.threshold = t
		}
	}
}

// WithSingleSource controls whether a sample whose path B produced nothing
// is accepted on path A alone.
func WithSingleSource(allow bool) Option {
	return func(p *Processor) { p.policy.allowSingleSource = allow }
}

func WithMatcher(m compare.Matcher) Option {
	return func(p *Processor) { p.policy.matcher = m }
}

// WithPendingLimit caps how many PENDING samples one batch picks up.
func WithPendingLimit(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.pendingLimit = n
		}
	}
}

func WithBatchHook(h BatchHook) Option {
	return func(p *Processor) {
		if h != nil {
			p.hooks = append(p.hooks, h)
		}
	}
}

func NewProcessor(
	logger *slog.Logger,
	repo repository.SampleRepository,
	blobs storage.BlobStore,
	combined extract.DocumentExtractor,
	ocr extract.DocumentExtractor,
	structurer extract.TextStructurer,
	opts ...Option,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger:     logger,
		repo:       repo,
		blobs:      blobs,
		combined:   combined,
		ocr:        ocr,
		structurer: structurer,
		policy: policy{
			matcher:           compare.DefaultMatcher(),
			threshold:         compare.DefaultAutoValidate,
			allowSingleSource: true,
		},
		maxParallel:  2,
		pendingLimit: 1000,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsRunning reports whether a batch is in flight on this instance.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// ProcessSample runs one PENDING sample to a terminal state and returns the
// persisted result. Unknown ids and non-PENDING samples are rejected without
// mutation. Adapter failures are not errors: they end in ERROR or a degraded
// classification on the returned sample.
func (p *Processor) ProcessSample(ctx context.Context, id uuid.UUID) (*entity.Sample, error) {
	var c counters
	return p.process(ctx, id, &c)
}

// RunBatch processes every PENDING sample with at most maxParallel in flight.
// Only one batch may run per Processor; a concurrent call gets
// common.ErrBatchInProgress. Cancelling ctx does not stop an in-flight batch.
func (p *Processor) RunBatch(ctx context.Context) (entity.BatchSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return entity.BatchSummary{}, common.ErrBatchInProgress
	}
	defer p.running.Store(false)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	bid := uuid.New().String()

	pending := constants.SampleStatusPending
	samples, err := p.repo.ListByStatus(ctx, &pending, p.pendingLimit, 0)
	if err != nil {
		p.logger.Error("pipeline.batch.list_failed", "batch_id", bid, "error", err)
		return entity.BatchSummary{}, err
	}
	p.logger.Info("pipeline.batch.start", "batch_id", bid, "pending", len(samples), "max_parallel", p.maxParallel)

	var c counters
	g := new(errgroup.Group)
	g.SetLimit(p.maxParallel)
	for _, s := range samples {
		id := s.ID
		g.Go(func() error {
			if _, err := p.process(ctx, id, &c); err != nil {
				p.logger.Warn("pipeline.batch.sample_skipped", "batch_id", bid, "sample_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := c.summary(len(samples), time.Since(start))
	p.logger.Info("pipeline.batch.done",
		"batch_id", bid,
		"total", summary.Total,
		"processed", summary.Processed,
		"auto_validated", summary.AutoValidated,
		"needs_review", summary.NeedsReview,
		"errors", summary.Errors,
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)
	for _, h := range p.hooks {
		h(ctx, summary)
	}
	return summary, nil
}

func (p *Processor) process(ctx context.Context, id uuid.UUID, c *counters) (*entity.Sample, error) {
	start := time.Now()
	ctx = common.WithSampleID(ctx, id.String())

	s, err := p.repo.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	p.logger.Info("pipeline.sample.start", "sample_id", id, "file", s.Filename)

	u, fault := p.run(ctx, s)
	if fault != nil {
		p.logger.Error("pipeline.sample.fault", "sample_id", id, "file", s.Filename, "error", fault)
		u = faultUpdate(fault.Error())
	}

	// The outcome is persisted even when the caller's deadline has passed.
	saveCtx := context.WithoutCancel(ctx)
	saved, err := p.repo.Update(saveCtx, id, u)
	if err != nil && fault == nil {
		p.logger.Error("pipeline.sample.persist_failed", "sample_id", id, "error", err)
		saved, err = p.repo.Update(saveCtx, id, faultUpdate(err.Error()))
	}
	if err != nil {
		// The sample stays PROCESSING; a reset recovers it.
		c.record(constants.SampleStatusError)
		p.logger.Error("pipeline.sample.persist_failed", "sample_id", id, "error", err)
		return nil, err
	}

	c.record(saved.Status)
	attrs := []any{
		"sample_id", id,
		"file", s.Filename,
		"status", saved.Status.String(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	}
	if saved.MatchScore != nil {
		attrs = append(attrs, "match_score", *saved.MatchScore, "discrepancies", saved.Discrepancies)
	}
	p.logger.Info("pipeline.sample.done", attrs...)
	return saved, nil
}

// run fetches the document, drives both paths concurrently and classifies.
// A non-nil error is an orchestration fault, not an adapter failure.
func (p *Processor) run(ctx context.Context, s *entity.Sample) (u entity.SampleUpdate, fault error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline.sample.panic", "sample_id", s.ID, "panic", r, "stack", string(debug.Stack()))
			fault = fmt.Errorf("panic: %v", r)
		}
	}()

	doc, err := p.blobs.Get(ctx, s.StoragePath)
	if err != nil {
		return entity.SampleUpdate{}, fmt.Errorf("fetch pdf %s: %w", s.StoragePath, err)
	}

	var (
		res    pathResults
		wg     sync.WaitGroup
		faults [2]error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		faults[0] = guard(func() {
			res.combined = p.combined.Extract(ctx, doc, s.Filename)
		})
	}()
	go func() {
		defer wg.Done()
		faults[1] = guard(func() {
			res.ocr = p.ocr.Extract(ctx, doc, s.Filename)
			if res.ocr.Success && res.ocr.RawText != "" {
				st := p.structurer.Structure(ctx, res.ocr.RawText, s.Filename)
				res.structured = &st
			}
		})
	}()
	wg.Wait()

	if faults[0] != nil {
		return entity.SampleUpdate{}, faults[0]
	}
	if faults[1] != nil {
		// Path B degrades; the sample may still pass on path A alone.
		p.logger.Warn("pipeline.sample.path_b_fault", "sample_id", s.ID, "error", faults[1])
		res.ocr = extract.Result{Error: faults[1].Error(), Elapsed: res.ocr.Elapsed}
		res.structured = nil
	}

	return p.policy.classify(res), nil
}

func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
