package async

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks for one sample to be processed.
type Job struct {
	SampleID    uuid.UUID
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// SampleProcessor runs a single sample to completion.
type SampleProcessor interface {
	ProcessSample(ctx context.Context, id uuid.UUID) (*entity.Sample, error)
}

// BatchRunner processes every pending sample.
type BatchRunner interface {
	RunBatch(ctx context.Context) (entity.BatchSummary, error)
}
