// Package repository persists DDT samples.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

// SampleRepository is the persistence contract used by the pipeline and the
// sample service. Get and Update return common.ErrNotFound for unknown ids.
type SampleRepository interface {
	Create(ctx context.Context, in entity.NewSample) (*entity.Sample, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Sample, error)
	// ListByStatus returns samples newest first; a nil status lists all and
	// limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status *constants.SampleStatus, limit, offset int) ([]*entity.Sample, error)
	// ListValidated returns every AUTO_VALIDATED or MANUALLY_VALIDATED sample.
	ListValidated(ctx context.Context) ([]*entity.Sample, error)
	Update(ctx context.Context, id uuid.UUID, u entity.SampleUpdate) (*entity.Sample, error)
	// Claim atomically moves a PENDING sample to PROCESSING and returns it.
	// A sample in any other status yields common.ErrInvalidState, so at most
	// one caller wins a given sample.
	Claim(ctx context.Context, id uuid.UUID) (*entity.Sample, error)
	// FindByHash returns nil, nil when no sample has the hash.
	FindByHash(ctx context.Context, hash []byte) (*entity.Sample, error)
	CountByStatus(ctx context.Context) (map[constants.SampleStatus]int, error)
	// AverageMatchScore is nil when no sample has a score.
	AverageMatchScore(ctx context.Context) (*float64, error)
	// Reset returns the given samples, or every non-PENDING sample when ids
	// is empty, to PENDING with extraction results cleared.
	Reset(ctx context.Context, ids []uuid.UUID) (int, error)
}
