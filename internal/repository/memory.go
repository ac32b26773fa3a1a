package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

// MemoryRepository is a goroutine-safe in-process SampleRepository. Returned
// samples are deep copies.
type MemoryRepository struct {
	mu      sync.RWMutex
	samples map[uuid.UUID]*entity.Sample
	now     func() time.Time
}

var _ SampleRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		samples: make(map[uuid.UUID]*entity.Sample),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) Create(_ context.Context, in entity.NewSample) (*entity.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := &entity.Sample{
		ID:          uuid.New(),
		Filename:    in.Filename,
		StoragePath: in.StoragePath,
		ContentHash: bytes.Clone(in.ContentHash),
		Status:      constants.SampleStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.FileSizeBytes > 0 {
		s.FileSizeBytes = entity.Ptr(in.FileSizeBytes)
	}
	m.samples[s.ID] = s
	return clone(s), nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*entity.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[id]
	if !ok {
		return nil, notFound(id)
	}
	return clone(s), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status *constants.SampleStatus, limit, offset int) ([]*entity.Sample, error) {
	return m.list(func(s *entity.Sample) bool {
		return status == nil || s.Status == *status
	}, true, limit, offset), nil
}

func (m *MemoryRepository) ListValidated(_ context.Context) ([]*entity.Sample, error) {
	return m.list(func(s *entity.Sample) bool { return s.Status.IsValidated() }, false, 0, 0), nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, u entity.SampleUpdate) (*entity.Sample, error) {
	if _, err := assignmentsFor(u); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[id]
	if !ok {
		return nil, notFound(id)
	}
	u.Apply(s)
	// Stored copies must not alias caller maps.
	*s = *clone(s)
	s.UpdatedAt = m.now()
	return clone(s), nil
}

func (m *MemoryRepository) Claim(_ context.Context, id uuid.UUID) (*entity.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[id]
	if !ok {
		return nil, notFound(id)
	}
	if s.Status != constants.SampleStatusPending {
		return nil, notPending(id, s.Status)
	}
	s.Status = constants.SampleStatusProcessing
	s.UpdatedAt = m.now()
	return clone(s), nil
}

func (m *MemoryRepository) FindByHash(_ context.Context, hash []byte) (*entity.Sample, error) {
	if len(hash) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.samples {
		if bytes.Equal(s.ContentHash, hash) {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) CountByStatus(_ context.Context) (map[constants.SampleStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[constants.SampleStatus]int)
	for _, st := range constants.AllSampleStatuses() {
		counts[st] = 0
	}
	for _, s := range m.samples {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *MemoryRepository) AverageMatchScore(_ context.Context) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	var n int
	for _, s := range m.samples {
		if s.MatchScore != nil {
			sum += *s.MatchScore
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}

func (m *MemoryRepository) Reset(_ context.Context, ids []uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := entity.ResetUpdate()
	n := 0
	apply := func(s *entity.Sample) {
		u.Apply(s)
		s.UpdatedAt = m.now()
		n++
	}
	if len(ids) == 0 {
		for _, s := range m.samples {
			if s.Status != constants.SampleStatusPending {
				apply(s)
			}
		}
		return n, nil
	}
	for _, id := range ids {
		if s, ok := m.samples[id]; ok {
			apply(s)
		}
	}
	return n, nil
}

func (m *MemoryRepository) list(keep func(*entity.Sample) bool, newestFirst bool, limit, offset int) []*entity.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Sample
	for _, s := range m.samples {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// clone deep-copies s through JSON for the map fields.
func clone(s *entity.Sample) *entity.Sample {
	c := *s
	c.ContentHash = bytes.Clone(s.ContentHash)
	c.DatalabJSON = cloneMap(s.DatalabJSON)
	c.StructurerJSON = cloneMap(s.StructurerJSON)
	c.ValidatedOutput = cloneMap(s.ValidatedOutput)
	if s.Discrepancies != nil {
		c.Discrepancies = append([]string{}, s.Discrepancies...)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
