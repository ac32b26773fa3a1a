package samples

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	maxNotesLen     = 2000
)

// RunState reports whether a batch is currently running.
type RunState interface {
	IsRunning() bool
}

// Service handles sample business logic.
type Service struct {
	repo   repository.SampleRepository
	state  RunState
	logger *slog.Logger
}

// NewService creates a new sample service. state may be nil when no
// processor runs in this process.
func NewService(repo repository.SampleRepository, state RunState, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, state: state, logger: logger}
}

// ListSamplesRequest represents sample listing parameters.
type ListSamplesRequest struct {
	Status string
	Limit  int
	Offset int
}

// ListSamples returns one page of samples, newest first.
func (s *Service) ListSamples(ctx context.Context, req ListSamplesRequest) ([]*entity.Sample, error) {
	var status *constants.SampleStatus
	if v := strings.TrimSpace(req.Status); v != "" {
		st, err := constants.ParseSampleStatus(v)
		if err != nil {
			return nil, common.InvalidArgumentError(err.Error())
		}
		status = &st
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		return nil, common.InvalidArgumentErrorf("limit must be at most %d", MaxPageSize)
	}
	if req.Offset < 0 {
		return nil, common.InvalidArgumentError("offset must not be negative")
	}

	out, err := s.repo.ListByStatus(ctx, status, limit, req.Offset)
	if err != nil {
		s.logger.Error("samples.list.failed", "status", req.Status, "error", err)
		return nil, err
	}
	s.logger.Debug("samples.list", "status", req.Status, "limit", limit, "offset", req.Offset, "count", len(out))
	return out, nil
}

// GetSample returns one sample by id.
func (s *Service) GetSample(ctx context.Context, id string) (*entity.Sample, error) {
	sid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, sid)
}

// ResetRequest selects samples to return to PENDING. All must be set
// explicitly to reset every non-pending sample.
type ResetRequest struct {
	IDs []string
	All bool
}

// ResetSamples clears extraction results so the samples are picked up by the
// next batch. It refuses to run while a batch is in flight.
func (s *Service) ResetSamples(ctx context.Context, req ResetRequest) (int, error) {
	if len(req.IDs) == 0 && !req.All {
		return 0, common.InvalidArgumentError("ids are required unless all is set")
	}
	if len(req.IDs) > 0 && req.All {
		return 0, common.InvalidArgumentError("ids and all are mutually exclusive")
	}
	if s.state != nil && s.state.IsRunning() {
		return 0, common.ErrBatchInProgress
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := parseID(raw)
		if err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}

	n, err := s.repo.Reset(ctx, ids)
	if err != nil {
		s.logger.Error("samples.reset.failed", "ids", len(ids), "error", err)
		return 0, err
	}
	s.logger.Info("samples.reset", "requested", len(ids), "all", req.All, "reset", n)
	return n, nil
}

// ReviewDecision is the outcome of a manual review.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewReject  ReviewDecision = "reject"
)

// ReviewRequest records a reviewer's verdict. On approval the accepted fields
// come from Output when given (source manual), otherwise from the extraction
// named by Source.
type ReviewRequest struct {
	ID       string
	Decision ReviewDecision
	Output   map[string]any
	Source   string
	Notes    string
}

// ReviewSample moves a processed sample to MANUALLY_VALIDATED or REJECTED.
func (s *Service) ReviewSample(ctx context.Context, req ReviewRequest) (*entity.Sample, error) {
	v := common.NewValidator().
		Field("id", req.ID, common.Required, common.UUID).
		Field("decision", string(req.Decision), common.OneOf(string(ReviewApprove), string(ReviewReject))).
		Field("notes", req.Notes, common.MaxLen(maxNotesLen))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	id := uuid.MustParse(req.ID)

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.IsTerminal() {
		return nil, common.NewAppError("INVALID_STATE",
			"sample "+id.String()+" is "+cur.Status.String()+", only processed samples can be reviewed", common.ErrInvalidState)
	}

	u := entity.SampleUpdate{}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		u.ValidatorNotes = &notes
	}

	switch req.Decision {
	case ReviewReject:
		st := constants.SampleStatusRejected
		u.Status = &st
		u.ClearResolution = true
	case ReviewApprove:
		output, source, err := resolveOutput(cur, req)
		if err != nil {
			return nil, err
		}
		st := constants.SampleStatusManuallyValidated
		u.Status = &st
		u.ValidatedOutput = output
		u.ValidationSource = &source
	}

	out, err := s.repo.Update(ctx, id, u)
	if err != nil {
		s.logger.Error("samples.review.failed", "sample_id", id, "error", err)
		return nil, err
	}
	s.logger.Info("samples.review", "sample_id", id, "decision", req.Decision, "status", out.Status.String())
	return out, nil
}

func resolveOutput(cur *entity.Sample, req ReviewRequest) (map[string]any, constants.ValidationSource, error) {
	if len(req.Output) > 0 {
		if err := llm.ValidateDDTFields(req.Output); err != nil {
			return nil, "", common.InvalidArgumentError(err.Error())
		}
		src := constants.ValidationSourceManual
		if req.Source != "" {
			parsed, err := constants.ParseValidationSource(req.Source)
			if err != nil {
				return nil, "", common.InvalidArgumentError(err.Error())
			}
			src = parsed
		}
		return req.Output, src, nil
	}

	src, err := constants.ParseValidationSource(req.Source)
	if err != nil {
		return nil, "", common.InvalidArgumentError("output or a datalab/gemini source is required to approve")
	}
	var fields map[string]any
	switch src {
	case constants.ValidationSourceDatalab:
		fields = cur.DatalabJSON
	case constants.ValidationSourceGemini:
		fields = cur.StructurerJSON
	}
	if len(fields) == 0 {
		return nil, "", common.FailedPreconditionError("sample has no " + string(src) + " output to accept")
	}
	return fields, src, nil
}

// GetStats summarizes the dataset.
func (s *Service) GetStats(ctx context.Context) (entity.ProcessingStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return entity.ProcessingStats{}, err
	}
	avg, err := s.repo.AverageMatchScore(ctx)
	if err != nil {
		return entity.ProcessingStats{}, err
	}
	running := s.state != nil && s.state.IsRunning()
	return entity.NewProcessingStats(counts, avg, running), nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, common.InvalidArgumentErrorf("invalid sample id %q", raw)
	}
	return id, nil
}
