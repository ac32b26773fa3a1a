package samples

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
)

type runFlag bool

func (r runFlag) IsRunning() bool { return bool(r) }

func fields() map[string]any {
	return map[string]any{
		"mittente":                        "LAVAZZA",
		"destinatario":                    "CONAD",
		"indirizzo_destinazione_completo": "Via Roma 123, Milano",
		"data_documento":                  "2025-01-15",
		"data_trasporto":                  "2025-01-16",
		"numero_documento":                "DDT-001",
		"numero_ordine":                   "ORD-123",
		"codice_cliente":                  "CLI-456",
	}
}

func seed(t *testing.T, repo *repository.MemoryRepository, st constants.SampleStatus) *entity.Sample {
	t.Helper()
	ctx := context.Background()
	s, err := repo.Create(ctx, entity.NewSample{Filename: "a.pdf", StoragePath: "uploads/" + uuid.NewString() + ".pdf"})
	require.NoError(t, err)
	if st == constants.SampleStatusPending {
		return s
	}
	score := 0.875
	s, err = repo.Update(ctx, s.ID, entity.SampleUpdate{
		Status:         &st,
		DatalabJSON:    fields(),
		StructurerJSON: fields(),
		MatchScore:     &score,
	})
	require.NoError(t, err)
	return s
}

func code(err error) codes.Code {
	return status.Code(err)
}

func TestListSamples(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	seed(t, repo, constants.SampleStatusPending)
	seed(t, repo, constants.SampleStatusNeedsReview)
	seed(t, repo, constants.SampleStatusNeedsReview)

	all, err := svc.ListSamples(ctx, ListSamplesRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	nr, err := svc.ListSamples(ctx, ListSamplesRequest{Status: "needs_review", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, nr, 1)

	_, err = svc.ListSamples(ctx, ListSamplesRequest{Status: "bogus"})
	assert.Equal(t, codes.InvalidArgument, code(err))
	_, err = svc.ListSamples(ctx, ListSamplesRequest{Limit: MaxPageSize + 1})
	assert.Equal(t, codes.InvalidArgument, code(err))
	_, err = svc.ListSamples(ctx, ListSamplesRequest{Offset: -1})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestGetSample(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	s := seed(t, repo, constants.SampleStatusPending)

	got, err := svc.GetSample(context.Background(), s.ID.String())
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = svc.GetSample(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = svc.GetSample(context.Background(), "nope")
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestResetSamples(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	a := seed(t, repo, constants.SampleStatusNeedsReview)
	seed(t, repo, constants.SampleStatusError)
	seed(t, repo, constants.SampleStatusPending)

	svc := NewService(repo, runFlag(false), nil)
	_, err := svc.ResetSamples(ctx, ResetRequest{})
	assert.Equal(t, codes.InvalidArgument, code(err))
	_, err = svc.ResetSamples(ctx, ResetRequest{IDs: []string{a.ID.String()}, All: true})
	assert.Equal(t, codes.InvalidArgument, code(err))

	n, err := svc.ResetSamples(ctx, ResetRequest{IDs: []string{a.ID.String()}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusPending, got.Status)
	assert.Nil(t, got.MatchScore)
	assert.Nil(t, got.DatalabJSON)

	n, err = svc.ResetSamples(ctx, ResetRequest{All: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	busy := NewService(repo, runFlag(true), nil)
	_, err = busy.ResetSamples(ctx, ResetRequest{All: true})
	assert.ErrorIs(t, err, common.ErrBatchInProgress)
}

func TestReviewSample_ApproveWithEditedOutput(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	s := seed(t, repo, constants.SampleStatusNeedsReview)

	edited := fields()
	edited["numero_documento"] = "DDT-002"
	got, err := svc.ReviewSample(context.Background(), ReviewRequest{
		ID:       s.ID.String(),
		Decision: ReviewApprove,
		Output:   edited,
		Notes:    "Corretto numero documento",
	})
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusManuallyValidated, got.Status)
	assert.Equal(t, "DDT-002", got.ValidatedOutput["numero_documento"])
	require.NotNil(t, got.ValidationSource)
	assert.Equal(t, constants.ValidationSourceManual, *got.ValidationSource)
	require.NotNil(t, got.ValidatorNotes)
	assert.Equal(t, "Corretto numero documento", *got.ValidatorNotes)
}

func TestReviewSample_ApproveFromSource(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	s := seed(t, repo, constants.SampleStatusNeedsReview)

	got, err := svc.ReviewSample(context.Background(), ReviewRequest{
		ID: s.ID.String(), Decision: ReviewApprove, Source: "gemini",
	})
	require.NoError(t, err)
	assert.Equal(t, fields(), got.ValidatedOutput)
	assert.Equal(t, constants.ValidationSourceGemini, *got.ValidationSource)

	_, err = svc.ReviewSample(context.Background(), ReviewRequest{
		ID: s.ID.String(), Decision: ReviewApprove,
	})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestReviewSample_Reject(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	s := seed(t, repo, constants.SampleStatusAutoValidated)

	got, err := svc.ReviewSample(context.Background(), ReviewRequest{
		ID: s.ID.String(), Decision: ReviewReject, Notes: "illeggibile",
	})
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusRejected, got.Status)
	assert.Nil(t, got.ValidatedOutput)
	assert.Nil(t, got.ValidationSource)
}

func TestReviewSample_Invalid(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	pending := seed(t, repo, constants.SampleStatusPending)
	done := seed(t, repo, constants.SampleStatusNeedsReview)

	_, err := svc.ReviewSample(ctx, ReviewRequest{ID: pending.ID.String(), Decision: ReviewReject})
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = svc.ReviewSample(ctx, ReviewRequest{ID: done.ID.String(), Decision: "maybe"})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = svc.ReviewSample(ctx, ReviewRequest{ID: "x", Decision: ReviewReject})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = svc.ReviewSample(ctx, ReviewRequest{
		ID: done.ID.String(), Decision: ReviewApprove, Output: map[string]any{"mittente": 12},
	})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestGetStats(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo, constants.SampleStatusPending)
	seed(t, repo, constants.SampleStatusNeedsReview)
	seed(t, repo, constants.SampleStatusAutoValidated)

	st, err := NewService(repo, runFlag(true), nil).GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalSamples)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 2, st.Processed)
	assert.True(t, st.IsProcessing)
	require.NotNil(t, st.AvgMatchScore)
	assert.InDelta(t, 0.875, *st.AvgMatchScore, 1e-9)
	assert.InDelta(t, 66.67, st.ProgressPercent(), 1e-9)
}
