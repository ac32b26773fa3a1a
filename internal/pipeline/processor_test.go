package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
)

type extractorFunc func(ctx context.Context, doc []byte, name string) extract.Result

func (f extractorFunc) Extract(ctx context.Context, doc []byte, name string) extract.Result {
	return f(ctx, doc, name)
}

type structurerFunc func(ctx context.Context, text, name string) extract.Result

func (f structurerFunc) Structure(ctx context.Context, text, name string) extract.Result {
	return f(ctx, text, name)
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memBlobs) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[path]
	if !ok {
		return nil, common.NewAppError("BLOB_NOT_FOUND", path, common.ErrNotFound)
	}
	return b, nil
}

func (m *memBlobs) Put(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = data
	return nil
}

func ddt() map[string]any {
	return map[string]any{
		"mittente":                        "LAVAZZA S.p.A.",
		"destinatario":                    "CONAD SOC. COOP.",
		"indirizzo_destinazione_completo": "Via Monte Bianco 25, 27010 Siziano (PV)",
		"data_documento":                  "2025-01-15",
		"data_trasporto":                  "2025-01-16",
		"numero_documento":                "DDT-001",
		"numero_ordine":                   "ORD-5678",
		"codice_cliente":                  "CLI-999",
	}
}

func with(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m))
	for kk, vv := range m {
		out[kk] = vv
	}
	out[k] = v
	return out
}

func okCombined(fields map[string]any) extract.DocumentExtractor {
	return extractorFunc(func(context.Context, []byte, string) extract.Result {
		return extract.Result{Success: true, RawText: "# DDT", JSON: fields, Elapsed: 40 * time.Millisecond}
	})
}

func okOCR() extract.DocumentExtractor {
	return extractorFunc(func(context.Context, []byte, string) extract.Result {
		return extract.Result{Success: true, RawText: "DDT n. 001", Elapsed: 20 * time.Millisecond}
	})
}

func failing(msg string) extract.DocumentExtractor {
	return extractorFunc(func(context.Context, []byte, string) extract.Result {
		return extract.Result{Error: msg, Elapsed: 5 * time.Millisecond}
	})
}

func okStructurer(fields map[string]any) extract.TextStructurer {
	return structurerFunc(func(context.Context, string, string) extract.Result {
		return extract.Result{Success: true, JSON: fields, Elapsed: 10 * time.Millisecond}
	})
}

type fixture struct {
	repo  *repository.MemoryRepository
	blobs *memBlobs
}

func newFixture() *fixture {
	return &fixture{
		repo:  repository.NewMemoryRepository(),
		blobs: &memBlobs{data: map[string][]byte{}},
	}
}

func (f *fixture) addSample(t *testing.T, withBlob bool) *entity.Sample {
	t.Helper()
	path := constants.UploadPrefix + "/" + uuid.NewString() + ".pdf"
	if withBlob {
		require.NoError(t, f.blobs.Put(context.Background(), path, []byte("%PDF-1.4"), constants.PDFContentType))
	}
	s, err := f.repo.Create(context.Background(), entity.NewSample{Filename: "ddt.pdf", StoragePath: path, FileSizeBytes: 8})
	require.NoError(t, err)
	return s
}

func (f *fixture) processor(combined, ocr extract.DocumentExtractor, st extract.TextStructurer, opts ...Option) *Processor {
	return NewProcessor(nil, f.repo, f.blobs, combined, ocr, st, opts...)
}

func TestProcessSample_PerfectMatch(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	require.NotNil(t, got.MatchScore)
	assert.InDelta(t, 1.0, *got.MatchScore, 1e-9)
	assert.Empty(t, got.Discrepancies)
	assert.Equal(t, ddt(), got.ValidatedOutput)
	require.NotNil(t, got.ValidationSource)
	assert.Equal(t, constants.ValidationSourceDatalab, *got.ValidationSource)

	require.NotNil(t, got.DatalabRawOCR)
	assert.Equal(t, "# DDT", *got.DatalabRawOCR)
	require.NotNil(t, got.AzureRawOCR)
	assert.Equal(t, "DDT n. 001", *got.AzureRawOCR)
	assert.Equal(t, ddt(), got.StructurerJSON)
	assert.EqualValues(t, 40, *got.DatalabTimeMs)
	assert.EqualValues(t, 20, *got.AzureTimeMs)
	assert.EqualValues(t, 10, *got.StructurerTimeMs)
}

func TestProcessSample_CaseOnlyDifference(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	b := with(ddt(), "mittente", "  lavazza s.p.a. ")
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(b))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	assert.InDelta(t, 1.0, *got.MatchScore, 1e-9)
}

func TestProcessSample_OneFieldDiffers(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	b := with(ddt(), "numero_documento", "DDT-002")
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(b))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusNeedsReview, got.Status)
	assert.InDelta(t, 0.875, *got.MatchScore, 1e-9)
	assert.Equal(t, []string{"numero_documento"}, got.Discrepancies)
	assert.Nil(t, got.ValidatedOutput)
	assert.Nil(t, got.ValidationSource)
}

func TestProcessSample_FuzzyAddress(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	b := with(ddt(), "indirizzo_destinazione_completo", "Via Monte Bianco, 25 27010 Siziano PV")
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(b))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	assert.Empty(t, got.Discrepancies)
}

func TestProcessSample_AsymmetricNull(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	b := with(ddt(), "numero_ordine", nil)
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(b))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusNeedsReview, got.Status)
	assert.InDelta(t, 0.875, *got.MatchScore, 1e-9)
	assert.Equal(t, []string{"numero_ordine"}, got.Discrepancies)
}

func TestProcessSample_SingleSource(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	structured := false
	st := structurerFunc(func(context.Context, string, string) extract.Result {
		structured = true
		return extract.Result{}
	})
	p := f.processor(okCombined(ddt()), failing("HTTP 500: boom"), st)

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, structured, "structurer must not run without OCR text")
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	assert.Nil(t, got.MatchScore)
	assert.Equal(t, ddt(), got.ValidatedOutput)
	require.NotNil(t, got.AzureError)
	assert.Equal(t, "HTTP 500: boom", *got.AzureError)
	assert.Nil(t, got.StructurerTimeMs)
}

func TestProcessSample_EmptyOCRTextSkipsStructurer(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	structured := false
	st := structurerFunc(func(context.Context, string, string) extract.Result {
		structured = true
		return extract.Result{}
	})
	blank := extractorFunc(func(context.Context, []byte, string) extract.Result {
		return extract.Result{Success: true, Elapsed: 20 * time.Millisecond}
	})
	p := f.processor(okCombined(ddt()), blank, st)

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, structured)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	assert.Nil(t, got.MatchScore)
	assert.Equal(t, ddt(), got.ValidatedOutput)
	assert.Nil(t, got.AzureError)
	assert.Nil(t, got.StructurerTimeMs)
}

func TestProcessSample_SingleSourceDisabled(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	st := structurerFunc(func(context.Context, string, string) extract.Result {
		return extract.Result{Error: "Invalid JSON after 2 retries: eof"}
	})
	p := f.processor(okCombined(ddt()), okOCR(), st, WithSingleSource(false))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusNeedsReview, got.Status)
	assert.Nil(t, got.MatchScore)
	assert.Nil(t, got.ValidatedOutput)
	require.NotNil(t, got.StructurerError)
	assert.Contains(t, *got.StructurerError, "Invalid JSON")
}

func TestProcessSample_CombinedFailure(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	p := f.processor(failing("Datalab processing failed: bad pdf"), okOCR(), okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusError, got.Status)
	require.NotNil(t, got.DatalabError)
	assert.Equal(t, "Datalab processing failed: bad pdf", *got.DatalabError)
	// Path B artifacts are still kept.
	require.NotNil(t, got.AzureRawOCR)
	assert.Equal(t, ddt(), got.StructurerJSON)
	assert.Nil(t, got.MatchScore)
	assert.Nil(t, got.ValidatedOutput)
}

func TestProcessSample_CombinedEmptyFields(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	p := f.processor(okCombined(nil), okOCR(), okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusError, got.Status)
	require.NotNil(t, got.DatalabError)
	assert.Equal(t, errNoStructuredFields, *got.DatalabError)
	require.NotNil(t, got.DatalabRawOCR)
}

func TestProcessSample_BlobFault(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, false)
	called := atomic.Bool{}
	combined := extractorFunc(func(context.Context, []byte, string) extract.Result {
		called.Store(true)
		return extract.Result{}
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, called.Load())
	assert.Equal(t, constants.SampleStatusError, got.Status)
	require.NotNil(t, got.DatalabError)
	assert.Contains(t, *got.DatalabError, "fetch pdf")
}

func TestProcessSample_PanicBecomesError(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	combined := extractorFunc(func(context.Context, []byte, string) extract.Result {
		panic("nil map")
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusError, got.Status)
	assert.Contains(t, *got.DatalabError, "panic: nil map")
}

func TestProcessSample_PathBPanicDegrades(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	ocr := extractorFunc(func(context.Context, []byte, string) extract.Result {
		panic("ocr exploded")
	})
	p := f.processor(okCombined(ddt()), ocr, okStructurer(ddt()))

	got, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	require.NotNil(t, got.AzureError)
	assert.Contains(t, *got.AzureError, "ocr exploded")
}

func TestProcessSample_Rejections(t *testing.T) {
	f := newFixture()
	p := f.processor(okCombined(ddt()), okOCR(), okStructurer(ddt()))
	ctx := context.Background()

	_, err := p.ProcessSample(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	s := f.addSample(t, true)
	_, err = p.ProcessSample(ctx, s.ID)
	require.NoError(t, err)

	before, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	_, err = p.ProcessSample(ctx, s.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	after, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Status, after.Status)
}

func TestProcessSample_MarksProcessingFirst(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)
	var seen constants.SampleStatus
	combined := extractorFunc(func(ctx context.Context, _ []byte, _ string) extract.Result {
		cur, err := f.repo.Get(ctx, s.ID)
		if err == nil {
			seen = cur.Status
		}
		return extract.Result{Success: true, JSON: ddt()}
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()))

	_, err := p.ProcessSample(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusProcessing, seen)
}

func TestProcessSample_RacingBatchRunsAdaptersOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture()
		s := f.addSample(t, true)
		var calls atomic.Int32
		combined := extractorFunc(func(context.Context, []byte, string) extract.Result {
			calls.Add(1)
			time.Sleep(5 * time.Millisecond)
			return extract.Result{Success: true, JSON: ddt()}
		})
		p := f.processor(combined, okOCR(), okStructurer(ddt()))

		ctx := context.Background()
		start := make(chan struct{})
		var wg sync.WaitGroup
		var procErr error
		var sum entity.BatchSummary
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, procErr = p.ProcessSample(ctx, s.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			var err error
			sum, err = p.RunBatch(ctx)
			assert.NoError(t, err)
		}()
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, calls.Load(), "run %d", i)
		if procErr != nil {
			assert.ErrorIs(t, procErr, common.ErrInvalidState)
			assert.Equal(t, 1, sum.Processed)
		} else {
			assert.Equal(t, 0, sum.Processed)
		}
		got, err := f.repo.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
	}
}

func TestRunBatch_Summary(t *testing.T) {
	f := newFixture()
	good := f.addSample(t, true)
	review := f.addSample(t, true)
	f.addSample(t, false)

	combined := okCombined(ddt())
	// The review sample disagrees on one field.
	ocr := extractorFunc(func(ctx context.Context, _ []byte, _ string) extract.Result {
		return extract.Result{Success: true, RawText: common.SampleIDFromContext(ctx)}
	})
	st := structurerFunc(func(_ context.Context, text, _ string) extract.Result {
		if text == review.ID.String() {
			return extract.Result{Success: true, JSON: with(ddt(), "codice_cliente", "CLI-000")}
		}
		return extract.Result{Success: true, JSON: ddt()}
	})

	var hooked entity.BatchSummary
	p := f.processor(combined, ocr, st, WithBatchHook(func(_ context.Context, s entity.BatchSummary) {
		hooked = s
	}))

	sum, err := p.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 1, sum.AutoValidated)
	assert.Equal(t, 1, sum.NeedsReview)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, sum, hooked)
	assert.False(t, p.IsRunning())

	g, err := f.repo.Get(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, g.Status)

	// Nothing left pending.
	sum, err = p.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
}

func TestRunBatch_RejectsConcurrentRun(t *testing.T) {
	f := newFixture()
	f.addSample(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	combined := extractorFunc(func(context.Context, []byte, string) extract.Result {
		close(started)
		<-release
		return extract.Result{Success: true, JSON: ddt()}
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()))

	done := make(chan error, 1)
	go func() {
		_, err := p.RunBatch(context.Background())
		done <- err
	}()
	<-started
	assert.True(t, p.IsRunning())

	_, err := p.RunBatch(context.Background())
	assert.ErrorIs(t, err, common.ErrBatchInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, p.IsRunning())
}

func TestRunBatch_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture()
	s := f.addSample(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	combined := extractorFunc(func(ctx context.Context, _ []byte, _ string) extract.Result {
		cancel()
		if ctx.Err() != nil {
			return extract.Result{Error: "canceled"}
		}
		return extract.Result{Success: true, JSON: ddt()}
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()))

	_, err := p.RunBatch(ctx)
	require.NoError(t, err)
	got, err := f.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SampleStatusAutoValidated, got.Status)
}

func TestRunBatch_BoundedConcurrency(t *testing.T) {
	f := newFixture()
	for i := 0; i < 8; i++ {
		f.addSample(t, true)
	}

	var inflight, peak atomic.Int64
	combined := extractorFunc(func(context.Context, []byte, string) extract.Result {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inflight.Add(-1)
		return extract.Result{Success: true, JSON: ddt()}
	})
	p := f.processor(combined, okOCR(), okStructurer(ddt()), WithMaxParallel(3))

	sum, err := p.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Processed)
	assert.Equal(t, 8, sum.AutoValidated)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.GreaterOrEqual(t, peak.Load(), int64(1))
}

func TestRunBatch_ListFailure(t *testing.T) {
	p := NewProcessor(nil, failingRepo{}, &memBlobs{}, okCombined(ddt()), okOCR(), okStructurer(ddt()))
	_, err := p.RunBatch(context.Background())
	assert.ErrorIs(t, err, common.ErrDatabase)
	assert.False(t, p.IsRunning())
}

type failingRepo struct {
	repository.SampleRepository
}

func (failingRepo) ListByStatus(context.Context, *constants.SampleStatus, int, int) ([]*entity.Sample, error) {
	return nil, common.NewAppError("DB_ERROR", "list", errors.Join(common.ErrDatabase, errors.New("conn refused")))
}

func TestCountersSummary(t *testing.T) {
	var c counters
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				c.record(constants.SampleStatusAutoValidated)
			case 1:
				c.record(constants.SampleStatusNeedsReview)
			default:
				c.record(constants.SampleStatusError)
			}
		}(i)
	}
	wg.Wait()
	sum := c.summary(60, time.Second)
	assert.Equal(t, 60, sum.Total)
	assert.Equal(t, 50, sum.Processed)
	assert.Equal(t, 17, sum.AutoValidated)
	assert.Equal(t, 17, sum.NeedsReview)
	assert.Equal(t, 16, sum.Errors)
}
