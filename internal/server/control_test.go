package server

import (
	"context"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/export"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/ingest"
	"github.com/joseph-ayodele/ddt-extractor/internal/pipeline"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
	"github.com/joseph-ayodele/ddt-extractor/internal/samples"
	"github.com/joseph-ayodele/ddt-extractor/internal/storage"
)

type fixedExtractor struct{ fields map[string]any }

func (f fixedExtractor) Extract(context.Context, []byte, string) extract.Result {
	return extract.Result{Success: true, RawText: "# DDT\nMittente: LAVAZZA", JSON: f.fields, Elapsed: time.Millisecond}
}

type fixedStructurer struct{ fields map[string]any }

func (f fixedStructurer) Structure(context.Context, string, string) extract.Result {
	return extract.Result{Success: true, JSON: f.fields, Elapsed: time.Millisecond}
}

func ddtFields() map[string]any {
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

func newControl(t *testing.T) *ControlService {
	t.Helper()
	repo := repository.NewMemoryRepository()
	blobs, err := storage.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	fields := ddtFields()
	proc := pipeline.NewProcessor(nil, repo, blobs,
		fixedExtractor{fields: fields}, fixedExtractor{}, fixedStructurer{fields: fields})
	return NewControlService(
		proc,
		samples.NewService(repo, proc, nil),
		ingest.NewService(ingest.NewFSIngestor(repo, blobs, nil), nil, nil),
		export.NewAlpacaExporter(repo, nil),
		export.NewReviewExporter(repo, nil),
		ExportDefaults{OCRSource: "azure", ValidationRatio: 0.07, Seed: 42},
		nil,
	)
}

func dial(t *testing.T, control *ControlService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(control, true, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, inv Invoker, method string, in map[string]any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out, err := inv.Invoke(context.Background(), method, req)
	require.NoError(t, err)
	return out
}

func codeOf(err error) codes.Code {
	return status.Code(err)
}

func upload(t *testing.T, inv Invoker, name, body string) string {
	t.Helper()
	out := call(t, inv, "Upload", map[string]any{
		"filename":    name,
		"data_base64": base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\n" + body)),
	})
	id := out.GetFields()["sample_id"].GetStringValue()
	require.NotEmpty(t, id)
	return id
}

func TestControl_BatchLifecycleOverGRPC(t *testing.T) {
	client := NewControlClient(dial(t, newControl(t)))

	id := upload(t, client, "DDT_001.pdf", "one")

	stats := call(t, client, "GetStats", nil).AsMap()
	assert.EqualValues(t, 1, stats["total_samples"])
	assert.EqualValues(t, 1, stats["pending"])
	assert.EqualValues(t, 0, stats["progress_percent"])

	sum := call(t, client, "RunBatch", nil).AsMap()
	assert.EqualValues(t, 1, sum["total"])
	assert.EqualValues(t, 1, sum["processed"])
	assert.EqualValues(t, 1, sum["auto_validated"])
	assert.EqualValues(t, 0, sum["errors"])

	list := call(t, client, "ListSamples", map[string]any{"status": "auto_validated"}).AsMap()
	assert.EqualValues(t, 1, list["count"])

	got := call(t, client, "GetSample", map[string]any{"id": id}).AsMap()
	assert.Equal(t, "auto_validated", got["status"])
	assert.Equal(t, "datalab", got["validation_source"])
	assert.EqualValues(t, 1, got["match_score"])

	stats = call(t, client, "GetStats", nil).AsMap()
	assert.EqualValues(t, 100, stats["progress_percent"])
	assert.Equal(t, false, stats["is_processing"])
}

func TestControl_ReviewAndReset(t *testing.T) {
	client := NewControlClient(dial(t, newControl(t)))
	id := upload(t, client, "DDT_002.pdf", "two")
	call(t, client, "RunBatch", nil)

	rejected := call(t, client, "ReviewSample", map[string]any{
		"id":       id,
		"decision": "reject",
		"notes":    "illegible scan",
	}).AsMap()
	assert.Equal(t, "rejected", rejected["status"])
	assert.Equal(t, "illegible scan", rejected["validator_notes"])
	assert.Nil(t, rejected["validated_output"])

	reset := call(t, client, "ResetSamples", map[string]any{"ids": []any{id}}).AsMap()
	assert.EqualValues(t, 1, reset["reset"])
	got := call(t, client, "GetSample", map[string]any{"id": id}).AsMap()
	assert.Equal(t, "pending", got["status"])
	assert.Nil(t, got["validator_notes"])

	_, err := client.Invoke(context.Background(), "ResetSamples", nil)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestControl_ProcessSampleErrors(t *testing.T) {
	client := NewControlClient(dial(t, newControl(t)))
	ctx := context.Background()

	in, _ := structpb.NewStruct(map[string]any{"id": "not-a-uuid"})
	_, err := client.Invoke(ctx, "ProcessSample", in)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	in, _ = structpb.NewStruct(map[string]any{"id": uuid.NewString()})
	_, err = client.Invoke(ctx, "ProcessSample", in)
	assert.Equal(t, codes.NotFound, codeOf(err))

	id := upload(t, client, "DDT_003.pdf", "three")
	out := call(t, client, "ProcessSample", map[string]any{"id": id}).AsMap()
	assert.Equal(t, "auto_validated", out["status"])

	// Only pending samples may be processed.
	in, _ = structpb.NewStruct(map[string]any{"id": id})
	_, err = client.Invoke(ctx, "ProcessSample", in)
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

func TestControl_ExportDataset(t *testing.T) {
	client := NewControlClient(dial(t, newControl(t)))
	upload(t, client, "DDT_004.pdf", "four")
	upload(t, client, "DDT_005.pdf", "five")
	call(t, client, "RunBatch", nil)

	dir := t.TempDir()
	stats := call(t, client, "ExportDataset", map[string]any{"format": "alpaca", "output_dir": dir}).AsMap()
	assert.EqualValues(t, 2, stats["total_samples"])
	assert.EqualValues(t, 1, stats["train_samples"])
	assert.EqualValues(t, 1, stats["validation_samples"])
	assert.Equal(t, "azure", stats["ocr_source"])
	for _, f := range []string{export.TrainFile, export.ValidationFile, export.QualityReportFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}

	wb := call(t, client, "ExportDataset", map[string]any{"format": "xlsx"}).AsMap()
	raw, err := base64.StdEncoding.DecodeString(wb["xlsx_base64"].(string))
	require.NoError(t, err)
	assert.Equal(t, "PK", string(raw[:2]))

	in, _ := structpb.NewStruct(map[string]any{"format": "csv"})
	_, err = client.Invoke(context.Background(), "ExportDataset", in)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	in, _ = structpb.NewStruct(map[string]any{"format": "xlsx", "status": "bogus"})
	_, err = client.Invoke(context.Background(), "ExportDataset", in)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestControl_IngestPath(t *testing.T) {
	client := NewControlClient(dial(t, newControl(t)))
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.pdf", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4\n"+name), 0o644))
	}

	out := call(t, client, "IngestPath", map[string]any{"path": dir}).AsMap()
	assert.EqualValues(t, 2, out["succeeded"])
	assert.Len(t, out["results"], 2)

	single := call(t, client, "IngestPath", map[string]any{"path": filepath.Join(dir, "a.pdf")}).AsMap()
	assert.Equal(t, true, single["deduplicated"])

	in, _ := structpb.NewStruct(map[string]any{"path": filepath.Join(dir, "missing.pdf")})
	_, err := client.Invoke(context.Background(), "IngestPath", in)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestControl_UnknownMethod(t *testing.T) {
	control := newControl(t)

	_, err := control.Invoke(context.Background(), "DropTables", nil)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = NewControlClient(dial(t, control)).Invoke(context.Background(), "DropTables", nil)
	assert.Equal(t, codes.Unimplemented, codeOf(err))
}

func TestControl_Health(t *testing.T) {
	conn := dial(t, newControl(t))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

type busyProcessor struct{}

func (busyProcessor) RunBatch(context.Context) (entity.BatchSummary, error) {
	return entity.BatchSummary{}, common.ErrBatchInProgress
}

func (busyProcessor) ProcessSample(context.Context, uuid.UUID) (*entity.Sample, error) {
	return nil, common.ErrBatchInProgress
}

func (busyProcessor) IsRunning() bool { return true }

func TestControl_RunBatchWhileRunning(t *testing.T) {
	control := NewControlService(busyProcessor{}, nil, nil, nil, nil, ExportDefaults{}, nil)
	ctx := context.Background()

	in, _ := structpb.NewStruct(map[string]any{"async": true})
	_, err := control.Invoke(ctx, "RunBatch", in)
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))

	_, err = control.Invoke(ctx, "RunBatch", nil)
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

func TestMethods(t *testing.T) {
	names := Methods()
	assert.Contains(t, names, "RunBatch")
	assert.Contains(t, names, "ExportDataset")
	assert.Len(t, ServiceDesc.Methods, len(names))
	assert.Equal(t, "/ddt.v1.Control/GetStats", FullMethod("GetStats"))
}
