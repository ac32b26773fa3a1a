package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/export"
	"github.com/joseph-ayodele/ddt-extractor/internal/ingest"
	"github.com/joseph-ayodele/ddt-extractor/internal/samples"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ddt.v1.Control"

// Processor is the orchestration surface the control service drives.
type Processor interface {
	RunBatch(ctx context.Context) (entity.BatchSummary, error)
	ProcessSample(ctx context.Context, id uuid.UUID) (*entity.Sample, error)
	IsRunning() bool
}

// ExportDefaults fill the export request fields a caller leaves empty.
type ExportDefaults struct {
	OutputDir       string
	OCRSource       string
	ValidationRatio float64
	Seed            int64
	FlattenMarkdown bool
}

// ControlService exposes batch control, sample review, ingestion and export
// over gRPC. Every method takes and returns a structpb.Struct.
type ControlService struct {
	processor Processor
	samples   *samples.Service
	ingest    *ingest.Service
	alpaca    *export.AlpacaExporter
	review    *export.ReviewExporter
	defaults  ExportDefaults
	logger    *slog.Logger
}

func NewControlService(
	proc Processor,
	samplesSvc *samples.Service,
	ingestSvc *ingest.Service,
	alpaca *export.AlpacaExporter,
	review *export.ReviewExporter,
	defaults ExportDefaults,
	logger *slog.Logger,
) *ControlService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{
		processor: proc,
		samples:   samplesSvc,
		ingest:    ingestSvc,
		alpaca:    alpaca,
		review:    review,
		defaults:  defaults,
		logger:    logger,
	}
}

// RunBatch processes every pending sample. With {"async": true} it returns as
// soon as the batch has started.
func (s *ControlService) RunBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if boolField(in, "async") {
		if s.processor.IsRunning() {
			return nil, common.ToGRPCError(common.ErrBatchInProgress)
		}
		go func() {
			if _, err := s.processor.RunBatch(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("control.batch.async_failed", "error", err)
			}
		}()
		return structpb.NewStruct(map[string]any{"started": true})
	}

	sum, err := s.processor.RunBatch(ctx)
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return structpb.NewStruct(summaryMap(sum))
}

// ProcessSample runs one pending sample synchronously.
func (s *ControlService) ProcessSample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := strings.TrimSpace(stringField(in, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, common.InvalidArgumentError("id must be a UUID")
	}
	sample, err := s.processor.ProcessSample(ctx, id)
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return sampleStruct(sample)
}

func (s *ControlService) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.samples.GetStats(ctx)
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	m, err := toMap(st)
	if err != nil {
		return nil, common.InternalError(err.Error())
	}
	m["progress_percent"] = st.ProgressPercent()
	return structpb.NewStruct(m)
}

func (s *ControlService) ListSamples(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.samples.ListSamples(ctx, samples.ListSamplesRequest{
		Status: stringField(in, "status"),
		Limit:  intField(in, "limit"),
		Offset: intField(in, "offset"),
	})
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	items := make([]any, 0, len(list))
	for _, sm := range list {
		m, err := toMap(sm)
		if err != nil {
			return nil, common.InternalError(err.Error())
		}
		items = append(items, m)
	}
	return structpb.NewStruct(map[string]any{"samples": items, "count": len(items)})
}

func (s *ControlService) GetSample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sm, err := s.samples.GetSample(ctx, stringField(in, "id"))
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return sampleStruct(sm)
}

func (s *ControlService) ResetSamples(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.samples.ResetSamples(ctx, samples.ResetRequest{
		IDs: stringsField(in, "ids"),
		All: boolField(in, "all"),
	})
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{"reset": n})
}

func (s *ControlService) ReviewSample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var output map[string]any
	if v, ok := in.GetFields()["output"]; ok && v.GetStructValue() != nil {
		output = v.GetStructValue().AsMap()
	}
	sm, err := s.samples.ReviewSample(ctx, samples.ReviewRequest{
		ID:       stringField(in, "id"),
		Decision: samples.ReviewDecision(stringField(in, "decision")),
		Output:   output,
		Source:   stringField(in, "source"),
		Notes:    stringField(in, "notes"),
	})
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return sampleStruct(sm)
}

// IngestPath ingests a file or every PDF under a directory on the server host.
func (s *ControlService) IngestPath(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	path := strings.TrimSpace(stringField(in, "path"))
	if path == "" {
		return nil, common.InvalidArgumentError("path is required")
	}
	process := boolField(in, "process")

	info, err := os.Stat(path)
	if err != nil {
		return nil, common.InvalidArgumentErrorf("stat %s: %v", path, err)
	}
	if info.IsDir() {
		skipHidden := true
		if v, ok := in.GetFields()["skip_hidden"]; ok {
			skipHidden = v.GetBoolValue()
		}
		res, err := s.ingest.IngestDirectory(ctx, ingest.DirectoryIngestRequest{RootPath: path, SkipHidden: skipHidden, Process: process})
		if err != nil {
			return nil, common.ToGRPCError(err)
		}
		items := make([]any, 0, len(res.Results))
		for _, r := range res.Results {
			items = append(items, ingestMap(r))
		}
		st := res.Statistics
		return structpb.NewStruct(map[string]any{
			"scanned":      st.Scanned,
			"matched":      st.Matched,
			"succeeded":    st.Succeeded,
			"deduplicated": st.Deduplicated,
			"failed":       st.Failed,
			"results":      items,
		})
	}

	r, err := s.ingest.IngestFile(ctx, ingest.FileIngestRequest{Path: path, Process: process})
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return structpb.NewStruct(ingestMap(r))
}

// Upload ingests base64 document bytes sent by the caller.
func (s *ControlService) Upload(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := strings.TrimSpace(stringField(in, "filename"))
	if name == "" {
		return nil, common.InvalidArgumentError("filename is required")
	}
	data, err := base64.StdEncoding.DecodeString(stringField(in, "data_base64"))
	if err != nil {
		return nil, common.InvalidArgumentError("data_base64 is not valid base64")
	}
	r, err := s.ingest.Upload(ctx, filepath.Base(name), data, boolField(in, "process"))
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return structpb.NewStruct(ingestMap(r))
}

// ExportDataset writes the Alpaca training set ("alpaca") or returns the
// review workbook ("xlsx") as base64.
func (s *ControlService) ExportDataset(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	format := strings.ToLower(strings.TrimSpace(stringField(in, "format")))
	switch format {
	case "", "alpaca":
		opts := export.AlpacaOptions{
			OutputDir:       firstNonEmpty(stringField(in, "output_dir"), s.defaults.OutputDir),
			OCRSource:       constants.OCRSource(firstNonEmpty(stringField(in, "ocr_source"), s.defaults.OCRSource)),
			ValidationRatio: s.defaults.ValidationRatio,
			Seed:            s.defaults.Seed,
			FlattenMarkdown: s.defaults.FlattenMarkdown,
		}
		if v, ok := in.GetFields()["validation_ratio"]; ok {
			opts.ValidationRatio = v.GetNumberValue()
		}
		if v, ok := in.GetFields()["seed"]; ok {
			opts.Seed = int64(v.GetNumberValue())
		}
		if v, ok := in.GetFields()["flatten"]; ok {
			opts.FlattenMarkdown = v.GetBoolValue()
		}
		stats, err := s.alpaca.Export(ctx, opts)
		if err != nil {
			return nil, common.ToGRPCError(err)
		}
		m, err := toMap(stats)
		if err != nil {
			return nil, common.InternalError(err.Error())
		}
		return structpb.NewStruct(m)

	case "xlsx":
		var status *constants.SampleStatus
		if raw := strings.TrimSpace(stringField(in, "status")); raw != "" {
			st, err := constants.ParseSampleStatus(raw)
			if err != nil {
				return nil, common.InvalidArgumentError(err.Error())
			}
			status = &st
		}
		b, err := s.review.ExportReviewXLSX(ctx, status)
		if err != nil {
			s.logger.Error("export.xlsx.failed", "error", err)
			return nil, common.ToGRPCError(err)
		}
		return structpb.NewStruct(map[string]any{
			"xlsx_base64": base64.StdEncoding.EncodeToString(b),
			"size_bytes":  len(b),
		})

	default:
		return nil, common.InvalidArgumentErrorf("unknown export format %q", format)
	}
}

type handler func(*ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

var handlers = map[string]handler{
	"RunBatch":      (*ControlService).RunBatch,
	"ProcessSample": (*ControlService).ProcessSample,
	"GetStats":      (*ControlService).GetStats,
	"ListSamples":   (*ControlService).ListSamples,
	"GetSample":     (*ControlService).GetSample,
	"ResetSamples":  (*ControlService).ResetSamples,
	"ReviewSample":  (*ControlService).ReviewSample,
	"IngestPath":    (*ControlService).IngestPath,
	"Upload":        (*ControlService).Upload,
	"ExportDataset": (*ControlService).ExportDataset,
}

// Methods lists the service's method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls method in-process with the same logging and error mapping a
// remote call gets.
func (s *ControlService) Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, common.InvalidArgumentErrorf("unknown method %q", method)
	}
	if in == nil {
		in = &structpb.Struct{}
	}
	start := time.Now()
	rid := uuid.New().String()
	ctx = common.WithRequestID(ctx, rid)
	s.logger.Info("control.call.start", "method", method, "req_id", rid)
	out, err := h(s, ctx, in)
	if err != nil {
		s.logger.Warn("control.call.failed", "method", method, "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	s.logger.Info("control.call.ok", "method", method, "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// controlServer is the handler type gRPC checks registrations against.
type controlServer interface {
	Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ddt.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*controlServer)(nil),
		Metadata:    "ddt/v1/control.proto",
	}
	for _, name := range Methods() {
		desc.Methods = append(desc.Methods, unary(name))
	}
	return desc
}()

func unary(method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(controlServer)
			if interceptor == nil {
				return s.Invoke(ctx, method, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return s.Invoke(ctx, method, req.(*structpb.Struct))
			})
		},
	}
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RegisterControlServer attaches s to a gRPC server.
func RegisterControlServer(r grpc.ServiceRegistrar, s *ControlService) {
	r.RegisterService(&ServiceDesc, s)
}

func summaryMap(sum entity.BatchSummary) map[string]any {
	return map[string]any{
		"total":          sum.Total,
		"processed":      sum.Processed,
		"auto_validated": sum.AutoValidated,
		"needs_review":   sum.NeedsReview,
		"errors":         sum.Errors,
		"skipped":        sum.Total - sum.Processed,
		"elapsed_ms":     sum.Elapsed.Milliseconds(),
	}
}

func ingestMap(r ingest.IngestionResult) map[string]any {
	return map[string]any{
		"source_path":  r.SourcePath,
		"sample_id":    r.SampleID,
		"storage_path": r.StoragePath,
		"deduplicated": r.Deduplicated,
		"hash_hex":     r.HashHex,
		"size_bytes":   r.SizeBytes,
		"error":        r.Err,
	}
}

func sampleStruct(sm *entity.Sample) (*structpb.Struct, error) {
	m, err := toMap(sm)
	if err != nil {
		return nil, common.InternalError(err.Error())
	}
	return structpb.NewStruct(m)
}

// toMap round-trips v through JSON so struct tags decide the wire shape.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	if m == nil {
		return nil, errors.New("encoded value is not an object")
	}
	return m, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func intField(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}

func stringsField(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
