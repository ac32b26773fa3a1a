package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
)

// Instruction is the fixed task prompt of every training record.
const Instruction = "Estrai i dati strutturati dal seguente DDT italiano. " +
	"Campi richiesti: mittente, destinatario, indirizzo_destinazione_completo, " +
	"data_documento, data_trasporto, numero_documento, numero_ordine, codice_cliente. " +
	"Rispondi con JSON valido."

// Output file names.
const (
	TrainFile         = "train.jsonl"
	ValidationFile    = "validation.jsonl"
	QualityReportFile = "quality_report.json"
)

// AlpacaRecord is one instruction-tuning example.
type AlpacaRecord struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// QualityReport describes the exported dataset.
type QualityReport struct {
	TotalSamples       int                `json:"total_samples"`
	FieldCoverage      map[string]float64 `json:"field_coverage"`
	AvgOCRLength       int                `json:"avg_ocr_length"`
	AvgOutputLength    int                `json:"avg_output_length"`
	MissingFieldsCount int                `json:"missing_fields_count"`
	QualityScore       float64            `json:"quality_score"`
}

// AlpacaStats is the outcome of an export.
type AlpacaStats struct {
	TotalSamples      int                `json:"total_samples"`
	TrainSamples      int                `json:"train_samples"`
	ValidationSamples int                `json:"validation_samples"`
	OCRSource         string             `json:"ocr_source"`
	FieldCoverage     map[string]float64 `json:"field_coverage"`
	AvgOCRLength      int                `json:"avg_ocr_length"`
	AvgOutputLength   int                `json:"avg_output_length"`
	OutputDir         string             `json:"output_dir"`
}

// AlpacaOptions configures one export run.
type AlpacaOptions struct {
	OutputDir       string
	OCRSource       constants.OCRSource
	ValidationRatio float64
	Seed            int64
	// FlattenMarkdown turns the OCR markdown into plain text first.
	FlattenMarkdown bool
}

// FormatAlpaca converts a validated sample into a training record. It reports
// false when the sample has no resolution or no OCR text from src.
func FormatAlpaca(s *entity.Sample, src constants.OCRSource, flatten bool) (AlpacaRecord, bool) {
	if len(s.ValidatedOutput) == 0 {
		return AlpacaRecord{}, false
	}
	input := strings.TrimSpace(ocrText(s, src))
	if flatten {
		input = FlattenMarkdown(input)
	}
	if input == "" {
		return AlpacaRecord{}, false
	}
	out, err := MarshalFields(s.ValidatedOutput)
	if err != nil {
		return AlpacaRecord{}, false
	}
	return AlpacaRecord{Instruction: Instruction, Input: input, Output: out}, true
}

func ocrText(s *entity.Sample, src constants.OCRSource) string {
	var p *string
	switch src {
	case constants.OCRSourceDatalab:
		p = s.DatalabRawOCR
	default:
		p = s.AzureRawOCR
	}
	if p == nil {
		return ""
	}
	return *p
}

// MarshalFields encodes extraction fields as one JSON line with the DDT
// fields first, in their canonical order, and any extra keys sorted after.
// Non-ASCII text and HTML characters are written verbatim.
func MarshalFields(fields map[string]any) (string, error) {
	keys := make([]string, 0, len(fields))
	for _, f := range constants.ComparisonFields {
		if _, ok := fields[f]; ok {
			keys = append(keys, f)
		}
	}
	var extra []string
	for k := range fields {
		if !constants.IsComparisonField(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		kb, err := encodeJSON(k)
		if err != nil {
			return "", err
		}
		vb, err := encodeJSON(fields[k])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteString(": ")
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SplitDataset shuffles deterministically by seed and puts the first
// max(1, n*ratio) samples in validation, the rest in training.
func SplitDataset[T any](items []T, ratio float64, seed int64) (train, validation []T) {
	if len(items) == 0 {
		return nil, nil
	}
	shuffled := append([]T(nil), items...)
	r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	valSize := int(float64(len(shuffled)) * ratio)
	if valSize < 1 {
		valSize = 1
	}
	if valSize > len(shuffled) {
		valSize = len(shuffled)
	}
	return shuffled[valSize:], shuffled[:valSize]
}

// FieldCoverage is the share of samples with a non-blank value per DDT field.
func FieldCoverage(samples []*entity.Sample) map[string]float64 {
	if len(samples) == 0 {
		return map[string]float64{}
	}
	cov := make(map[string]float64, len(constants.ComparisonFields))
	for _, f := range constants.ComparisonFields {
		n := 0
		for _, s := range samples {
			if present(s.ValidatedOutput, f) {
				n++
			}
		}
		cov[f] = float64(n) / float64(len(samples))
	}
	return cov
}

// BuildQualityReport computes dataset metrics over every candidate sample.
func BuildQualityReport(samples []*entity.Sample, src constants.OCRSource) QualityReport {
	rep := QualityReport{TotalSamples: len(samples), FieldCoverage: FieldCoverage(samples)}
	if len(samples) == 0 {
		return rep
	}

	var ocrSum, ocrN, outSum, outN int
	for _, s := range samples {
		if t := ocrText(s, src); t != "" {
			ocrSum += utf8.RuneCountInString(t)
			ocrN++
		}
		if len(s.ValidatedOutput) > 0 {
			if out, err := MarshalFields(s.ValidatedOutput); err == nil {
				outSum += utf8.RuneCountInString(out)
				outN++
			}
		}

		if len(s.ValidatedOutput) == 0 {
			rep.MissingFieldsCount++
			continue
		}
		for _, f := range constants.ComparisonFields {
			if !present(s.ValidatedOutput, f) {
				rep.MissingFieldsCount++
				break
			}
		}
	}
	if ocrN > 0 {
		rep.AvgOCRLength = ocrSum / ocrN
	}
	if outN > 0 {
		rep.AvgOutputLength = outSum / outN
	}

	var total float64
	for _, c := range rep.FieldCoverage {
		total += c
	}
	rep.QualityScore = total / float64(len(rep.FieldCoverage))
	return rep
}

func present(m map[string]any, field string) bool {
	v, ok := m[field]
	if !ok || v == nil {
		return false
	}
	return strings.TrimSpace(fmt.Sprint(v)) != ""
}

// AlpacaExporter writes the training set for validated samples.
type AlpacaExporter struct {
	repo   repository.SampleRepository
	logger *slog.Logger
}

func NewAlpacaExporter(repo repository.SampleRepository, logger *slog.Logger) *AlpacaExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlpacaExporter{repo: repo, logger: logger}
}

// Export writes train.jsonl, validation.jsonl and quality_report.json under
// opts.OutputDir and records the split assigned to each exported sample.
func (e *AlpacaExporter) Export(ctx context.Context, opts AlpacaOptions) (AlpacaStats, error) {
	start := time.Now()
	if opts.OCRSource == "" {
		opts.OCRSource = constants.OCRSourceAzure
	}
	if _, err := constants.ParseOCRSource(string(opts.OCRSource)); err != nil {
		return AlpacaStats{}, common.NewAppError("INVALID_EXPORT", err.Error(), common.ErrInvalidInput)
	}
	if opts.ValidationRatio <= 0 || opts.ValidationRatio >= 1 {
		opts.ValidationRatio = 0.07
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return AlpacaStats{}, common.NewAppError("INVALID_EXPORT", "output dir is required", common.ErrInvalidInput)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return AlpacaStats{}, fmt.Errorf("create output dir: %w", err)
	}

	samples, err := e.repo.ListValidated(ctx)
	if err != nil {
		return AlpacaStats{}, err
	}
	stats := AlpacaStats{
		TotalSamples:  len(samples),
		OCRSource:     string(opts.OCRSource),
		FieldCoverage: map[string]float64{},
		OutputDir:     opts.OutputDir,
	}
	if len(samples) == 0 {
		e.logger.Warn("export.alpaca.empty", "dir", opts.OutputDir)
		return stats, nil
	}

	train, val := SplitDataset(samples, opts.ValidationRatio, opts.Seed)
	if stats.TrainSamples, err = e.writeJSONL(ctx, filepath.Join(opts.OutputDir, TrainFile), train, opts, constants.DatasetSplitTrain); err != nil {
		return stats, err
	}
	if stats.ValidationSamples, err = e.writeJSONL(ctx, filepath.Join(opts.OutputDir, ValidationFile), val, opts, constants.DatasetSplitValidation); err != nil {
		return stats, err
	}

	report := BuildQualityReport(samples, opts.OCRSource)
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return stats, fmt.Errorf("marshal quality report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.OutputDir, QualityReportFile), b, 0o644); err != nil {
		return stats, fmt.Errorf("write quality report: %w", err)
	}

	stats.FieldCoverage = report.FieldCoverage
	stats.AvgOCRLength = report.AvgOCRLength
	stats.AvgOutputLength = report.AvgOutputLength
	e.logger.Info("export.alpaca.ok",
		"dir", opts.OutputDir,
		"ocr_source", opts.OCRSource,
		"total", stats.TotalSamples,
		"train", stats.TrainSamples,
		"validation", stats.ValidationSamples,
		"quality_score", report.QualityScore,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (e *AlpacaExporter) writeJSONL(ctx context.Context, path string, samples []*entity.Sample, opts AlpacaOptions, split constants.DatasetSplit) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	n := 0
	for _, s := range samples {
		rec, ok := FormatAlpaca(s, opts.OCRSource, opts.FlattenMarkdown)
		if !ok {
			e.logger.Warn("export.alpaca.skip", "sample_id", s.ID, "ocr_source", opts.OCRSource)
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("encode %s: %w", s.ID, err)
		}
		n++
		if _, err := e.repo.Update(ctx, s.ID, entity.SampleUpdate{DatasetSplit: &split}); err != nil {
			e.logger.Warn("export.alpaca.split_not_recorded", "sample_id", s.ID, "error", err)
		}
	}
	if err := w.Flush(); err != nil {
		return n, fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	return n, f.Close()
}
