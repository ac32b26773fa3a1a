package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
)

const reviewSheet = "Review"

// ReviewExporter produces XLSX workbooks that put both extractions of every
// sample side by side for manual review.
type ReviewExporter struct {
	repo   repository.SampleRepository
	logger *slog.Logger
}

func NewReviewExporter(repo repository.SampleRepository, logger *slog.Logger) *ReviewExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewExporter{repo: repo, logger: logger}
}

// ExportReviewXLSX returns the workbook bytes for samples in status, or for
// all samples when status is nil. Cells of disagreeing fields are highlighted.
func (e *ReviewExporter) ExportReviewXLSX(ctx context.Context, status *constants.SampleStatus) ([]byte, error) {
	start := time.Now()

	samples, err := e.repo.ListByStatus(ctx, status, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", reviewSheet); err != nil {
		return nil, err
	}

	headers := []string{"ID", "Filename", "Status", "Match Score", "Discrepancies"}
	for _, field := range constants.ComparisonFields {
		headers = append(headers, field+" (datalab)", field+" (gemini)")
	}
	headers = append(headers, "Validated Output", "Validation Source", "Notes", "Datalab Error", "Azure Error", "Gemini Error")
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(reviewSheet, cell, h)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	diffStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFE699"}},
	})
	if err != nil {
		return nil, err
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(reviewSheet, "A1", lastHeader, headerStyle)
	_ = f.SetPanes(reviewSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	row := 2
	for _, s := range samples {
		col := 1
		write := func(v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(reviewSheet, cell, v)
			col++
		}

		write(s.ID.String())
		write(s.Filename)
		write(s.Status.String())
		if s.MatchScore != nil {
			write(*s.MatchScore)
		} else {
			write("")
		}
		write(strings.Join(s.Discrepancies, ", "))

		diff := make(map[string]bool, len(s.Discrepancies))
		for _, d := range s.Discrepancies {
			diff[d] = true
		}
		for _, field := range constants.ComparisonFields {
			first := col
			write(cellValue(s.DatalabJSON, field))
			write(cellValue(s.StructurerJSON, field))
			if diff[field] {
				from, _ := excelize.CoordinatesToCellName(first, row)
				to, _ := excelize.CoordinatesToCellName(first+1, row)
				_ = f.SetCellStyle(reviewSheet, from, to, diffStyle)
			}
		}

		if len(s.ValidatedOutput) > 0 {
			out, _ := MarshalFields(s.ValidatedOutput)
			write(out)
		} else {
			write("")
		}
		if s.ValidationSource != nil {
			write(string(*s.ValidationSource))
		} else {
			write("")
		}
		write(deref(s.ValidatorNotes))
		write(truncate(deref(s.DatalabError), 200))
		write(truncate(deref(s.AzureError), 200))
		write(truncate(deref(s.StructurerError), 200))
		row++
	}

	// Widen a few columns
	_ = f.SetColWidth(reviewSheet, "A", "A", 38) // id
	_ = f.SetColWidth(reviewSheet, "B", "B", 28) // filename
	_ = f.SetColWidth(reviewSheet, "C", "D", 16) // status, score
	_ = f.SetColWidth(reviewSheet, "E", "E", 40) // discrepancies
	firstField, _ := excelize.ColumnNumberToName(6)
	lastField, _ := excelize.ColumnNumberToName(5 + 2*len(constants.ComparisonFields))
	_ = f.SetColWidth(reviewSheet, firstField, lastField, 26)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"rows", len(samples),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func cellValue(m map[string]any, field string) string {
	v, ok := m[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
