package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
)

// Sample represents one DDT document moving through the pipeline.
type Sample struct {
	ID            uuid.UUID `json:"id"`
	Filename      string    `json:"filename"`
	StoragePath   string    `json:"pdf_storage_path"`
	FileSizeBytes *int64    `json:"file_size_bytes,omitempty"`
	ContentHash   []byte    `json:"content_hash,omitempty"`

	// Path A: combined OCR and structuring.
	DatalabRawOCR *string        `json:"datalab_raw_ocr,omitempty"`
	DatalabJSON   map[string]any `json:"datalab_json,omitempty"`
	DatalabTimeMs *int64         `json:"datalab_processing_time_ms,omitempty"`
	DatalabError  *string        `json:"datalab_error,omitempty"`

	// Path B: layout OCR followed by the text structurer.
	AzureRawOCR      *string        `json:"azure_raw_ocr,omitempty"`
	AzureTimeMs      *int64         `json:"azure_processing_time_ms,omitempty"`
	AzureError       *string        `json:"azure_error,omitempty"`
	StructurerJSON   map[string]any `json:"gemini_json,omitempty"`
	StructurerTimeMs *int64         `json:"gemini_processing_time_ms,omitempty"`
	StructurerError  *string        `json:"gemini_error,omitempty"`

	MatchScore    *float64 `json:"match_score,omitempty"`
	Discrepancies []string `json:"discrepancies,omitempty"`

	Status           constants.SampleStatus      `json:"status"`
	ValidatedOutput  map[string]any              `json:"validated_output,omitempty"`
	ValidationSource *constants.ValidationSource `json:"validation_source,omitempty"`
	ValidatorNotes   *string                     `json:"validator_notes,omitempty"`
	DatasetSplit     *constants.DatasetSplit     `json:"dataset_split,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSample carries the immutable attributes of a freshly ingested document.
type NewSample struct {
	Filename      string
	StoragePath   string
	FileSizeBytes int64
	ContentHash   []byte
}

// SampleUpdate is a partial update: only non-nil fields are written.
// Filename and StoragePath are deliberately absent.
type SampleUpdate struct {
	Status *constants.SampleStatus

	DatalabRawOCR *string
	DatalabJSON   map[string]any
	DatalabTimeMs *int64
	DatalabError  *string

	AzureRawOCR      *string
	AzureTimeMs      *int64
	AzureError       *string
	StructurerJSON   map[string]any
	StructurerTimeMs *int64
	StructurerError  *string

	MatchScore    *float64
	Discrepancies []string

	ValidatedOutput  map[string]any
	ValidationSource *constants.ValidationSource
	ValidatorNotes   *string
	DatasetSplit     *constants.DatasetSplit

	// ClearResolution nulls validated_output and validation_source.
	ClearResolution bool
	// ClearExtraction nulls every extraction artifact, the score,
	// the discrepancies, the resolution, the notes and the split.
	ClearExtraction bool
}

// IsEmpty reports whether the update would change nothing.
func (u SampleUpdate) IsEmpty() bool {
	return u.Status == nil &&
		u.DatalabRawOCR == nil && u.DatalabJSON == nil && u.DatalabTimeMs == nil && u.DatalabError == nil &&
		u.AzureRawOCR == nil && u.AzureTimeMs == nil && u.AzureError == nil &&
		u.StructurerJSON == nil && u.StructurerTimeMs == nil && u.StructurerError == nil &&
		u.MatchScore == nil && u.Discrepancies == nil &&
		u.ValidatedOutput == nil && u.ValidationSource == nil && u.ValidatorNotes == nil && u.DatasetSplit == nil &&
		!u.ClearResolution && !u.ClearExtraction
}

// Apply mutates s in memory the same way a repository applies u in storage.
// Clears run first so an update may clear and then set in one call.
func (u SampleUpdate) Apply(s *Sample) {
	if u.ClearExtraction {
		s.DatalabRawOCR, s.DatalabJSON, s.DatalabTimeMs, s.DatalabError = nil, nil, nil, nil
		s.AzureRawOCR, s.AzureTimeMs, s.AzureError = nil, nil, nil
		s.StructurerJSON, s.StructurerTimeMs, s.StructurerError = nil, nil, nil
		s.MatchScore, s.Discrepancies = nil, nil
		s.ValidatorNotes, s.DatasetSplit = nil, nil
		s.ValidatedOutput, s.ValidationSource = nil, nil
	}
	if u.ClearResolution {
		s.ValidatedOutput, s.ValidationSource = nil, nil
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.DatalabRawOCR != nil {
		s.DatalabRawOCR = u.DatalabRawOCR
	}
	if u.DatalabJSON != nil {
		s.DatalabJSON = u.DatalabJSON
	}
	if u.DatalabTimeMs != nil {
		s.DatalabTimeMs = u.DatalabTimeMs
	}
	if u.DatalabError != nil {
		s.DatalabError = u.DatalabError
	}
	if u.AzureRawOCR != nil {
		s.AzureRawOCR = u.AzureRawOCR
	}
	if u.AzureTimeMs != nil {
		s.AzureTimeMs = u.AzureTimeMs
	}
	if u.AzureError != nil {
		s.AzureError = u.AzureError
	}
	if u.StructurerJSON != nil {
		s.StructurerJSON = u.StructurerJSON
	}
	if u.StructurerTimeMs != nil {
		s.StructurerTimeMs = u.StructurerTimeMs
	}
	if u.StructurerError != nil {
		s.StructurerError = u.StructurerError
	}
	if u.MatchScore != nil {
		s.MatchScore = u.MatchScore
	}
	if u.Discrepancies != nil {
		s.Discrepancies = u.Discrepancies
	}
	if u.ValidatedOutput != nil {
		s.ValidatedOutput = u.ValidatedOutput
	}
	if u.ValidationSource != nil {
		s.ValidationSource = u.ValidationSource
	}
	if u.ValidatorNotes != nil {
		s.ValidatorNotes = u.ValidatorNotes
	}
	if u.DatasetSplit != nil {
		s.DatasetSplit = u.DatasetSplit
	}
}

// ResetUpdate returns a sample to PENDING with every extraction field cleared.
func ResetUpdate() SampleUpdate {
	st := constants.SampleStatusPending
	return SampleUpdate{Status: &st, ClearExtraction: true}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
