package constants

import "fmt"

// SampleStatus is the lifecycle state of a dataset sample.
type SampleStatus int

const (
	SampleStatusPending SampleStatus = iota + 1
	SampleStatusProcessing
	SampleStatusAutoValidated
	SampleStatusNeedsReview
	SampleStatusManuallyValidated
	SampleStatusRejected
	SampleStatusError
)

// Stable wire values (store these exact strings in DB).
var sampleStatusWire = [...]string{
	SampleStatusPending:           "pending",
	SampleStatusProcessing:        "processing",
	SampleStatusAutoValidated:     "auto_validated",
	SampleStatusNeedsReview:       "needs_review",
	SampleStatusManuallyValidated: "manually_validated",
	SampleStatusRejected:          "rejected",
	SampleStatusError:             "error",
}

var sampleStatusByWire = func() map[string]SampleStatus {
	m := make(map[string]SampleStatus, len(sampleStatusWire))
	for s, w := range sampleStatusWire {
		if w != "" {
			m[w] = SampleStatus(s)
		}
	}
	return m
}()

// AllSampleStatuses lists every status in lifecycle order.
func AllSampleStatuses() []SampleStatus {
	return []SampleStatus{
		SampleStatusPending,
		SampleStatusProcessing,
		SampleStatusAutoValidated,
		SampleStatusNeedsReview,
		SampleStatusManuallyValidated,
		SampleStatusRejected,
		SampleStatusError,
	}
}

func (s SampleStatus) String() string {
	if s > 0 && int(s) < len(sampleStatusWire) {
		return sampleStatusWire[s]
	}
	return fmt.Sprintf("SampleStatus(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s SampleStatus) Valid() bool {
	return s > 0 && int(s) < len(sampleStatusWire)
}

// IsTerminal reports whether processing has finished for a sample in this state.
func (s SampleStatus) IsTerminal() bool {
	switch s {
	case SampleStatusAutoValidated, SampleStatusNeedsReview, SampleStatusManuallyValidated,
		SampleStatusRejected, SampleStatusError:
		return true
	}
	return false
}

// IsValidated reports whether the sample carries an accepted resolution.
func (s SampleStatus) IsValidated() bool {
	return s == SampleStatusAutoValidated || s == SampleStatusManuallyValidated
}

// ParseSampleStatus maps a wire string back to its status.
func ParseSampleStatus(v string) (SampleStatus, error) {
	if s, ok := sampleStatusByWire[v]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown sample status %q", v)
}

func (s SampleStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sample status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SampleStatus) UnmarshalText(b []byte) error {
	v, err := ParseSampleStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ValidationSource records which producer supplied a sample's accepted output.
type ValidationSource string

const (
	ValidationSourceDatalab ValidationSource = "datalab"
	ValidationSourceGemini  ValidationSource = "gemini"
	ValidationSourceManual  ValidationSource = "manual"
)

// ParseValidationSource validates a stored provenance value.
func ParseValidationSource(v string) (ValidationSource, error) {
	switch s := ValidationSource(v); s {
	case ValidationSourceDatalab, ValidationSourceGemini, ValidationSourceManual:
		return s, nil
	}
	return "", fmt.Errorf("unknown validation source %q", v)
}

// DatasetSplit assigns a validated sample to training or validation.
type DatasetSplit string

const (
	DatasetSplitTrain      DatasetSplit = "train"
	DatasetSplitValidation DatasetSplit = "validation"
)

// ParseDatasetSplit validates a stored split value.
func ParseDatasetSplit(v string) (DatasetSplit, error) {
	switch s := DatasetSplit(v); s {
	case DatasetSplitTrain, DatasetSplitValidation:
		return s, nil
	}
	return "", fmt.Errorf("unknown dataset split %q", v)
}

// OCRSource picks which raw text feeds the training export.
type OCRSource string

const (
	OCRSourceAzure   OCRSource = "azure"
	OCRSourceDatalab OCRSource = "datalab"
)

// ParseOCRSource validates an export OCR source.
func ParseOCRSource(v string) (OCRSource, error) {
	switch s := OCRSource(v); s {
	case OCRSourceAzure, OCRSourceDatalab:
		return s, nil
	}
	return "", fmt.Errorf("invalid ocr source %q: must be 'azure' or 'datalab'", v)
}
