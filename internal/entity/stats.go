package entity

import (
	"time"

	"github.com/joseph-ayodele/ddt-extractor/constants"
)

// BatchSummary aggregates the outcome of one batch run.
type BatchSummary struct {
	Total         int           `json:"total"`
	Processed     int           `json:"processed"`
	AutoValidated int           `json:"auto_validated"`
	NeedsReview   int           `json:"needs_review"`
	Errors        int           `json:"errors"`
	Elapsed       time.Duration `json:"elapsed"`
}

// ProcessingStats is a point-in-time view over the whole dataset.
type ProcessingStats struct {
	TotalSamples      int      `json:"total_samples"`
	Pending           int      `json:"pending"`
	Processing        int      `json:"processing"`
	Processed         int      `json:"processed"`
	AutoValidated     int      `json:"auto_validated"`
	NeedsReview       int      `json:"needs_review"`
	ManuallyValidated int      `json:"manually_validated"`
	Rejected          int      `json:"rejected"`
	Errors            int      `json:"errors"`
	AvgMatchScore     *float64 `json:"avg_match_score,omitempty"`
	IsProcessing      bool     `json:"is_processing"`
}

// NewProcessingStats folds per-status counts into a stats view.
func NewProcessingStats(counts map[constants.SampleStatus]int, avg *float64, running bool) ProcessingStats {
	st := ProcessingStats{AvgMatchScore: avg, IsProcessing: running}
	for status, n := range counts {
		st.TotalSamples += n
		if status.IsTerminal() {
			st.Processed += n
		}
		switch status {
		case constants.SampleStatusPending:
			st.Pending = n
		case constants.SampleStatusProcessing:
			st.Processing = n
		case constants.SampleStatusAutoValidated:
			st.AutoValidated = n
		case constants.SampleStatusNeedsReview:
			st.NeedsReview = n
		case constants.SampleStatusManuallyValidated:
			st.ManuallyValidated = n
		case constants.SampleStatusRejected:
			st.Rejected = n
		case constants.SampleStatusError:
			st.Errors = n
		}
	}
	return st
}

// ProgressPercent is the share of samples past processing, rounded to 2 decimals.
func (s ProcessingStats) ProgressPercent() float64 {
	if s.TotalSamples == 0 {
		return 0
	}
	p := float64(s.Processed) / float64(s.TotalSamples) * 100
	return float64(int64(p*100+0.5)) / 100
}
