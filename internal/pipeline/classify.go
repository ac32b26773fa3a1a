package pipeline

import (
	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/compare"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
)

// errNoStructuredFields is recorded when the combined service succeeds but
// yields no fields, which leaves nothing to accept.
const errNoStructuredFields = "Datalab returned no structured fields"

// pathResults carries the raw adapter outcomes of one sample.
type pathResults struct {
	combined extract.Result
	ocr      extract.Result
	// structured is nil when the structurer never ran.
	structured *extract.Result
}

// policy is the decision configuration of a Processor.
type policy struct {
	matcher           compare.Matcher
	threshold         float64
	allowSingleSource bool
}

// classify turns adapter results into the sample update to persist.
// Every adapter artifact is carried over regardless of the branch taken.
func (pol policy) classify(r pathResults) entity.SampleUpdate {
	u := artifacts(r)
	// Only an accepting branch leaves a resolution behind.
	u.ClearResolution = true

	a := r.combined
	combinedOK := a.Success && len(a.JSON) > 0
	structuredOK := r.structured != nil && r.structured.Success && len(r.structured.JSON) > 0

	var status constants.SampleStatus
	switch {
	case !combinedOK:
		status = constants.SampleStatusError
		if a.Success {
			u.DatalabError = entity.Ptr(errNoStructuredFields)
		}
	case structuredOK:
		score, discrepancies := pol.matcher.Score(a.JSON, r.structured.JSON)
		u.MatchScore = &score
		u.Discrepancies = discrepancies
		status = compare.Decide(score, pol.threshold)
		if status == constants.SampleStatusAutoValidated {
			accept(&u, a.JSON)
		}
	case pol.allowSingleSource:
		status = constants.SampleStatusAutoValidated
		accept(&u, a.JSON)
	default:
		status = constants.SampleStatusNeedsReview
	}
	u.Status = &status
	return u
}

func accept(u *entity.SampleUpdate, fields map[string]any) {
	src := constants.ValidationSourceDatalab
	u.ValidatedOutput = fields
	u.ValidationSource = &src
}

func artifacts(r pathResults) entity.SampleUpdate {
	var u entity.SampleUpdate

	u.DatalabTimeMs = entity.Ptr(r.combined.ElapsedMs())
	if r.combined.Success {
		u.DatalabRawOCR = entity.Ptr(r.combined.RawText)
		fields := r.combined.JSON
		if fields == nil {
			fields = map[string]any{}
		}
		u.DatalabJSON = fields
	} else {
		u.DatalabError = entity.Ptr(r.combined.Error)
	}

	u.AzureTimeMs = entity.Ptr(r.ocr.ElapsedMs())
	if r.ocr.Success {
		u.AzureRawOCR = entity.Ptr(r.ocr.RawText)
	} else {
		u.AzureError = entity.Ptr(r.ocr.Error)
	}

	if st := r.structured; st != nil {
		u.StructurerTimeMs = entity.Ptr(st.ElapsedMs())
		if st.Success {
			u.StructurerJSON = st.JSON
		} else {
			u.StructurerError = entity.Ptr(st.Error)
		}
	}
	return u
}

// faultUpdate marks a sample ERROR after an unexpected failure.
func faultUpdate(msg string) entity.SampleUpdate {
	st := constants.SampleStatusError
	return entity.SampleUpdate{
		Status:          &st,
		DatalabError:    &msg,
		ClearResolution: true,
	}
}
