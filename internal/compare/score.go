package compare

import (
	"unicode/utf8"

	"github.com/joseph-ayodele/ddt-extractor/constants"
)

// Default matching constants.
const (
	DefaultMinFuzzyLen    = 20
	DefaultFuzzyThreshold = 0.85
	DefaultAutoValidate   = 0.95
)

// Matcher decides field equality. Fuzzy matching only applies when either
// normalized value is longer than MinFuzzyLen runes.
type Matcher struct {
	MinFuzzyLen    int
	FuzzyThreshold float64
}

// DefaultMatcher returns a Matcher with the stock constants.
func DefaultMatcher() Matcher {
	return Matcher{MinFuzzyLen: DefaultMinFuzzyLen, FuzzyThreshold: DefaultFuzzyThreshold}
}

// ValuesMatch reports whether two raw field values agree.
func (m Matcher) ValuesMatch(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	na, okA := Normalize(a)
	nb, okB := Normalize(b)
	if !okA && !okB {
		return true
	}
	if !okA || !okB {
		return false
	}
	if na == nb {
		return true
	}
	if utf8.RuneCountInString(na) > m.MinFuzzyLen || utf8.RuneCountInString(nb) > m.MinFuzzyLen {
		return Ratio(na, nb) >= m.FuzzyThreshold
	}
	return false
}

// Score compares the fixed comparison fields of two extractions. It returns
// the share of matching fields and the ordered names of the others.
func (m Matcher) Score(a, b map[string]any) (float64, []string) {
	fields := constants.ComparisonFields
	discrepancies := make([]string, 0, len(fields))
	matches := 0
	for _, f := range fields {
		if m.ValuesMatch(a[f], b[f]) {
			matches++
			continue
		}
		discrepancies = append(discrepancies, f)
	}
	return float64(matches) / float64(len(fields)), discrepancies
}

// Decide routes a scored sample: at or above threshold it is accepted
// automatically, below it goes to review.
func Decide(score, threshold float64) constants.SampleStatus {
	if score >= threshold {
		return constants.SampleStatusAutoValidated
	}
	return constants.SampleStatusNeedsReview
}
