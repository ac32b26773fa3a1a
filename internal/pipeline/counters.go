package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

// counters are shared by every task of one batch.
type counters struct {
	processed     atomic.Int64
	autoValidated atomic.Int64
	needsReview   atomic.Int64
	errors        atomic.Int64
}

func (c *counters) record(status constants.SampleStatus) {
	c.processed.Add(1)
	switch status {
	case constants.SampleStatusAutoValidated:
		c.autoValidated.Add(1)
	case constants.SampleStatusNeedsReview:
		c.needsReview.Add(1)
	case constants.SampleStatusError:
		c.errors.Add(1)
	}
}

func (c *counters) summary(total int, elapsed time.Duration) entity.BatchSummary {
	return entity.BatchSummary{
		Total:         total,
		Processed:     int(c.processed.Load()),
		AutoValidated: int(c.autoValidated.Load()),
		NeedsReview:   int(c.needsReview.Load()),
		Errors:        int(c.errors.Load()),
		Elapsed:       elapsed,
	}
}
