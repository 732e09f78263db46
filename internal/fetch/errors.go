package fetch

import (
	"fmt"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
	"github.com/VirtuonBeta/Virtuos-Market/internal/validator"
)

// Range is one contiguous sub-range of a fetch request.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// ValidationError is returned when the merged dataset fails hard checks.
// The full report is attached so callers can inspect what failed.
type ValidationError struct {
	Report *validator.Report
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("dataset failed validation with %d errors (score %.2f)",
		len(e.Report.Errors), e.Report.Score)
}

// PartialFetchError is returned when some batches permanently failed after
// retry exhaustion. It carries both the succeeded and failed sub-ranges,
// plus the merged data from the succeeded ones, so callers can accept
// partial data or retry only the gaps. A fetch never silently returns a
// partial dataset.
type PartialFetchError struct {
	Succeeded []Range
	Failed    []Range
	Partial   *models.Dataset
}

// Error implements the error interface.
func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("fetch incomplete: %d of %d sub-ranges failed, first failure %s",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), e.Failed[0])
}
