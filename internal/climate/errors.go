package climate

import (
	"fmt"
	"time"

	"census-climate/internal/models"
)

// InsufficientCandidatesError is returned by a strict gap fill when fewer
// divisions than requested have a value for the metric on the date.
type InsufficientCandidatesError struct {
	DivisionID int64
	Date       time.Time
	Metric     models.Metric
	Have       int
	Want       int
}

func (e *InsufficientCandidatesError) Error() string {
	return fmt.Sprintf("division %d on %s: %d divisions have %s, need %d",
		e.DivisionID, models.DayKey(e.Date), e.Have, e.Metric, e.Want)
}

// IsTransient returns false: rerunning on the same inputs fails the same way
func (e *InsufficientCandidatesError) IsTransient() bool {
	return false
}

// MissingBoundaryError reports a division that has rows but no polygon.
type MissingBoundaryError struct {
	DivisionID int64
}

func (e *MissingBoundaryError) Error() string {
	return fmt.Sprintf("no boundary for division %d", e.DivisionID)
}

func (e *MissingBoundaryError) IsTransient() bool {
	return false
}
