package project

import (
	"fmt"
	"math"
	"strings"

	"escrowflow/apperr"
)

// Scope-bar bounds: every project is broken into 3 to 5 milestones whose
// payment percentages sum to exactly 100.
const (
	MinMilestones = 3
	MaxMilestones = 5
	// SumTolerance absorbs float representation error in the percentage sum.
	SumTolerance = 0.01
)

// ValidateScopeBar checks a milestone set before it is committed. Pure: no
// side effects, called at project creation and on any pre-activation edit.
func ValidateScopeBar(milestones []MilestoneInput) error {
	if len(milestones) < MinMilestones || len(milestones) > MaxMilestones {
		return apperr.Validation("milestones",
			fmt.Sprintf("count must be between %d and %d, got %d", MinMilestones, MaxMilestones, len(milestones)))
	}

	sum := 0.0
	for i, m := range milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		if strings.TrimSpace(m.Title) == "" {
			return apperr.Validation(field+".title", "must not be empty")
		}
		if strings.TrimSpace(m.DefinitionOfDone) == "" {
			return apperr.Validation(field+".definition_of_done", "must not be empty")
		}
		if m.Percentage <= 0 || m.Percentage > 100 {
			return apperr.Validation(field+".percentage",
				fmt.Sprintf("must be in (0, 100], got %g", m.Percentage))
		}
		sum += m.Percentage
	}

	if math.Abs(sum-100) > SumTolerance {
		return apperr.Validation("milestones",
			fmt.Sprintf("percentages must sum to 100, got %g", sum))
	}
	return nil
}
