package milestone

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a milestone record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusReadyForReview Status = "ready_for_review"
	StatusApproved       Status = "approved"
	StatusDisputed       Status = "disputed"
	StatusRejected       Status = "rejected"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition reports whether from -> to is a legal milestone transition.
// The switch is exhaustive over the closed Status set; anything not listed
// is illegal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusReadyForReview
	case StatusReadyForReview:
		return to == StatusApproved || to == StatusDisputed
	case StatusDisputed:
		// Resolution in the developer's favor, the client's favor, or a
		// close without fault that restores the review state.
		return to == StatusApproved || to == StatusRejected || to == StatusReadyForReview
	case StatusApproved, StatusRejected:
		return false
	default:
		return false
	}
}

// Milestone mirrors the milestones table.
type Milestone struct {
	ID               string
	ProjectID        string
	OrderIndex       int
	Title            string
	DefinitionOfDone string
	Percentage       decimal.Decimal
	Status           Status
	StartedAt        *time.Time
	ReadyAt          *time.Time
	ApprovedAt       *time.Time
	DisputedAt       *time.Time
	RejectedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot is the locked view of a milestone plus the project context needed
// to authorize and execute a transition.
type Snapshot struct {
	Milestone     Milestone
	ProjectStatus string
	Budget        decimal.Decimal
	ClientID      string
	DeveloperID   *string
}
