package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen                  Status = "open"
	StatusInReview              Status = "in_review"
	StatusResolvedDeveloperWins Status = "resolved_developer_wins"
	StatusResolvedClientWins    Status = "resolved_client_wins"
	StatusClosed                Status = "closed"
)

// Active reports whether the dispute still blocks its milestone.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return !s.Active()
}

// Outcome names the party a resolution favors.
type Outcome string

const (
	OutcomeDeveloper Outcome = "developer"
	OutcomeClient    Outcome = "client"
)

// Valid reports whether o is one of the two known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeDeveloper || o == OutcomeClient
}

// ResolvedStatus maps an outcome to the terminal status it produces.
func (o Outcome) ResolvedStatus() Status {
	if o == OutcomeDeveloper {
		return StatusResolvedDeveloperWins
	}
	return StatusResolvedClientWins
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                 string
	ProjectID          string
	MilestoneID        string
	ClientID           string
	DeveloperID        string
	ReviewerID         *string
	ClientStatement    string
	ClientEvidence     []string
	DeveloperStatement *string
	DeveloperEvidence  []string
	Decision           *string
	Status             Status
	OpenedAt           time.Time
	InReviewAt         *time.Time
	ResolvedAt         *time.Time
	ClosedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
