package project

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a project record.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Project mirrors the projects table columns touched by the service.
type Project struct {
	ID          string
	ClientID    string
	DeveloperID *string
	Title       string
	Budget      decimal.Decimal
	Deadline    time.Time
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MilestoneInput is the caller-supplied definition of one scope-bar entry.
type MilestoneInput struct {
	Title            string  `json:"title"`
	DefinitionOfDone string  `json:"definition_of_done"`
	Percentage       float64 `json:"percentage"`
}

// CreateParams enumerates the fields required to create a project.
type CreateParams struct {
	Title      string
	Budget     decimal.Decimal
	Deadline   time.Time
	Milestones []MilestoneInput
}

// ListFilters narrows and pages project listings.
type ListFilters struct {
	ClientID    string
	DeveloperID string
	Page        int
	PageSize    int
}
