package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/gateway"
)

// Status represents the lifecycle of an escrow transaction.
type Status string

const (
	StatusPending      Status = "pending"
	StatusHeldInEscrow Status = "held_in_escrow"
	StatusReleased     Status = "released"
	StatusRefunded     Status = "refunded"
	StatusFailed       Status = "failed"
)

// Terminal reports whether s is one of the three one-way end states.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusFailed
}

// Transaction mirrors the escrow_transactions table. The invariant
// PlatformFee + DeveloperPayout == Amount holds for every persisted row.
type Transaction struct {
	ID              string
	MilestoneID     string
	ProjectID       string
	DeveloperID     string
	GatewayRef      gateway.Ref
	Amount          decimal.Decimal
	PlatformFee     decimal.Decimal
	DeveloperPayout decimal.Decimal
	Status          Status
	HeldAt          *time.Time
	ReleasedAt      *time.Time
	RefundedAt      *time.Time
	FailedAt        *time.Time
	CreatedAt       time.Time
}

// HoldParams carries the milestone context needed to authorize and price a hold.
type HoldParams struct {
	MilestoneID string
	ProjectID   string
	DeveloperID string
	Budget      decimal.Decimal
	Percentage  decimal.Decimal
	ActorID     string
}

// GrossAmount computes the milestone's share of the project budget at
// currency precision.
func (p HoldParams) GrossAmount() decimal.Decimal {
	return p.Budget.Mul(p.Percentage).Div(decimal.NewFromInt(100)).Round(2)
}
