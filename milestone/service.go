package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/identity"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the escrow capability the milestone workflow depends on.
type Ledger interface {
	HoldFunds(ctx context.Context, tx pgx.Tx, p escrow.HoldParams) (escrow.Transaction, error)
	ReleaseByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (escrow.Transaction, error)
	RecordFailedHold(ctx context.Context, p escrow.HoldParams, cause error) error
	GetByMilestone(ctx context.Context, milestoneID string) (escrow.Transaction, error)
}

// Service drives a milestone through its lifecycle. Every transition runs as
// one transaction: row lock, validation, escrow movement, status flip,
// timeline and outbox writes.
type Service struct {
	pool   TxBeginner
	repo   Repository
	ledger Ledger
}

func NewService(pool *pgxpool.Pool, repo Repository, ledger Ledger) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{pool: pool, repo: repo, ledger: ledger}
}

// NewServiceWith wires explicit dependencies, for tests.
func NewServiceWith(pool TxBeginner, repo Repository, ledger Ledger) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledger}
}

// StartResult bundles the milestone and the escrow transaction created for it.
type StartResult struct {
	Milestone   Milestone
	Transaction escrow.Transaction
}

// Start moves a pending milestone to in progress and holds its funds. The
// hold and the status flip commit together; a gateway rejection aborts both
// and the milestone stays pending.
func (s *Service) Start(ctx context.Context, actor identity.Actor, milestoneID, idempotencyKey string) (StartResult, error) {
	if actor.Role != identity.RoleDeveloper {
		return StartResult{}, apperr.Authorization(actor.UserID, "start milestones")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.repo.GetForTransition(ctx, tx, milestoneID)
	if err != nil {
		return StartResult{}, err
	}

	if idempotencyKey != "" {
		if err := event.ReserveIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
			if errors.Is(err, event.ErrDuplicateKey) {
				return s.replay(ctx, snap.Milestone)
			}
			return StartResult{}, err
		}
	}

	if snap.DeveloperID == nil || *snap.DeveloperID != actor.UserID {
		return StartResult{}, apperr.Authorization(actor.UserID, "start this milestone")
	}
	if snap.ProjectStatus != "in_progress" {
		return StartResult{}, apperr.StateConflict("project", snap.Milestone.ProjectID, snap.ProjectStatus, "start milestone")
	}
	if !CanTransition(snap.Milestone.Status, StatusInProgress) {
		return StartResult{}, apperr.StateConflict("milestone", milestoneID, string(snap.Milestone.Status), "start")
	}

	holdParams := escrow.HoldParams{
		MilestoneID: milestoneID,
		ProjectID:   snap.Milestone.ProjectID,
		DeveloperID: actor.UserID,
		Budget:      snap.Budget,
		Percentage:  snap.Milestone.Percentage,
		ActorID:     actor.UserID,
	}
	txn, err := s.ledger.HoldFunds(ctx, tx, holdParams)
	if err != nil {
		if apperr.IsGateway(err) {
			// Abort the transition, then keep a failed row for audit.
			_ = tx.Rollback(ctx)
			_ = s.ledger.RecordFailedHold(ctx, holdParams, err)
		}
		return StartResult{}, err
	}

	m, err := s.repo.SetStatus(ctx, tx, milestoneID, StatusInProgress)
	if err != nil {
		return StartResult{}, err
	}

	if err := s.announce(ctx, tx, m, snap.Milestone.Status, actor.UserID, event.TypeMilestoneStarted); err != nil {
		return StartResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StartResult{}, fmt.Errorf("milestone: commit start: %w", err)
	}
	return StartResult{Milestone: m, Transaction: txn}, nil
}

// MarkReady moves an in-progress milestone to ready for review.
func (s *Service) MarkReady(ctx context.Context, actor identity.Actor, milestoneID string) (Milestone, error) {
	if actor.Role != identity.RoleDeveloper {
		return Milestone{}, apperr.Authorization(actor.UserID, "mark milestones ready")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.repo.GetForTransition(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if snap.DeveloperID == nil || *snap.DeveloperID != actor.UserID {
		return Milestone{}, apperr.Authorization(actor.UserID, "mark this milestone ready")
	}
	if !CanTransition(snap.Milestone.Status, StatusReadyForReview) {
		return Milestone{}, apperr.StateConflict("milestone", milestoneID, string(snap.Milestone.Status), "mark ready")
	}

	m, err := s.repo.SetStatus(ctx, tx, milestoneID, StatusReadyForReview)
	if err != nil {
		return Milestone{}, err
	}
	if err := s.announce(ctx, tx, m, snap.Milestone.Status, actor.UserID, event.TypeMilestoneReady); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit mark ready: %w", err)
	}
	return m, nil
}

// Approve accepts a milestone under review and releases its escrow. The
// release and the status flip are one transaction: if the gateway rejects
// the release, the milestone stays ready for review.
func (s *Service) Approve(ctx context.Context, actor identity.Actor, milestoneID, idempotencyKey string) (StartResult, error) {
	if actor.Role != identity.RoleClient {
		return StartResult{}, apperr.Authorization(actor.UserID, "approve milestones")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.repo.GetForTransition(ctx, tx, milestoneID)
	if err != nil {
		return StartResult{}, err
	}

	if idempotencyKey != "" {
		if err := event.ReserveIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
			if errors.Is(err, event.ErrDuplicateKey) {
				return s.replay(ctx, snap.Milestone)
			}
			return StartResult{}, err
		}
	}

	if snap.ClientID != actor.UserID {
		return StartResult{}, apperr.Authorization(actor.UserID, "approve this milestone")
	}
	if !CanTransition(snap.Milestone.Status, StatusApproved) || snap.Milestone.Status != StatusReadyForReview {
		return StartResult{}, apperr.StateConflict("milestone", milestoneID, string(snap.Milestone.Status), "approve")
	}

	txn, err := s.ledger.ReleaseByMilestone(ctx, tx, milestoneID, actor.UserID)
	if err != nil {
		return StartResult{}, err
	}

	m, err := s.repo.SetStatus(ctx, tx, milestoneID, StatusApproved)
	if err != nil {
		return StartResult{}, err
	}
	if err := s.announce(ctx, tx, m, snap.Milestone.Status, actor.UserID, event.TypeMilestoneApproved); err != nil {
		return StartResult{}, err
	}
	if err := FinishProjectIfDone(ctx, tx, s.repo, m.ProjectID, actor.UserID); err != nil {
		return StartResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StartResult{}, fmt.Errorf("milestone: commit approve: %w", err)
	}
	return StartResult{Milestone: m, Transaction: txn}, nil
}

// replay answers an idempotency-key duplicate: no writes happened, report
// the current state as success.
func (s *Service) replay(ctx context.Context, m Milestone) (StartResult, error) {
	txn, err := s.ledger.GetByMilestone(ctx, m.ID)
	if err != nil && !errors.Is(err, escrow.ErrNotFound) {
		return StartResult{}, err
	}
	return StartResult{Milestone: m, Transaction: txn}, nil
}

func (s *Service) announce(ctx context.Context, tx pgx.Tx, m Milestone, previous Status, actorID, eventType string) error {
	if err := event.Append(ctx, tx, m.ProjectID, &m.ID, eventType, &actorID, map[string]any{
		"previous_status": string(previous),
		"next_status":     string(m.Status),
	}); err != nil {
		return err
	}
	return event.Enqueue(ctx, tx, event.TopicMilestoneStatusChanged, map[string]any{
		"milestone_id": m.ID,
		"project_id":   m.ProjectID,
		"previous":     string(previous),
		"next":         string(m.Status),
	})
}

// FinishProjectIfDone completes the project once its last milestone reaches a
// terminal state. Runs inside the transaction that performed the transition.
func FinishProjectIfDone(ctx context.Context, tx pgx.Tx, repo Repository, projectID, actorID string) error {
	finished, err := repo.ProjectFinished(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	completed, err := repo.CompleteProject(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}
	if err := event.Append(ctx, tx, projectID, nil, event.TypeProjectCompleted, &actorID, map[string]any{}); err != nil {
		return err
	}
	return event.Enqueue(ctx, tx, event.TopicProjectCompleted, map[string]any{
		"project_id": projectID,
	})
}
