package dispute

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
	"escrowflow/milestone"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the escrow capability dispute resolution depends on.
type Ledger interface {
	ReleaseByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (escrow.Transaction, error)
	RefundByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (escrow.Transaction, error)
}

// Service runs the dispute process. Opening and resolving a dispute both
// transition the milestone in the same transaction, so a dispute can never
// disagree with its milestone about who owns the held funds.
type Service struct {
	pool       TxBeginner
	repo       Repository
	milestones milestone.Repository
	ledger     Ledger
}

func NewService(pool *pgxpool.Pool, repo Repository, milestones milestone.Repository, ledger Ledger) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if milestones == nil {
		milestones = milestone.NewRepository(pool)
	}
	return &Service{pool: pool, repo: repo, milestones: milestones, ledger: ledger}
}

// NewServiceWith wires explicit dependencies, for tests.
func NewServiceWith(pool TxBeginner, repo Repository, milestones milestone.Repository, ledger Ledger) *Service {
	return &Service{pool: pool, repo: repo, milestones: milestones, ledger: ledger}
}

// Open files a dispute against a milestone under review. The milestone moves
// to disputed in the same transaction; the escrow transaction is not touched,
// its funds are already held.
func (s *Service) Open(ctx context.Context, actor identity.Actor, milestoneID, statement string, evidence []string) (Dispute, error) {
	if actor.Role != identity.RoleClient {
		return Dispute{}, apperr.Authorization(actor.UserID, "open disputes")
	}
	if statement == "" {
		return Dispute{}, apperr.Validation("statement", "must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.milestones.GetForTransition(ctx, tx, milestoneID)
	if err != nil {
		return Dispute{}, err
	}
	if snap.ClientID != actor.UserID {
		return Dispute{}, apperr.Authorization(actor.UserID, "dispute this milestone")
	}
	if snap.DeveloperID == nil {
		return Dispute{}, apperr.StateConflict("project", snap.Milestone.ProjectID, snap.ProjectStatus, "dispute without an assigned developer")
	}
	if !milestone.CanTransition(snap.Milestone.Status, milestone.StatusDisputed) {
		return Dispute{}, apperr.StateConflict("milestone", milestoneID, string(snap.Milestone.Status), "dispute")
	}

	d, err := s.repo.Create(ctx, tx, CreateParams{
		ProjectID:       snap.Milestone.ProjectID,
		MilestoneID:     milestoneID,
		ClientID:        actor.UserID,
		DeveloperID:     *snap.DeveloperID,
		ClientStatement: statement,
		ClientEvidence:  evidence,
	})
	if err != nil {
		return Dispute{}, err
	}

	if _, err := s.milestones.SetStatus(ctx, tx, milestoneID, milestone.StatusDisputed); err != nil {
		return Dispute{}, err
	}

	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, event.TypeDisputeOpened, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicDisputeOpened, map[string]any{
		"dispute_id":   d.ID,
		"milestone_id": d.MilestoneID,
		"project_id":   d.ProjectID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return d, nil
}

// Respond records the developer's statement and evidence on an active dispute.
func (s *Service) Respond(ctx context.Context, actor identity.Actor, disputeID, statement string, evidence []string) (Dispute, error) {
	if actor.Role != identity.RoleDeveloper {
		return Dispute{}, apperr.Authorization(actor.UserID, "respond to disputes")
	}
	if statement == "" {
		return Dispute{}, apperr.Validation("statement", "must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.DeveloperID != actor.UserID {
		return Dispute{}, apperr.Authorization(actor.UserID, "respond to this dispute")
	}
	if !d.Status.Active() {
		return Dispute{}, apperr.StateConflict("dispute", disputeID, string(d.Status), "respond")
	}

	d, err = s.repo.SetDeveloperResponse(ctx, tx, disputeID, statement, evidence)
	if err != nil {
		return Dispute{}, err
	}
	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, event.TypeDisputeResponded, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit respond: %w", err)
	}
	return d, nil
}

// BeginReview assigns the admin as reviewer and moves the dispute in review.
func (s *Service) BeginReview(ctx context.Context, actor identity.Actor, disputeID string) (Dispute, error) {
	if actor.Role != identity.RoleAdmin {
		return Dispute{}, apperr.Authorization(actor.UserID, "review disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusOpen {
		return Dispute{}, apperr.StateConflict("dispute", disputeID, string(d.Status), "begin review")
	}

	d, err = s.repo.BeginReview(ctx, tx, disputeID, actor.UserID)
	if err != nil {
		return Dispute{}, err
	}
	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, event.TypeDisputeInReview, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit begin review: %w", err)
	}
	return d, nil
}

// Resolve settles the dispute in one party's favor. Developer wins release
// the escrow and approve the milestone; client wins refund the escrow and
// reject it. A gateway failure aborts the whole transaction, so the dispute
// stays reviewable and the resolution can be retried.
func (s *Service) Resolve(ctx context.Context, actor identity.Actor, disputeID, decision string, favorOf Outcome, idempotencyKey string) (Dispute, error) {
	if actor.Role != identity.RoleAdmin {
		return Dispute{}, apperr.Authorization(actor.UserID, "resolve disputes")
	}
	if !favorOf.Valid() {
		return Dispute{}, apperr.Validation("favorOf", "must be developer or client")
	}
	if decision == "" {
		return Dispute{}, apperr.Validation("decision", "must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	if idempotencyKey != "" {
		if err := event.ReserveIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
			if errors.Is(err, event.ErrDuplicateKey) {
				// Earlier attempt already committed; report its outcome.
				return d, nil
			}
			return Dispute{}, err
		}
	}

	if !d.Status.Active() {
		return Dispute{}, apperr.StateConflict("dispute", disputeID, string(d.Status), "resolve")
	}

	snap, err := s.milestones.GetForTransition(ctx, tx, d.MilestoneID)
	if err != nil {
		return Dispute{}, err
	}
	if snap.Milestone.Status != milestone.StatusDisputed {
		return Dispute{}, apperr.StateConflict("milestone", d.MilestoneID, string(snap.Milestone.Status), "resolve dispute")
	}

	var nextMilestone milestone.Status
	if favorOf == OutcomeDeveloper {
		if _, err := s.ledger.ReleaseByMilestone(ctx, tx, d.MilestoneID, actor.UserID); err != nil {
			return Dispute{}, err
		}
		nextMilestone = milestone.StatusApproved
	} else {
		if _, err := s.ledger.RefundByMilestone(ctx, tx, d.MilestoneID, actor.UserID); err != nil {
			return Dispute{}, err
		}
		nextMilestone = milestone.StatusRejected
	}

	d, err = s.repo.Resolve(ctx, tx, disputeID, decision, favorOf.ResolvedStatus())
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.milestones.SetStatus(ctx, tx, d.MilestoneID, nextMilestone); err != nil {
		return Dispute{}, err
	}

	milestoneEvent := event.TypeMilestoneApproved
	if nextMilestone == milestone.StatusRejected {
		milestoneEvent = event.TypeMilestoneRejected
	}
	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, milestoneEvent, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, event.TypeDisputeResolved, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
		"outcome":    string(favorOf),
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicDisputeResolved, map[string]any{
		"dispute_id":   d.ID,
		"milestone_id": d.MilestoneID,
		"project_id":   d.ProjectID,
		"outcome":      string(favorOf),
	}); err != nil {
		return Dispute{}, err
	}

	if err := milestone.FinishProjectIfDone(ctx, tx, s.milestones, d.ProjectID, actor.UserID); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return d, nil
}

// Close ends the dispute without a fault finding and puts the milestone
// back under review. The escrow transaction is left untouched.
func (s *Service) Close(ctx context.Context, actor identity.Actor, disputeID, reason string) (Dispute, error) {
	if actor.Role != identity.RoleAdmin {
		return Dispute{}, apperr.Authorization(actor.UserID, "close disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !d.Status.Active() {
		return Dispute{}, apperr.StateConflict("dispute", disputeID, string(d.Status), "close")
	}

	snap, err := s.milestones.GetForTransition(ctx, tx, d.MilestoneID)
	if err != nil {
		return Dispute{}, err
	}
	if snap.Milestone.Status != milestone.StatusDisputed {
		return Dispute{}, apperr.StateConflict("milestone", d.MilestoneID, string(snap.Milestone.Status), "close dispute")
	}

	d, err = s.repo.Close(ctx, tx, disputeID, reason)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.milestones.SetStatus(ctx, tx, d.MilestoneID, milestone.StatusReadyForReview); err != nil {
		return Dispute{}, err
	}
	if err := event.Append(ctx, tx, d.ProjectID, &d.MilestoneID, event.TypeDisputeClosed, &actor.UserID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit close: %w", err)
	}
	return d, nil
}
