// Package escrow moves exactly one transaction's worth of money per
// milestone. Holds happen inside the milestone-start transaction, releases
// and refunds inside the approval or dispute-resolution transaction, so a
// gateway failure rolls the paired state change back with it.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/commission"
	"escrowflow/event"
	"escrowflow/gateway"
	"escrowflow/platform"
)

var (
	// ErrNotFound is returned when no transaction row exists.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrAlreadyHeld signals a live transaction already exists for the milestone.
	ErrAlreadyHeld = errors.New("escrow: milestone already has a live transaction")
)

// Ledger executes fund movement against the payment gateway and keeps the
// escrow_transactions table consistent with it.
type Ledger struct {
	pool  *pgxpool.Pool
	rates platform.Reader
	gw    gateway.Gateway
}

func NewLedger(pool *pgxpool.Pool, rates platform.Reader, gw gateway.Gateway) *Ledger {
	return &Ledger{pool: pool, rates: rates, gw: gw}
}

// HoldFunds prices the milestone, authorizes the hold at the gateway, and
// persists the transaction as held, all inside the caller's transaction.
// A gateway rejection surfaces as a GatewayError so the caller can abort the
// paired milestone transition.
func (l *Ledger) HoldFunds(ctx context.Context, tx pgx.Tx, p HoldParams) (Transaction, error) {
	gross := p.GrossAmount()
	if !gross.IsPositive() {
		return Transaction{}, apperr.Validation("amount", "hold amount must be positive")
	}

	rate, err := l.rates.CurrentCommissionRate(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: read commission rate: %w", err)
	}
	split := commission.ComputeSplit(gross, rate)

	ref, err := l.gw.Hold(ctx, gross)
	if err != nil {
		return Transaction{}, apperr.Gateway("hold", err)
	}

	const insertSQL = `
		INSERT INTO escrow_transactions
			(milestone_id, project_id, developer_id, gateway_ref, amount, platform_fee, developer_payout, status, held_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'held_in_escrow', get_tx_timestamp())
		RETURNING id, milestone_id, project_id, developer_id, gateway_ref,
		          amount::text, platform_fee::text, developer_payout::text,
		          status::text, held_at, released_at, refunded_at, failed_at, created_at
	`
	txn, err := scanTransaction(tx.QueryRow(ctx, insertSQL,
		p.MilestoneID, p.ProjectID, p.DeveloperID, string(ref),
		gross.StringFixed(2), split.Fee.StringFixed(2), split.Payout.StringFixed(2)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrAlreadyHeld
		}
		return Transaction{}, fmt.Errorf("escrow: insert hold: %w", err)
	}

	if err := event.Append(ctx, tx, p.ProjectID, &p.MilestoneID, event.TypeEscrowHeld, &p.ActorID, map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Amount.StringFixed(2),
		"platform_fee":   txn.PlatformFee.StringFixed(2),
		"payout":         txn.DeveloperPayout.StringFixed(2),
	}); err != nil {
		return Transaction{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicEscrowHeld, map[string]any{
		"transaction_id": txn.ID,
		"milestone_id":   p.MilestoneID,
		"amount":         txn.Amount.StringFixed(2),
	}); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// RecordFailedHold persists an audit row for a hold the gateway rejected.
// It runs on the pool, outside the aborted milestone transaction, and is
// best-effort: the milestone remains pending either way.
func (l *Ledger) RecordFailedHold(ctx context.Context, p HoldParams, cause error) error {
	gross := p.GrossAmount()
	rate, err := l.rates.CurrentCommissionRate(ctx)
	if err != nil {
		return fmt.Errorf("escrow: read commission rate: %w", err)
	}
	split := commission.ComputeSplit(gross, rate)

	const insertSQL = `
		INSERT INTO escrow_transactions
			(milestone_id, project_id, developer_id, gateway_ref, amount, platform_fee, developer_payout, status, failed_at)
		VALUES ($1, $2, $3, '', $4, $5, $6, 'failed', get_tx_timestamp())
	`
	if _, err := l.pool.Exec(ctx, insertSQL,
		p.MilestoneID, p.ProjectID, p.DeveloperID,
		gross.StringFixed(2), split.Fee.StringFixed(2), split.Payout.StringFixed(2)); err != nil {
		return fmt.Errorf("escrow: record failed hold: %w", err)
	}
	return nil
}

// ReleaseByMilestone releases the milestone's held transaction. Replaying a
// release against an already-released transaction is a no-op success; any
// other state is a conflict.
func (l *Ledger) ReleaseByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (Transaction, error) {
	return l.settle(ctx, tx, milestoneID, actorID, StatusReleased)
}

// RefundByMilestone refunds the milestone's held transaction, with the same
// idempotence rule as release.
func (l *Ledger) RefundByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (Transaction, error) {
	return l.settle(ctx, tx, milestoneID, actorID, StatusRefunded)
}

func (l *Ledger) settle(ctx context.Context, tx pgx.Tx, milestoneID, actorID string, want Status) (Transaction, error) {
	txn, err := l.lockByMilestone(ctx, tx, milestoneID)
	if err != nil {
		return Transaction{}, err
	}

	switch classifySettlement(txn.Status, want) {
	case actionReplay:
		return txn, nil
	case actionConflict:
		return Transaction{}, apperr.StateConflict("escrow_transaction", txn.ID, string(txn.Status), verb(want))
	}

	switch want {
	case StatusReleased:
		if err := l.gw.Release(ctx, txn.GatewayRef); err != nil {
			return Transaction{}, apperr.Gateway("release", err)
		}
	case StatusRefunded:
		if err := l.gw.Refund(ctx, txn.GatewayRef); err != nil {
			return Transaction{}, apperr.Gateway("refund", err)
		}
	}

	// The FOR UPDATE lock already serializes us; the status predicate is the
	// final guard against double movement.
	const updateSQL = `
		UPDATE escrow_transactions
		SET status = $2::escrow_status,
		    released_at = CASE WHEN $2 = 'released' THEN get_tx_timestamp() ELSE released_at END,
		    refunded_at = CASE WHEN $2 = 'refunded' THEN get_tx_timestamp() ELSE refunded_at END
		WHERE id = $1 AND status = 'held_in_escrow'
		RETURNING id, milestone_id, project_id, developer_id, gateway_ref,
		          amount::text, platform_fee::text, developer_payout::text,
		          status::text, held_at, released_at, refunded_at, failed_at, created_at
	`
	updated, err := scanTransaction(tx.QueryRow(ctx, updateSQL, txn.ID, string(want)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, apperr.StateConflict("escrow_transaction", txn.ID, string(txn.Status), verb(want))
		}
		return Transaction{}, fmt.Errorf("escrow: settle: %w", err)
	}

	eventType := event.TypeEscrowReleased
	topic := event.TopicEscrowReleased
	if want == StatusRefunded {
		eventType = event.TypeEscrowRefunded
		topic = event.TopicEscrowRefunded
	}
	if err := event.Append(ctx, tx, updated.ProjectID, &updated.MilestoneID, eventType, &actorID, map[string]any{
		"transaction_id": updated.ID,
		"amount":         updated.Amount.StringFixed(2),
	}); err != nil {
		return Transaction{}, err
	}
	if err := event.Enqueue(ctx, tx, topic, map[string]any{
		"transaction_id": updated.ID,
		"milestone_id":   updated.MilestoneID,
		"payout":         updated.DeveloperPayout.StringFixed(2),
	}); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// lockByMilestone locks the milestone's live transaction row. Failed rows are
// audit residue and never settle.
func (l *Ledger) lockByMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Transaction, error) {
	const query = `
		SELECT id, milestone_id, project_id, developer_id, gateway_ref,
		       amount::text, platform_fee::text, developer_payout::text,
		       status::text, held_at, released_at, refunded_at, failed_at, created_at
		FROM escrow_transactions
		WHERE milestone_id = $1 AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	txn, err := scanTransaction(tx.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: lock transaction: %w", err)
	}
	return txn, nil
}

// GetByMilestone returns the milestone's live transaction without locking.
func (l *Ledger) GetByMilestone(ctx context.Context, milestoneID string) (Transaction, error) {
	const query = `
		SELECT id, milestone_id, project_id, developer_id, gateway_ref,
		       amount::text, platform_fee::text, developer_payout::text,
		       status::text, held_at, released_at, refunded_at, failed_at, created_at
		FROM escrow_transactions
		WHERE milestone_id = $1 AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1
	`
	txn, err := scanTransaction(l.pool.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get by milestone: %w", err)
	}
	return txn, nil
}
