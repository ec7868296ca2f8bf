package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/identity"
	"escrowflow/milestone"
	"escrowflow/platform"
)

// Services bundles the workflow services the actors drive. The gateway is
// flaky on purpose so hold and settlement failure paths get exercised.
type Services struct {
	Milestones *milestone.Service
	Disputes   *dispute.Service
	Ledger     *escrow.Ledger
}

func NewServices(pool *pgxpool.Pool, rates platform.Reader, failPercent int) Services {
	gw := &flakyGateway{
		inner:       gateway.NewLoggingGateway(zerolog.Nop()),
		failPercent: failPercent,
	}
	ledger := escrow.NewLedger(pool, rates, gw)
	return Services{
		Milestones: milestone.NewService(pool, nil, ledger),
		Disputes:   dispute.NewService(pool, nil, nil, ledger),
		Ledger:     ledger,
	}
}

type flakyGateway struct {
	inner       gateway.Gateway
	failPercent int
}

func (g *flakyGateway) Hold(ctx context.Context, amount decimal.Decimal) (gateway.Ref, error) {
	if rand.Intn(100) < g.failPercent {
		return "", fmt.Errorf("simulated hold failure")
	}
	return g.inner.Hold(ctx, amount)
}

func (g *flakyGateway) Release(ctx context.Context, ref gateway.Ref) error {
	if rand.Intn(100) < g.failPercent {
		return fmt.Errorf("simulated release failure")
	}
	return g.inner.Release(ctx, ref)
}

func (g *flakyGateway) Refund(ctx context.Context, ref gateway.Ref) error {
	if rand.Intn(100) < g.failPercent {
		return fmt.Errorf("simulated refund failure")
	}
	return g.inner.Refund(ctx, ref)
}

// expected reports whether err is ordinary contention, a simulated failure,
// or a chaos-killed connection rather than a bug.
func expected(err error) bool {
	if err == nil {
		return true
	}
	if apperr.IsStateConflict(err) || apperr.IsAuthorization(err) || apperr.IsGateway(err) || apperr.IsValidation(err) {
		return true
	}
	if errors.Is(err, escrow.ErrAlreadyHeld) ||
		errors.Is(err, escrow.ErrNotFound) ||
		errors.Is(err, dispute.ErrActiveDispute) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, milestone.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// admin_shutdown from the chaos backend killer
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "57P01" || pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

func randomMilestone(ctx context.Context, pool *pgxpool.Pool, projectID, status string) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`SELECT id FROM milestones WHERE project_id=$1 AND status=$2::milestone_status ORDER BY random() LIMIT 1`,
		projectID, status).Scan(&id)
	return id, err
}

// Developer starts pending milestones and marks in-progress ones ready.
func Developer(ctx context.Context, pool *pgxpool.Pool, svcs Services, actor identity.Actor, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, err := randomMilestone(ctx, pool, projectID, "pending"); err == nil {
			if _, err := svcs.Milestones.Start(ctx, actor, id, ""); !expected(err) {
				return fmt.Errorf("developer start: %w", err)
			}
		}
		if id, err := randomMilestone(ctx, pool, projectID, "in_progress"); err == nil {
			if _, err := svcs.Milestones.MarkReady(ctx, actor, id); !expected(err) {
				return fmt.Errorf("developer mark ready: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Client races approval against dispute-opening on milestones under review.
func Client(ctx context.Context, pool *pgxpool.Pool, svcs Services, actor identity.Actor, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, err := randomMilestone(ctx, pool, projectID, "ready_for_review"); err == nil {
			if rand.Intn(3) == 0 {
				_, err := svcs.Disputes.Open(ctx, actor, id, "deliverable disputed under load", []string{"evidence.txt"})
				if !expected(err) {
					return fmt.Errorf("client open dispute: %w", err)
				}
			} else {
				if _, err := svcs.Milestones.Approve(ctx, actor, id, ""); !expected(err) {
					return fmt.Errorf("client approve: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Admin moves disputes through review and settles them with random outcomes.
func Admin(ctx context.Context, pool *pgxpool.Pool, svcs Services, actor identity.Actor, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id, status string
		err := pool.QueryRow(ctx,
			`SELECT id, status::text FROM disputes
			 WHERE project_id=$1 AND status IN ('open','in_review')
			 ORDER BY random() LIMIT 1`, projectID).Scan(&id, &status)
		if err == nil {
			switch {
			case status == "open" && rand.Intn(4) == 0:
				if _, err := svcs.Disputes.Close(ctx, actor, id, "withdrawn during review"); !expected(err) {
					return fmt.Errorf("admin close: %w", err)
				}
			case status == "open":
				if _, err := svcs.Disputes.BeginReview(ctx, actor, id); !expected(err) {
					return fmt.Errorf("admin begin review: %w", err)
				}
			default:
				outcome := dispute.OutcomeDeveloper
				if rand.Intn(2) == 0 {
					outcome = dispute.OutcomeClient
				}
				if _, err := svcs.Disputes.Resolve(ctx, actor, id, "settled under load", outcome, ""); !expected(err) {
					return fmt.Errorf("admin resolve: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, occasionally simulating a delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
