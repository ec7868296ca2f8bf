package escrow

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/gateway"
	"escrowflow/platform"
)

// countingGateway tallies every processor call so a test can prove funds
// moved exactly once.
type countingGateway struct {
	holds    atomic.Int64
	releases atomic.Int64
	refunds  atomic.Int64
}

func (g *countingGateway) Hold(ctx context.Context, amount decimal.Decimal) (gateway.Ref, error) {
	g.holds.Add(1)
	return gateway.Ref("cnt-" + uuid.NewString()), nil
}

func (g *countingGateway) Release(ctx context.Context, ref gateway.Ref) error {
	g.releases.Add(1)
	return nil
}

func (g *countingGateway) Refund(ctx context.Context, ref gateway.Ref) error {
	g.refunds.Add(1)
	return nil
}

// TestConcurrentRelease_Integration races two release transactions over the
// same held milestone. Exactly one may reach the processor; the loser must
// still observe the released transaction as a replay.
func TestConcurrentRelease_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var escrowExists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('escrow_transactions') IS NOT NULL`).Scan(&escrowExists); err != nil || !escrowExists {
		t.Skip("escrow_transactions table missing; apply migrations first")
	}

	nonce := time.Now().UnixNano()
	var clientID, developerID, projectID, milestoneID string

	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Race Client', 'x', 'client') RETURNING id`,
		fmt.Sprintf("race-client+%d@example.com", nonce)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Race Dev', 'x', 'developer') RETURNING id`,
		fmt.Sprintf("race-dev+%d@example.com", nonce)).Scan(&developerID); err != nil {
		t.Fatalf("seed developer: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO projects (client_id, developer_id, title, budget, deadline, status)
		VALUES ($1, $2, 'Race project', 1000, now() + interval '7 days', 'in_progress') RETURNING id`,
		clientID, developerID).Scan(&projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO milestones (project_id, order_index, title, definition_of_done, percentage, status)
		VALUES ($1, 1, 'race', 'done', 100, 'ready_for_review') RETURNING id`,
		projectID).Scan(&milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'milestone_id' = $1`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM escrow_transactions WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM milestones WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM projects WHERE id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, developerID)
	})

	gw := &countingGateway{}
	ledger := NewLedger(pool, platform.NewRepository(pool), gw)

	holdTx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin hold tx: %v", err)
	}
	if _, err := ledger.HoldFunds(ctx, holdTx, HoldParams{
		MilestoneID: milestoneID,
		ProjectID:   projectID,
		DeveloperID: developerID,
		Budget:      decimal.NewFromInt(1000),
		Percentage:  decimal.NewFromInt(100),
		ActorID:     developerID,
	}); err != nil {
		holdTx.Rollback(ctx)
		t.Fatalf("hold: %v", err)
	}
	if err := holdTx.Commit(ctx); err != nil {
		t.Fatalf("commit hold: %v", err)
	}

	release := func() error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		txn, err := ledger.ReleaseByMilestone(ctx, tx, milestoneID, clientID)
		if err != nil {
			return err
		}
		if txn.Status != StatusReleased {
			return fmt.Errorf("observed status %s, want released", txn.Status)
		}
		return tx.Commit(ctx)
	}

	var g errgroup.Group
	g.Go(release)
	g.Go(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent release: %v", err)
	}

	if got := gw.releases.Load(); got != 1 {
		t.Fatalf("processor released %d times, want exactly 1", got)
	}
	if gw.refunds.Load() != 0 {
		t.Fatalf("unexpected refund call")
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE milestone_id = $1`, milestoneID).Scan(&status); err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	if status != "released" {
		t.Fatalf("expected released row, got %s", status)
	}
}
