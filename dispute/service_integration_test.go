package dispute

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/identity"
	"escrowflow/milestone"
	"escrowflow/platform"
)

// TestDisputeRefund_Integration drives a real database through a full dispute:
// the client disputes a milestone under review, an admin takes it and resolves
// for the client, and the held funds come back as a refund.
func TestDisputeRefund_Integration(t *testing.T) {
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

	var disputesExist bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('disputes') IS NOT NULL`).Scan(&disputesExist); err != nil || !disputesExist {
		t.Skip("disputes table missing; apply migrations first")
	}

	nonce := time.Now().UnixNano()
	var clientID, developerID, adminID, projectID, milestoneID string

	seedUser := func(role, name string) string {
		var id string
		if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3::user_role) RETURNING id`,
			fmt.Sprintf("%s+%d@example.com", role, nonce), name, role).Scan(&id); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	clientID = seedUser("client", "Cleo Client")
	developerID = seedUser("developer", "Devin Developer")
	adminID = seedUser("admin", "Ada Admin")

	if err := pool.QueryRow(ctx, `
		INSERT INTO projects (client_id, developer_id, title, budget, deadline, status)
		VALUES ($1, $2, 'Disputed project', 2000, now() + interval '14 days', 'in_progress') RETURNING id`,
		clientID, developerID).Scan(&projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO milestones (project_id, order_index, title, definition_of_done, percentage)
		VALUES ($1, 1, 'deliverable', 'matches the brief', 100) RETURNING id`,
		projectID).Scan(&milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'project_id' = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM escrow_transactions WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM milestones WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM projects WHERE id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3)`, clientID, developerID, adminID)
	})

	ledger := escrow.NewLedger(pool, platform.NewRepository(pool), gateway.NewLoggingGateway(zerolog.Nop()))
	milestones := milestone.NewService(pool, nil, ledger)
	disputes := NewService(pool, nil, nil, ledger)

	clientActor := identity.Actor{UserID: clientID, Role: identity.RoleClient}
	devActor := identity.Actor{UserID: developerID, Role: identity.RoleDeveloper}
	adminActor := identity.Actor{UserID: adminID, Role: identity.RoleAdmin}

	if _, err := milestones.Start(ctx, devActor, milestoneID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := milestones.MarkReady(ctx, devActor, milestoneID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	// no attachments on the first filing; absent evidence must store as empty
	d, err := disputes.Open(ctx, clientActor, milestoneID, "deliverable does not match the brief", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != StatusOpen {
		t.Fatalf("expected open dispute, got %s", d.Status)
	}
	if d.ClientEvidence == nil || len(d.ClientEvidence) != 0 {
		t.Fatalf("expected empty client evidence, got %v", d.ClientEvidence)
	}

	// milestone frozen, second dispute rejected
	if _, err := disputes.Open(ctx, clientActor, milestoneID, "again", nil); err == nil {
		t.Fatal("second dispute on the same milestone must fail")
	}

	responded, err := disputes.Respond(ctx, devActor, d.ID, "delivered exactly what the brief asked for", []string{"https://example.com/delivery"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(responded.DeveloperEvidence) != 1 {
		t.Fatalf("developer evidence not persisted, got %v", responded.DeveloperEvidence)
	}
	if _, err := disputes.BeginReview(ctx, adminActor, d.ID); err != nil {
		t.Fatalf("begin review: %v", err)
	}

	resolved, err := disputes.Resolve(ctx, adminActor, d.ID, "brief not met", OutcomeClient, fmt.Sprintf("itest-resolve-%d", nonce))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolvedClientWins {
		t.Fatalf("expected resolved_client_wins, got %s", resolved.Status)
	}

	var milestoneStatus, escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM milestones WHERE id = $1`, milestoneID).Scan(&milestoneStatus); err != nil {
		t.Fatalf("read milestone: %v", err)
	}
	if milestoneStatus != "rejected" {
		t.Fatalf("expected rejected milestone, got %s", milestoneStatus)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE milestone_id = $1`, milestoneID).Scan(&escrowStatus); err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if escrowStatus != "refunded" {
		t.Fatalf("expected refunded escrow, got %s", escrowStatus)
	}

	// resolving again is a conflict, the dispute is terminal
	if _, err := disputes.Resolve(ctx, adminActor, d.ID, "again", OutcomeDeveloper, ""); err == nil {
		t.Fatal("resolving a terminal dispute must fail")
	}
}
