package dispute

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/identity"
	"escrowflow/milestone"
)

func admin() identity.Actor {
	return identity.Actor{UserID: "admin-1", Role: identity.RoleAdmin}
}

func client() identity.Actor {
	return identity.Actor{UserID: "client-1", Role: identity.RoleClient}
}

func developer() identity.Actor {
	return identity.Actor{UserID: "dev-1", Role: identity.RoleDeveloper}
}

func reviewSnapshot(status milestone.Status) milestone.Snapshot {
	dev := "dev-1"
	return milestone.Snapshot{
		Milestone: milestone.Milestone{
			ID:         "m-1",
			ProjectID:  "p-1",
			Status:     status,
			Percentage: decimal.RequireFromString("40"),
		},
		ProjectStatus: "in_progress",
		Budget:        decimal.RequireFromString("10000"),
		ClientID:      "client-1",
		DeveloperID:   &dev,
	}
}

func openDispute(status Status) Dispute {
	return Dispute{
		ID:              "d-1",
		ProjectID:       "p-1",
		MilestoneID:     "m-1",
		ClientID:        "client-1",
		DeveloperID:     "dev-1",
		ClientStatement: "deliverable does not match the definition of done",
		Status:          status,
		OpenedAt:        time.Now().UTC(),
	}
}

func TestOpen_CreatesDisputeAndFreezesMilestone(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusReadyForReview)}
	svc := NewServiceWith(pool, repo, ms, &fakeLedger{})

	d, err := svc.Open(context.Background(), client(), "m-1", "work is incomplete", []string{"screenshot.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s", d.Status)
	}
	if ms.setTo != milestone.StatusDisputed {
		t.Errorf("milestone should be disputed, got %s", ms.setTo)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if repo.created.DeveloperID != "dev-1" {
		t.Errorf("dispute should name the assigned developer, got %q", repo.created.DeveloperID)
	}
}

func TestOpen_RequiresReadyForReview(t *testing.T) {
	for _, status := range []milestone.Status{
		milestone.StatusPending,
		milestone.StatusInProgress,
		milestone.StatusDisputed,
		milestone.StatusApproved,
		milestone.StatusRejected,
	} {
		pool := &fakePool{}
		ms := &fakeMilestones{snapshot: reviewSnapshot(status)}
		svc := NewServiceWith(pool, &fakeRepo{}, ms, &fakeLedger{})

		_, err := svc.Open(context.Background(), client(), "m-1", "statement", nil)
		if !apperr.IsStateConflict(err) {
			t.Errorf("open from %s: expected StateConflictError, got %v", status, err)
		}
		if pool.tx.committed {
			t.Errorf("open from %s: must not commit", status)
		}
	}
}

func TestOpen_OnlyProjectOwner(t *testing.T) {
	snap := reviewSnapshot(milestone.StatusReadyForReview)
	snap.ClientID = "client-2"
	svc := NewServiceWith(&fakePool{}, &fakeRepo{}, &fakeMilestones{snapshot: snap}, &fakeLedger{})

	_, err := svc.Open(context.Background(), client(), "m-1", "statement", nil)
	if !apperr.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestOpen_EmptyStatement(t *testing.T) {
	svc := NewServiceWith(&fakePool{}, &fakeRepo{}, &fakeMilestones{}, &fakeLedger{})
	_, err := svc.Open(context.Background(), client(), "m-1", "", nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestOpen_SecondActiveDispute(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{createErr: ErrActiveDispute}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusReadyForReview)}
	svc := NewServiceWith(pool, repo, ms, &fakeLedger{})

	_, err := svc.Open(context.Background(), client(), "m-1", "statement", nil)
	if !errors.Is(err, ErrActiveDispute) {
		t.Fatalf("expected ErrActiveDispute, got %v", err)
	}
	if pool.tx.committed {
		t.Error("must not commit")
	}
}

func TestBeginReview_RecordsReviewer(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusOpen)}
	svc := NewServiceWith(pool, repo, &fakeMilestones{}, &fakeLedger{})

	d, err := svc.BeginReview(context.Background(), admin(), "d-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusInReview {
		t.Errorf("status = %s", d.Status)
	}
	if repo.reviewer != "admin-1" {
		t.Errorf("reviewer = %q", repo.reviewer)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestBeginReview_OnlyFromOpen(t *testing.T) {
	repo := &fakeRepo{existing: openDispute(StatusInReview)}
	svc := NewServiceWith(&fakePool{}, repo, &fakeMilestones{}, &fakeLedger{})

	_, err := svc.BeginReview(context.Background(), admin(), "d-1")
	if !apperr.IsStateConflict(err) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestBeginReview_AdminOnly(t *testing.T) {
	svc := NewServiceWith(&fakePool{}, &fakeRepo{}, &fakeMilestones{}, &fakeLedger{})
	_, err := svc.BeginReview(context.Background(), client(), "d-1")
	if !apperr.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestRespond_RecordsStatement(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusOpen)}
	svc := NewServiceWith(pool, repo, &fakeMilestones{}, &fakeLedger{})

	d, err := svc.Respond(context.Background(), developer(), "d-1", "the deliverable meets every acceptance item", []string{"https://example.com/build-log"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.DeveloperStatement == nil || *d.DeveloperStatement == "" {
		t.Error("developer statement not recorded")
	}
	if len(d.DeveloperEvidence) != 1 {
		t.Errorf("developer evidence not recorded, got %v", d.DeveloperEvidence)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestRespond_OnlyNamedDeveloper(t *testing.T) {
	d := openDispute(StatusOpen)
	d.DeveloperID = "dev-2"
	svc := NewServiceWith(&fakePool{}, &fakeRepo{existing: d}, &fakeMilestones{}, &fakeLedger{})

	_, err := svc.Respond(context.Background(), developer(), "d-1", "statement", nil)
	if !apperr.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestEvidenceDefaultsToEmpty(t *testing.T) {
	got := notNil(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("nil evidence must store as an empty array, got %v", got)
	}
	kept := notNil([]string{"a"})
	if len(kept) != 1 {
		t.Fatalf("populated evidence must pass through, got %v", kept)
	}
}

func TestResolve_DeveloperWinsReleasesEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusInReview)}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusDisputed)}
	ledger := &fakeLedger{}
	svc := NewServiceWith(pool, repo, ms, ledger)

	d, err := svc.Resolve(context.Background(), admin(), "d-1", "work meets the definition of done", OutcomeDeveloper, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusResolvedDeveloperWins {
		t.Errorf("dispute status = %s", d.Status)
	}
	if ledger.releases != 1 || ledger.refunds != 0 {
		t.Errorf("expected one release and no refund, got %d/%d", ledger.releases, ledger.refunds)
	}
	if ms.setTo != milestone.StatusApproved {
		t.Errorf("milestone should be approved, got %s", ms.setTo)
	}
	if !pool.tx.sawArg(event.TypeMilestoneApproved) {
		t.Error("milestone approval not written to the timeline")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestResolve_ClientWinsRefundsEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusInReview)}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusDisputed)}
	ledger := &fakeLedger{}
	svc := NewServiceWith(pool, repo, ms, ledger)

	d, err := svc.Resolve(context.Background(), admin(), "d-1", "deliverable rejected", OutcomeClient, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusResolvedClientWins {
		t.Errorf("dispute status = %s", d.Status)
	}
	if ledger.refunds != 1 || ledger.releases != 0 {
		t.Errorf("expected one refund and no release, got %d/%d", ledger.refunds, ledger.releases)
	}
	if ms.setTo != milestone.StatusRejected {
		t.Errorf("milestone should be rejected, got %s", ms.setTo)
	}
	if !pool.tx.sawArg(event.TypeMilestoneRejected) {
		t.Error("milestone rejection not written to the timeline")
	}
}

func TestResolve_GatewayFailureKeepsReview(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusInReview)}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusDisputed)}
	ledger := &fakeLedger{refundErr: apperr.Gateway("refund", errors.New("processor down"))}
	svc := NewServiceWith(pool, repo, ms, ledger)

	_, err := svc.Resolve(context.Background(), admin(), "d-1", "deliverable rejected", OutcomeClient, "")
	if !apperr.IsGateway(err) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if pool.tx.committed {
		t.Error("resolution must not commit when the gateway fails")
	}
	if repo.resolvedTo != "" {
		t.Errorf("dispute must stay in review, got resolved to %s", repo.resolvedTo)
	}
	if ms.setTo != "" {
		t.Errorf("milestone must stay disputed, got %s", ms.setTo)
	}
}

func TestResolve_TerminalDispute(t *testing.T) {
	for _, status := range []Status{StatusResolvedDeveloperWins, StatusResolvedClientWins, StatusClosed} {
		repo := &fakeRepo{existing: openDispute(status)}
		svc := NewServiceWith(&fakePool{}, repo, &fakeMilestones{}, &fakeLedger{})

		_, err := svc.Resolve(context.Background(), admin(), "d-1", "decision", OutcomeDeveloper, "")
		if !apperr.IsStateConflict(err) {
			t.Errorf("resolve from %s: expected StateConflictError, got %v", status, err)
		}
	}
}

func TestResolve_IdempotentReplay(t *testing.T) {
	resolved := openDispute(StatusResolvedClientWins)
	pool := &fakePool{idemDuplicate: true}
	repo := &fakeRepo{existing: resolved}
	ledger := &fakeLedger{}
	svc := NewServiceWith(pool, repo, &fakeMilestones{}, ledger)

	d, err := svc.Resolve(context.Background(), admin(), "d-1", "deliverable rejected", OutcomeClient, "key-1")
	if err != nil {
		t.Fatalf("replay should succeed, got %v", err)
	}
	if d.Status != StatusResolvedClientWins {
		t.Errorf("replay should report the committed outcome, got %s", d.Status)
	}
	if ledger.releases != 0 || ledger.refunds != 0 {
		t.Errorf("replay must not move funds again, got %d/%d", ledger.releases, ledger.refunds)
	}
	if repo.resolvedTo != "" {
		t.Errorf("replay must not resolve again, got %s", repo.resolvedTo)
	}
	if pool.tx.committed {
		t.Error("replay must not commit new writes")
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	svc := NewServiceWith(&fakePool{}, &fakeRepo{}, &fakeMilestones{}, &fakeLedger{})
	_, err := svc.Resolve(context.Background(), admin(), "d-1", "decision", Outcome("platform"), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClose_RestoresReviewWithoutTouchingEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{existing: openDispute(StatusOpen)}
	ms := &fakeMilestones{snapshot: reviewSnapshot(milestone.StatusDisputed)}
	ledger := &fakeLedger{}
	svc := NewServiceWith(pool, repo, ms, ledger)

	d, err := svc.Close(context.Background(), admin(), "d-1", "withdrawn by agreement")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != StatusClosed {
		t.Errorf("dispute status = %s", d.Status)
	}
	if ms.setTo != milestone.StatusReadyForReview {
		t.Errorf("milestone should return to review, got %s", ms.setTo)
	}
	if ledger.releases != 0 || ledger.refunds != 0 {
		t.Error("close must not move funds")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

// --- fakes ---

type fakeRepo struct {
	existing   Dispute
	created    CreateParams
	createErr  error
	reviewer   string
	resolvedTo Status
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Dispute, error) {
	if f.createErr != nil {
		return Dispute{}, f.createErr
	}
	f.created = p
	return Dispute{
		ID:              "d-new",
		ProjectID:       p.ProjectID,
		MilestoneID:     p.MilestoneID,
		ClientID:        p.ClientID,
		DeveloperID:     p.DeveloperID,
		ClientStatement: p.ClientStatement,
		ClientEvidence:  p.ClientEvidence,
		Status:          StatusOpen,
	}, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	if f.existing.ID == "" {
		return Dispute{}, ErrNotFound
	}
	return f.existing, nil
}

func (f *fakeRepo) BeginReview(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string) (Dispute, error) {
	f.reviewer = reviewerID
	d := f.existing
	d.Status = StatusInReview
	d.ReviewerID = &reviewerID
	return d, nil
}

func (f *fakeRepo) SetDeveloperResponse(ctx context.Context, tx pgx.Tx, disputeID, statement string, evidence []string) (Dispute, error) {
	d := f.existing
	d.DeveloperStatement = &statement
	d.DeveloperEvidence = evidence
	return d, nil
}

func (f *fakeRepo) Resolve(ctx context.Context, tx pgx.Tx, disputeID, decision string, next Status) (Dispute, error) {
	f.resolvedTo = next
	d := f.existing
	d.Status = next
	d.Decision = &decision
	return d, nil
}

func (f *fakeRepo) Close(ctx context.Context, tx pgx.Tx, disputeID, reason string) (Dispute, error) {
	d := f.existing
	d.Status = StatusClosed
	d.Decision = &reason
	return d, nil
}

type fakeMilestones struct {
	snapshot milestone.Snapshot
	setTo    milestone.Status
}

func (f *fakeMilestones) GetForTransition(ctx context.Context, tx pgx.Tx, milestoneID string) (milestone.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeMilestones) SetStatus(ctx context.Context, tx pgx.Tx, milestoneID string, next milestone.Status) (milestone.Milestone, error) {
	f.setTo = next
	m := f.snapshot.Milestone
	m.Status = next
	return m, nil
}

func (f *fakeMilestones) ProjectFinished(ctx context.Context, tx pgx.Tx, projectID string) (bool, error) {
	return false, nil
}

func (f *fakeMilestones) CompleteProject(ctx context.Context, tx pgx.Tx, projectID string) (bool, error) {
	return true, nil
}

type fakeLedger struct {
	releases   int
	refunds    int
	releaseErr error
	refundErr  error
}

func (f *fakeLedger) ReleaseByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (escrow.Transaction, error) {
	if f.releaseErr != nil {
		return escrow.Transaction{}, f.releaseErr
	}
	f.releases++
	return escrow.Transaction{ID: "t-1", MilestoneID: milestoneID, Status: escrow.StatusReleased}, nil
}

func (f *fakeLedger) RefundByMilestone(ctx context.Context, tx pgx.Tx, milestoneID, actorID string) (escrow.Transaction, error) {
	if f.refundErr != nil {
		return escrow.Transaction{}, f.refundErr
	}
	f.refunds++
	return escrow.Transaction{ID: "t-1", MilestoneID: milestoneID, Status: escrow.StatusRefunded}, nil
}

type fakePool struct {
	tx            *fakeTx
	idemDuplicate bool
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{idemDuplicate: f.idemDuplicate}
	return f.tx, nil
}

type fakeTx struct {
	rolled        bool
	committed     bool
	idemDuplicate bool
	execArgs      []string
}

func (f *fakeTx) sawArg(want string) bool {
	for _, a := range f.execArgs {
		if a == want {
			return true
		}
	}
	return false
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.idemDuplicate && strings.Contains(sql, "idempotency") {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}
	for _, a := range args {
		if s, ok := a.(string); ok {
			f.execArgs = append(f.execArgs, s)
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
