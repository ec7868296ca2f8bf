package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrActiveDispute signals the milestone already has an open or
	// in-review dispute.
	ErrActiveDispute = errors.New("dispute: milestone already has an active dispute")
)

// CreateParams carries everything needed to open a dispute.
type CreateParams struct {
	ProjectID       string
	MilestoneID     string
	ClientID        string
	DeveloperID     string
	ClientStatement string
	ClientEvidence  []string
}

// Repository defines the data access the dispute service requires.
type Repository interface {
	// Create inserts an open dispute. A second active dispute for the same
	// milestone hits the partial unique index and yields ErrActiveDispute.
	Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Dispute, error)
	// GetForUpdate locks the dispute row for the caller's transaction.
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	// BeginReview moves an open dispute in review and records the reviewer.
	BeginReview(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string) (Dispute, error)
	// SetDeveloperResponse records the developer's statement and evidence.
	SetDeveloperResponse(ctx context.Context, tx pgx.Tx, disputeID, statement string, evidence []string) (Dispute, error)
	// Resolve records the decision and moves the dispute to the given
	// terminal resolution status.
	Resolve(ctx context.Context, tx pgx.Tx, disputeID, decision string, next Status) (Dispute, error)
	// Close ends the dispute without a fault finding.
	Close(ctx context.Context, tx pgx.Tx, disputeID, reason string) (Dispute, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `
	d.id, d.project_id, d.milestone_id, d.client_id, d.developer_id,
	d.reviewer_id::text, d.client_statement, d.client_evidence,
	d.developer_statement, d.developer_evidence,
	d.decision, d.status::text,
	d.opened_at, d.in_review_at, d.resolved_at, d.closed_at,
	d.created_at, d.updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Dispute, error) {
	query := `
		INSERT INTO disputes AS d
			(project_id, milestone_id, client_id, developer_id, client_statement, client_evidence, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', get_tx_timestamp())
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query,
		p.ProjectID, p.MilestoneID, p.ClientID, p.DeveloperID, p.ClientStatement, notNil(p.ClientEvidence)))
	if err != nil {
		if isUniqueViolation(err) {
			return Dispute{}, ErrActiveDispute
		}
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}
	return d, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes d WHERE d.id = $1 FOR UPDATE`
	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func (r *PGRepository) BeginReview(ctx context.Context, tx pgx.Tx, disputeID, reviewerID string) (Dispute, error) {
	query := `
		UPDATE disputes d
		SET status = 'in_review',
		    reviewer_id = $2,
		    in_review_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE d.id = $1
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID, reviewerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: begin review: %w", err)
	}
	return d, nil
}

func (r *PGRepository) SetDeveloperResponse(ctx context.Context, tx pgx.Tx, disputeID, statement string, evidence []string) (Dispute, error) {
	query := `
		UPDATE disputes d
		SET developer_statement = $2,
		    developer_evidence = $3,
		    updated_at = get_tx_timestamp()
		WHERE d.id = $1
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID, statement, notNil(evidence)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: set developer response: %w", err)
	}
	return d, nil
}

// notNil keeps absent evidence as an empty array. A nil slice would encode as
// SQL NULL and trip the not-null constraint.
func notNil(evidence []string) []string {
	if evidence == nil {
		return []string{}
	}
	return evidence
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, disputeID, decision string, next Status) (Dispute, error) {
	query := `
		UPDATE disputes d
		SET status = $3::dispute_status,
		    decision = $2,
		    resolved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE d.id = $1
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID, decision, string(next)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Close(ctx context.Context, tx pgx.Tx, disputeID, reason string) (Dispute, error) {
	query := `
		UPDATE disputes d
		SET status = 'closed',
		    decision = $2,
		    closed_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE d.id = $1
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: close: %w", err)
	}
	return d, nil
}

// Get returns a dispute without locking, for read paths.
func (r *PGRepository) Get(ctx context.Context, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes d WHERE d.id = $1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// ListByProject returns the project's disputes, newest first.
func (r *PGRepository) ListByProject(ctx context.Context, projectID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes d WHERE d.project_id = $1 ORDER BY d.opened_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.MilestoneID,
		&d.ClientID,
		&d.DeveloperID,
		&d.ReviewerID,
		&d.ClientStatement,
		&d.ClientEvidence,
		&d.DeveloperStatement,
		&d.DeveloperEvidence,
		&d.Decision,
		&d.Status,
		&d.OpenedAt,
		&d.InReviewAt,
		&d.ResolvedAt,
		&d.ClosedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
