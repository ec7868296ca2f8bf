package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no milestone row exists for the identifier.
var ErrNotFound = errors.New("milestone: not found")

// Repository defines the data access the transition services require.
type Repository interface {
	// GetForTransition locks the milestone row for the duration of the
	// caller's transaction and returns it with its project context.
	GetForTransition(ctx context.Context, tx pgx.Tx, milestoneID string) (Snapshot, error)
	// SetStatus flips the status and stamps the matching timestamp column.
	SetStatus(ctx context.Context, tx pgx.Tx, milestoneID string, next Status) (Milestone, error)
	// ProjectFinished reports whether every milestone of the project is terminal.
	ProjectFinished(ctx context.Context, tx pgx.Tx, projectID string) (bool, error)
	// CompleteProject marks an in-progress project completed.
	CompleteProject(ctx context.Context, tx pgx.Tx, projectID string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const milestoneColumns = `
	m.id, m.project_id, m.order_index, m.title, m.definition_of_done,
	m.percentage::text, m.status::text,
	m.started_at, m.ready_at, m.approved_at, m.disputed_at, m.rejected_at,
	m.created_at, m.updated_at`

func (r *PGRepository) GetForTransition(ctx context.Context, tx pgx.Tx, milestoneID string) (Snapshot, error) {
	// Lock only the milestone row: milestones of the same project stay
	// independent and may transition in parallel.
	query := `
		SELECT ` + milestoneColumns + `,
		       p.status::text, p.budget::text, p.client_id, p.developer_id::text
		FROM milestones m
		JOIN projects p ON p.id = m.project_id
		WHERE m.id = $1
		FOR UPDATE OF m
	`
	var (
		snap   Snapshot
		pct    string
		budget string
	)
	err := tx.QueryRow(ctx, query, milestoneID).Scan(
		&snap.Milestone.ID,
		&snap.Milestone.ProjectID,
		&snap.Milestone.OrderIndex,
		&snap.Milestone.Title,
		&snap.Milestone.DefinitionOfDone,
		&pct,
		&snap.Milestone.Status,
		&snap.Milestone.StartedAt,
		&snap.Milestone.ReadyAt,
		&snap.Milestone.ApprovedAt,
		&snap.Milestone.DisputedAt,
		&snap.Milestone.RejectedAt,
		&snap.Milestone.CreatedAt,
		&snap.Milestone.UpdatedAt,
		&snap.ProjectStatus,
		&budget,
		&snap.ClientID,
		&snap.DeveloperID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("milestone: lock for transition: %w", err)
	}

	if snap.Milestone.Percentage, err = decimal.NewFromString(pct); err != nil {
		return Snapshot{}, fmt.Errorf("milestone: parse percentage %q: %w", pct, err)
	}
	if snap.Budget, err = decimal.NewFromString(budget); err != nil {
		return Snapshot{}, fmt.Errorf("milestone: parse budget %q: %w", budget, err)
	}
	return snap, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, milestoneID string, next Status) (Milestone, error) {
	const query = `
		UPDATE milestones m
		SET status = $2::milestone_status,
		    started_at  = CASE WHEN $2 = 'in_progress'      THEN get_tx_timestamp() ELSE started_at END,
		    ready_at    = CASE WHEN $2 = 'ready_for_review' THEN get_tx_timestamp() ELSE ready_at END,
		    approved_at = CASE WHEN $2 = 'approved'         THEN get_tx_timestamp() ELSE approved_at END,
		    disputed_at = CASE WHEN $2 = 'disputed'         THEN get_tx_timestamp() ELSE disputed_at END,
		    rejected_at = CASE WHEN $2 = 'rejected'         THEN get_tx_timestamp() ELSE rejected_at END,
		    updated_at  = get_tx_timestamp()
		WHERE m.id = $1
		RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, query, milestoneID, string(next)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: set status: %w", err)
	}
	return m, nil
}

func (r *PGRepository) ProjectFinished(ctx context.Context, tx pgx.Tx, projectID string) (bool, error) {
	const query = `
		SELECT NOT EXISTS (
			SELECT 1 FROM milestones
			WHERE project_id = $1 AND status NOT IN ('approved', 'rejected')
		)
	`
	var finished bool
	if err := tx.QueryRow(ctx, query, projectID).Scan(&finished); err != nil {
		return false, fmt.Errorf("milestone: check project finished: %w", err)
	}
	return finished, nil
}

func (r *PGRepository) CompleteProject(ctx context.Context, tx pgx.Tx, projectID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE projects
		SET status = 'completed', updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'in_progress'
	`, projectID)
	if err != nil {
		return false, fmt.Errorf("milestone: complete project: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a milestone without locking, for read paths.
func (r *PGRepository) Get(ctx context.Context, milestoneID string) (Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones m WHERE m.id = $1`
	m, err := scanMilestone(r.pool.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get: %w", err)
	}
	return m, nil
}

// ListByProject returns the project's milestones in scope-bar order.
func (r *PGRepository) ListByProject(ctx context.Context, projectID string) ([]Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones m WHERE m.project_id = $1 ORDER BY m.order_index`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 5)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m   Milestone
		pct string
	)
	err := row.Scan(
		&m.ID,
		&m.ProjectID,
		&m.OrderIndex,
		&m.Title,
		&m.DefinitionOfDone,
		&pct,
		&m.Status,
		&m.StartedAt,
		&m.ReadyAt,
		&m.ApprovedAt,
		&m.DisputedAt,
		&m.RejectedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	if m.Percentage, err = decimal.NewFromString(pct); err != nil {
		return Milestone{}, fmt.Errorf("milestone: parse percentage %q: %w", pct, err)
	}
	return m, nil
}
