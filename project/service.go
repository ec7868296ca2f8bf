package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/event"
	"escrowflow/identity"
)

var (
	// ErrNotFound is returned when no project row exists for the identifier.
	ErrNotFound = errors.New("project: not found")
	// ErrDeveloperNotFound signals the assignee does not exist or is not a developer.
	ErrDeveloperNotFound = errors.New("project: developer not found")
)

// Service owns project creation, scope-bar edits, and developer assignment.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Create validates the scope bar and persists the project with its milestone
// set in a single transaction.
func (s *Service) Create(ctx context.Context, actor identity.Actor, params CreateParams) (Project, error) {
	if actor.Role != identity.RoleClient {
		return Project{}, apperr.Authorization(actor.UserID, "create projects")
	}
	if params.Title == "" {
		return Project{}, apperr.Validation("title", "must not be empty")
	}
	if !params.Budget.IsPositive() {
		return Project{}, apperr.Validation("budget", "must be positive")
	}
	if err := ValidateScopeBar(params.Milestones); err != nil {
		return Project{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO projects (client_id, title, budget, deadline, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING id, client_id, developer_id::text, title, budget::text, deadline, status::text, created_at, updated_at
	`
	proj, err := scanProject(tx.QueryRow(ctx, insertSQL, actor.UserID, params.Title, params.Budget.StringFixed(2), params.Deadline))
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}

	if err := insertMilestones(ctx, tx, proj.ID, params.Milestones); err != nil {
		return Project{}, err
	}

	payload := map[string]any{
		"title":      params.Title,
		"budget":     params.Budget.StringFixed(2),
		"milestones": len(params.Milestones),
	}
	if err := event.Append(ctx, tx, proj.ID, nil, event.TypeProjectCreated, &actor.UserID, payload); err != nil {
		return Project{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicProjectCreated, map[string]any{
		"project_id": proj.ID,
		"client_id":  actor.UserID,
	}); err != nil {
		return Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, fmt.Errorf("project: commit: %w", err)
	}
	return proj, nil
}

// UpdateScopeBar replaces the milestone set while the project is still open
// and no milestone has left pending. Redistribution policy is the caller's:
// the engine only enforces the final shape.
func (s *Service) UpdateScopeBar(ctx context.Context, actor identity.Actor, projectID string, milestones []MilestoneInput) error {
	if err := ValidateScopeBar(milestones); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		clientID string
		status   string
	)
	if err := tx.QueryRow(ctx, `SELECT client_id, status::text FROM projects WHERE id=$1 FOR UPDATE`, projectID).
		Scan(&clientID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("project: lock project: %w", err)
	}
	if actor.Role != identity.RoleClient || clientID != actor.UserID {
		return apperr.Authorization(actor.UserID, "edit this project's scope bar")
	}
	if Status(status) != StatusOpen {
		return apperr.StateConflict("project", projectID, status, "edit scope bar")
	}

	var active int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE project_id=$1 AND status <> 'pending'`, projectID).Scan(&active); err != nil {
		return fmt.Errorf("project: count active milestones: %w", err)
	}
	if active > 0 {
		return apperr.StateConflict("project", projectID, string(StatusOpen), "edit scope bar after activity")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE project_id=$1`, projectID); err != nil {
		return fmt.Errorf("project: clear milestones: %w", err)
	}
	if err := insertMilestones(ctx, tx, projectID, milestones); err != nil {
		return err
	}
	if err := event.Append(ctx, tx, projectID, nil, event.TypeProjectCreated, &actor.UserID, map[string]any{
		"edit":       "scope_bar",
		"milestones": len(milestones),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("project: commit scope bar edit: %w", err)
	}
	return nil
}

// AssignDeveloper attaches the developer and activates the project.
func (s *Service) AssignDeveloper(ctx context.Context, actor identity.Actor, projectID, developerID string) (Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		clientID string
		status   string
	)
	if err := tx.QueryRow(ctx, `SELECT client_id, status::text FROM projects WHERE id=$1 FOR UPDATE`, projectID).
		Scan(&clientID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: lock project: %w", err)
	}
	if actor.Role != identity.RoleClient || clientID != actor.UserID {
		return Project{}, apperr.Authorization(actor.UserID, "assign a developer to this project")
	}
	if Status(status) != StatusOpen {
		return Project{}, apperr.StateConflict("project", projectID, status, "assign developer")
	}

	var isDeveloper bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1 AND role='developer')`, developerID).Scan(&isDeveloper); err != nil {
		return Project{}, fmt.Errorf("project: check developer: %w", err)
	}
	if !isDeveloper {
		return Project{}, ErrDeveloperNotFound
	}

	const updateSQL = `
		UPDATE projects
		SET developer_id = $1,
		    status = 'in_progress',
		    updated_at = get_tx_timestamp()
		WHERE id = $2
		RETURNING id, client_id, developer_id::text, title, budget::text, deadline, status::text, created_at, updated_at
	`
	proj, err := scanProject(tx.QueryRow(ctx, updateSQL, developerID, projectID))
	if err != nil {
		return Project{}, fmt.Errorf("project: assign developer: %w", err)
	}

	if err := event.Append(ctx, tx, projectID, nil, event.TypeDeveloperAssigned, &actor.UserID, map[string]any{
		"developer_id": developerID,
	}); err != nil {
		return Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, fmt.Errorf("project: commit assignment: %w", err)
	}
	return proj, nil
}

// Get returns a project visible to the actor (its client, its developer, or
// any admin).
func (s *Service) Get(ctx context.Context, actor identity.Actor, projectID string) (Project, error) {
	const query = `
		SELECT id, client_id, developer_id::text, title, budget::text, deadline, status::text, created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	proj, err := scanProject(s.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: get: %w", err)
	}

	if actor.Role != identity.RoleAdmin &&
		proj.ClientID != actor.UserID &&
		(proj.DeveloperID == nil || *proj.DeveloperID != actor.UserID) {
		return Project{}, apperr.Authorization(actor.UserID, "view this project")
	}
	return proj, nil
}

// List returns projects for the filtering party, newest first.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Project, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := `WHERE ($1 = '' OR client_id::text = $1) AND ($2 = '' OR developer_id::text = $2)`
	query := `
		SELECT id, client_id, developer_id::text, title, budget::text, deadline, status::text, created_at, updated_at
		FROM projects ` + where + `
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.pool.Query(ctx, query, filters.ClientID, filters.DeveloperID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("project: scan: %w", err)
		}
		projects = append(projects, proj)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("project: iterate: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects `+where, filters.ClientID, filters.DeveloperID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("project: count: %w", err)
	}
	return projects, total, nil
}

func insertMilestones(ctx context.Context, tx pgx.Tx, projectID string, milestones []MilestoneInput) error {
	const insertSQL = `
		INSERT INTO milestones (project_id, order_index, title, definition_of_done, percentage, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`
	for i, m := range milestones {
		if _, err := tx.Exec(ctx, insertSQL, projectID, i+1, m.Title, m.DefinitionOfDone, m.Percentage); err != nil {
			return fmt.Errorf("project: insert milestone %d: %w", i+1, err)
		}
	}
	return nil
}
