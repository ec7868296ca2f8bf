package project

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func scanProject(row pgx.Row) (Project, error) {
	var (
		proj   Project
		budget string
	)
	err := row.Scan(
		&proj.ID,
		&proj.ClientID,
		&proj.DeveloperID,
		&proj.Title,
		&budget,
		&proj.Deadline,
		&proj.Status,
		&proj.CreatedAt,
		&proj.UpdatedAt,
	)
	if err != nil {
		return Project{}, err
	}
	parsed, err := decimal.NewFromString(budget)
	if err != nil {
		return Project{}, fmt.Errorf("project: parse budget %q: %w", budget, err)
	}
	proj.Budget = parsed
	return proj, nil
}
