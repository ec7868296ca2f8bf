package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	containerImage = "postgres:16"
	containerDB    = "escrowflow_test"
	containerUser  = "testuser"
	containerPass  = "testpass"
)

// Postgres wraps the throwaway container so callers can terminate it without
// caring whether one was actually started.
type Postgres struct {
	container *postgres.PostgresContainer
}

// StartPostgres returns a DSN for a fresh Postgres 16 container. An explicit
// overrideDSN, or STRESS_TEST_PG_DSN in the environment, short-circuits the
// container and reuses that database instead.
func StartPostgres(ctx context.Context, overrideDSN string) (*Postgres, string, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if overrideDSN != "" {
		return &Postgres{}, overrideDSN, nil
	}

	c, err := postgres.Run(ctx, containerImage,
		postgres.WithDatabase(containerDB),
		postgres.WithUsername(containerUser),
		postgres.WithPassword(containerPass),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &Postgres{container: c}, dsn, nil
}

func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
