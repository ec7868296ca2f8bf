package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/event"
)

// ErrSettingsMissing is returned when the platform_settings row has not been
// seeded. Migrations insert a default, so this indicates a broken deployment.
var ErrSettingsMissing = errors.New("platform: settings row missing")

// Reader supplies the current commission rate to the escrow ledger.
type Reader interface {
	CurrentCommissionRate(ctx context.Context) (decimal.Decimal, error)
}

// Repository reads and updates the single platform_settings row.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context) (Settings, error) {
	const query = `
		SELECT commission_rate::text, updated_at, updated_by::text
		FROM platform_settings
		WHERE id = true
	`
	var (
		rate string
		s    Settings
	)
	if err := r.pool.QueryRow(ctx, query).Scan(&rate, &s.UpdatedAt, &s.UpdatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, ErrSettingsMissing
		}
		return Settings{}, fmt.Errorf("platform: get settings: %w", err)
	}

	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return Settings{}, fmt.Errorf("platform: parse commission rate %q: %w", rate, err)
	}
	s.CommissionRate = parsed
	return s, nil
}

// CurrentCommissionRate implements Reader.
func (r *Repository) CurrentCommissionRate(ctx context.Context) (decimal.Decimal, error) {
	s, err := r.Get(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return s.CommissionRate, nil
}

// UpdateRate changes the platform commission rate. Admin-only; the rate is
// validated here so an out-of-range value can never reach the policy. The
// update and its outbox announcement commit together.
func (r *Repository) UpdateRate(ctx context.Context, adminID string, rate decimal.Decimal) (Settings, error) {
	if err := ValidateRate(rate); err != nil {
		return Settings{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE platform_settings
		SET commission_rate = $1,
		    updated_at = get_tx_timestamp(),
		    updated_by = $2::uuid
		WHERE id = true
		RETURNING commission_rate::text, updated_at, updated_by::text
	`
	var (
		raw string
		s   Settings
	)
	if err := tx.QueryRow(ctx, query, rate.String(), adminID).Scan(&raw, &s.UpdatedAt, &s.UpdatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, ErrSettingsMissing
		}
		return Settings{}, fmt.Errorf("platform: update rate: %w", err)
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("platform: parse commission rate %q: %w", raw, err)
	}
	s.CommissionRate = parsed

	if err := event.Enqueue(ctx, tx, event.TopicCommissionRateSet, map[string]any{
		"commission_rate": s.CommissionRate.String(),
		"updated_by":      adminID,
	}); err != nil {
		return Settings{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settings{}, fmt.Errorf("platform: commit rate update: %w", err)
	}
	return s, nil
}

// FixedRate is a Reader returning a constant rate, for tests and tools that
// do not carry a database.
type FixedRate decimal.Decimal

func (f FixedRate) CurrentCommissionRate(context.Context) (decimal.Decimal, error) {
	rate := decimal.Decimal(f)
	if err := ValidateRate(rate); err != nil {
		return decimal.Decimal{}, err
	}
	return rate, nil
}

var _ Reader = (*Repository)(nil)
