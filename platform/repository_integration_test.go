package platform

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TestUpdateRate_Integration verifies the rate update lands with its outbox
// announcement in one transaction.
func TestUpdateRate_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var settingsExist bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('platform_settings') IS NOT NULL`).Scan(&settingsExist); err != nil || !settingsExist {
		t.Skip("platform_settings table missing; apply migrations first")
	}

	repo := NewRepository(pool)
	before, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}

	var adminID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Rate Admin', 'x', 'admin') RETURNING id`,
		"rate-admin+"+time.Now().Format("20060102150405.000000000")+"@example.com").Scan(&adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	newRate := decimal.RequireFromString("0.11")
	if before.CommissionRate.Equal(newRate) {
		newRate = decimal.RequireFromString("0.12")
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `UPDATE platform_settings SET commission_rate = $1, updated_by = NULL WHERE id = true`, before.CommissionRate.String())
		pool.Exec(ctx2, `DELETE FROM outbox WHERE topic = 'platform.commission_rate_set' AND payload->>'updated_by' = $1`, adminID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, adminID)
	})

	updated, err := repo.UpdateRate(ctx, adminID, newRate)
	if err != nil {
		t.Fatalf("update rate: %v", err)
	}
	if !updated.CommissionRate.Equal(newRate) {
		t.Fatalf("rate not applied: got %s want %s", updated.CommissionRate, newRate)
	}

	var announcements int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE topic = 'platform.commission_rate_set' AND payload->>'updated_by' = $1`,
		adminID).Scan(&announcements); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if announcements != 1 {
		t.Fatalf("expected one rate announcement, got %d", announcements)
	}

	// out-of-range rates never reach the row
	if _, err := repo.UpdateRate(ctx, adminID, decimal.RequireFromString("0.20")); err == nil {
		t.Fatal("expected out-of-range rate to be rejected")
	}
}
