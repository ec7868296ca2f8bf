package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationsDir resolves relative to this source file so tests work from any
// working directory.
func migrationsDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// ApplyMigrations runs every migrations/*.sql file in name order against the
// DSN and returns a ready pool. With isolate set, all objects land in a
// per-run schema that the returned teardown drops, so concurrent runs against
// a shared database stay out of each other's way.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		schema := fmt.Sprintf("stress_%d", time.Now().UnixNano())
		if teardown, err = createRunSchema(ctx, dsn, cfg, schema); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir(), "*.sql"))
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		sql, err := os.ReadFile(path)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply %s: %w", filepath.Base(path), err)
		}
	}

	return pool, teardown, nil
}

// createRunSchema provisions the per-run schema and rewires the pool config
// so every connection searches it first. `public` stays on the path because
// pgcrypto installs there.
func createRunSchema(ctx context.Context, dsn string, cfg *pgxpool.Config, schema string) (func(context.Context) error, error) {
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for schema setup: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	searchPath := fmt.Sprintf("SET search_path TO %s, public", ident)
	cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		_, err := c.Exec(ctx, searchPath)
		return err
	}

	return func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}, nil
}
