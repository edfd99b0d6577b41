// Package database opens the Postgres pool and applies the schema.
package database

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

//go:embed schema.sql
var schemaSQL string

// templateTable is the job table every other kind's table is cloned from.
const templateTable = "image_jobs"

// migrateLockKey is the advisory lock held while the schema is applied, so
// concurrent migrate runs do not race on CREATE TABLE IF NOT EXISTS.
const migrateLockKey int64 = 0x6c756d656e

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the bootstrap schema, creates a job table for every
// catalog table that does not exist yet, then runs river's migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, jobTables []string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return fmt.Errorf("take migrate lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrateLockKey); err != nil {
			log.Warn("release migrate lock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range jobTableStatements(jobTables) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create job table: %w", err)
		}
	}
	log.Info("schema applied", "job_tables", jobTables)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	log.Info("river migrations applied", "versions", len(res.Versions))
	return nil
}

// jobTableStatements clones the template table, including its unique
// (user_id, run_id) constraint, for every other table name.
func jobTableStatements(tables []string) []string {
	var out []string
	seen := map[string]bool{templateTable: true}
	for _, t := range tables {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)",
			pgx.Identifier{t}.Sanitize(), templateTable))
	}
	return out
}
