package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each in its own transaction, and recorded in
// schema_migrations so a version is never executed twice.
var migrations = []migration{
	{
		Version:     1,
		Description: "identities",
		SQL: `
			CREATE EXTENSION IF NOT EXISTS vector;
			CREATE TABLE IF NOT EXISTS identities (
				id BIGSERIAL PRIMARY KEY,
				external_code TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL,
				embedding VECTOR(128),
				photo_path TEXT,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_by BIGINT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version:     2,
		Description: "recognition logs",
		SQL: `
			CREATE TABLE IF NOT EXISTS recognition_logs (
				id BIGSERIAL PRIMARY KEY,
				identity_id BIGINT NOT NULL REFERENCES identities(id),
				confidence DOUBLE PRECISION NOT NULL,
				kind TEXT NOT NULL DEFAULT 'SUCCESS',
				session_id UUID,
				observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS recognition_logs_observed_at_idx ON recognition_logs (observed_at);
			CREATE INDEX IF NOT EXISTS recognition_logs_identity_id_idx ON recognition_logs (identity_id);
		`,
	},
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// migrate applies all pending migrations.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		slog.Info("store: applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}
