package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The unique index over the tuple is what arbitrates concurrent
// acquisitions. Postgres cannot index "expires_at > now()", so the
// constraint covers every row and expired rows are reaped or taken over
// inside the acquiring transaction.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS action_locks (
		id            TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL CHECK (resource_type IN ('booking', 'event', 'image', 'email', 'dashboard', 'global')),
		resource_id   TEXT NOT NULL,
		action        TEXT NOT NULL,
		admin_email   TEXT NOT NULL,
		admin_name    TEXT,
		locked_at     TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS action_locks_tuple_key
		ON action_locks (resource_type, resource_id, action)`,
	`CREATE INDEX IF NOT EXISTS action_locks_expires_at_idx
		ON action_locks (expires_at)`,
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
