package postgres

import (
	"context"
	"fmt"
)

// schemaDDL mirrors the ORM models of the legacy deployment so both can run
// against the same database. Statements are idempotent.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              UUID PRIMARY KEY,
		username        VARCHAR(50) UNIQUE NOT NULL,
		hashed_password VARCHAR(255) NOT NULL,
		roles           JSONB NOT NULL DEFAULT '["user"]',
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS nietest_tasks (
		id                 UUID PRIMARY KEY,
		name               VARCHAR(255) NOT NULL,
		user_id            UUID NOT NULL REFERENCES users(id),
		status             VARCHAR(20) NOT NULL DEFAULT 'pending',
		priority           SMALLINT NOT NULL DEFAULT 1,
		total_images       INTEGER NOT NULL DEFAULT 0,
		processed_images   INTEGER NOT NULL DEFAULT 0,
		progress           SMALLINT NOT NULL DEFAULT 0,
		completed_subtasks INTEGER NOT NULL DEFAULT 0,
		failed_subtasks    INTEGER NOT NULL DEFAULT 0,
		is_deleted         BOOLEAN NOT NULL DEFAULT FALSE,
		is_favorite        BOOLEAN NOT NULL DEFAULT FALSE,
		prompts            JSONB NOT NULL DEFAULT '[]',
		variables          JSONB NOT NULL DEFAULT '[]',
		variables_map      JSONB NOT NULL DEFAULT '{}',
		ratio              JSONB,
		seed               JSONB,
		batch_size         JSONB,
		use_polish         JSONB,
		is_lumina          JSONB,
		lumina_model_name  JSONB,
		lumina_cfg         JSONB,
		lumina_step        JSONB,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_tasks_user_id ON nietest_tasks(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_tasks_status ON nietest_tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_tasks_created_at ON nietest_tasks(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_tasks_is_deleted ON nietest_tasks(is_deleted)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_tasks_is_favorite ON nietest_tasks(is_favorite)`,
	`CREATE TABLE IF NOT EXISTS nietest_subtasks (
		id                  UUID PRIMARY KEY,
		task_id             UUID NOT NULL REFERENCES nietest_tasks(id),
		status              VARCHAR(20) NOT NULL DEFAULT 'pending',
		variable_indices    INTEGER[] NOT NULL DEFAULT '{}',
		prompts             JSONB NOT NULL DEFAULT '[]',
		ratio               VARCHAR(10) NOT NULL DEFAULT '1:1',
		seed                INTEGER,
		use_polish          BOOLEAN NOT NULL DEFAULT FALSE,
		batch_size          INTEGER NOT NULL DEFAULT 1,
		is_lumina           BOOLEAN NOT NULL DEFAULT FALSE,
		lumina_model_name   VARCHAR(255),
		lumina_cfg          DOUBLE PRECISION,
		lumina_step         INTEGER,
		timeout_retry_count SMALLINT NOT NULL DEFAULT 0,
		error_retry_count   SMALLINT NOT NULL DEFAULT 0,
		error               TEXT,
		result              TEXT,
		rating              SMALLINT NOT NULL DEFAULT 0,
		evaluation          TEXT[] NOT NULL DEFAULT '{}',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_subtasks_task_id ON nietest_subtasks(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_subtasks_status ON nietest_subtasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_subtasks_created_at ON nietest_subtasks(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_nietest_subtasks_rating ON nietest_subtasks(rating)`,
}

// EnsureSchema creates the tables and indexes when they do not exist yet.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
