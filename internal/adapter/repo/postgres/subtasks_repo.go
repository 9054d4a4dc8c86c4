package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/talesofai/nietest/internal/domain"
)

// SubtaskRepo persists and loads subtasks from PostgreSQL using a minimal pgx pool.
type SubtaskRepo struct{ Pool PgxPool }

// NewSubtaskRepo constructs a SubtaskRepo with the given pool.
func NewSubtaskRepo(p PgxPool) *SubtaskRepo { return &SubtaskRepo{Pool: p} }

const subtaskColumns = `id, task_id, status, variable_indices, COALESCE(prompts,'[]'::jsonb),
	ratio, seed, use_polish, batch_size, is_lumina, lumina_model_name, lumina_cfg, lumina_step,
	timeout_retry_count, error_retry_count, error, result, rating, COALESCE(evaluation,'{}'),
	created_at, updated_at, started_at, completed_at`

func scanSubtask(row rowScanner) (domain.Subtask, error) {
	var s domain.Subtask
	err := row.Scan(
		&s.ID, &s.TaskID, &s.Status, &s.VariableIndices, &s.Prompts,
		&s.Ratio, &s.Seed, &s.UsePolish, &s.BatchSize, &s.IsLumina, &s.LuminaModelName, &s.LuminaCfg, &s.LuminaStep,
		&s.TimeoutRetryCount, &s.ErrorRetryCount, &s.Error, &s.Result, &s.Rating, &s.Evaluation,
		&s.CreatedAt, &s.UpdatedAt, &s.StartedAt, &s.CompletedAt,
	)
	return s, err
}

// CreateBatch inserts all subtasks of a task in one transaction so a task is
// never persisted with a partial coordinate grid.
func (r *SubtaskRepo) CreateBatch(ctx domain.Context, subs []domain.Subtask) error {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.CreateBatch")
	defer span.End()

	if len(subs) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=subtask.create_batch_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO nietest_subtasks (
		id, task_id, status, variable_indices, prompts,
		ratio, seed, use_polish, batch_size, is_lumina, lumina_model_name, lumina_cfg, lumina_step,
		timeout_retry_count, error_retry_count, rating, evaluation, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	now := time.Now().UTC()
	for _, s := range subs {
		if s.Evaluation == nil {
			s.Evaluation = []string{}
		}
		if s.VariableIndices == nil {
			s.VariableIndices = []int{}
		}
		_, err := tx.Exec(ctx, q,
			s.ID, s.TaskID, s.Status, s.VariableIndices, s.Prompts,
			s.Ratio, s.Seed, s.UsePolish, s.BatchSize, s.IsLumina, s.LuminaModelName, s.LuminaCfg, s.LuminaStep,
			s.TimeoutRetryCount, s.ErrorRetryCount, s.Rating, s.Evaluation, now, now,
		)
		if err != nil {
			return fmt.Errorf("op=subtask.create_batch: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=subtask.create_batch_commit: %w", err)
	}
	return nil
}

// Get loads a subtask by id.
func (r *SubtaskRepo) Get(ctx domain.Context, id string) (domain.Subtask, error) {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.Get")
	defer span.End()
	q := `SELECT ` + subtaskColumns + ` FROM nietest_subtasks WHERE id=$1`
	s, err := scanSubtask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Subtask{}, fmt.Errorf("op=subtask.get: %w", domain.ErrNotFound)
		}
		return domain.Subtask{}, fmt.Errorf("op=subtask.get: %w", err)
	}
	return s, nil
}

// ListByTask loads every subtask of a task in canonical coordinate order.
func (r *SubtaskRepo) ListByTask(ctx domain.Context, taskID string) ([]domain.Subtask, error) {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.ListByTask")
	defer span.End()
	q := `SELECT ` + subtaskColumns + ` FROM nietest_subtasks WHERE task_id=$1 ORDER BY variable_indices ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=subtask.list_by_task: %w", err)
	}
	defer rows.Close()

	var out []domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=subtask.list_scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=subtask.list_rows: %w", err)
	}
	return out, nil
}

// Counts aggregates subtask statuses for one task.
func (r *SubtaskRepo) Counts(ctx domain.Context, taskID string) (domain.SubtaskCounts, error) {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.Counts")
	defer span.End()
	q := `SELECT status, count(*) FROM nietest_subtasks WHERE task_id=$1 GROUP BY status`
	rows, err := r.Pool.Query(ctx, q, taskID)
	if err != nil {
		return domain.SubtaskCounts{}, fmt.Errorf("op=subtask.counts: %w", err)
	}
	defer rows.Close()

	var c domain.SubtaskCounts
	for rows.Next() {
		var status domain.SubtaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.SubtaskCounts{}, fmt.Errorf("op=subtask.counts_scan: %w", err)
		}
		c.Total += n
		switch status {
		case domain.SubtaskPending:
			c.Pending = n
		case domain.SubtaskProcessing:
			c.Processing = n
		case domain.SubtaskCompleted:
			c.Completed = n
		case domain.SubtaskFailed:
			c.Failed = n
		case domain.SubtaskCancelled:
			c.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.SubtaskCounts{}, fmt.Errorf("op=subtask.counts_rows: %w", err)
	}
	return c, nil
}

// Claim marks the subtask processing. A first delivery claims only pending or
// processing rows, so deliveries after a terminal write become no-ops. A
// redelivery (retryCount > 0) may additionally reclaim a failed row, which is
// what makes broker retries effective; completed and cancelled rows are never
// reclaimed. started_at is preserved across redeliveries.
func (r *SubtaskRepo) Claim(ctx domain.Context, id string, retryCount int) (bool, error) {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.Claim")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE nietest_subtasks SET status=$2, started_at=COALESCE(started_at,$3), updated_at=$3,
		error_retry_count = CASE WHEN $4 > 0 THEN $4 ELSE error_retry_count END
		WHERE id=$1 AND (status IN ('pending','processing') OR (status='failed' AND $4 > 0))`
	tag, err := r.Pool.Exec(ctx, q, id, domain.SubtaskProcessing, now, retryCount)
	if err != nil {
		return false, fmt.Errorf("op=subtask.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted stores the artifact URL and closes the subtask.
func (r *SubtaskRepo) MarkCompleted(ctx domain.Context, id, result string) error {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.MarkCompleted")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE nietest_subtasks SET status=$2, result=$3, error=NULL, completed_at=$4, updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.SubtaskCompleted, result, now)
	if err != nil {
		return fmt.Errorf("op=subtask.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed stores the error and closes the subtask. Timeout-looking errors
// bump timeout_retry_count, everything else bumps error_retry_count.
func (r *SubtaskRepo) MarkFailed(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.MarkFailed")
	defer span.End()
	now := time.Now().UTC()
	timeout := domain.TimeoutMessage(errMsg)
	q := `UPDATE nietest_subtasks SET status=$2, error=$3, completed_at=$4, updated_at=$4,
		timeout_retry_count = timeout_retry_count + CASE WHEN $5 THEN 1 ELSE 0 END,
		error_retry_count   = error_retry_count   + CASE WHEN $5 THEN 0 ELSE 1 END
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.SubtaskFailed, errMsg, now, timeout)
	if err != nil {
		return fmt.Errorf("op=subtask.mark_failed: %w", err)
	}
	return nil
}

// CancelPending cancels every subtask of the task still waiting for a worker.
func (r *SubtaskRepo) CancelPending(ctx domain.Context, taskID, reason string) (int64, error) {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.CancelPending")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE nietest_subtasks SET status=$2, error=$3, completed_at=$4, updated_at=$4
		WHERE task_id=$1 AND status='pending'`
	tag, err := r.Pool.Exec(ctx, q, taskID, domain.SubtaskCancelled, reason, now)
	if err != nil {
		return 0, fmt.Errorf("op=subtask.cancel_pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateRating sets the user rating.
func (r *SubtaskRepo) UpdateRating(ctx domain.Context, id string, rating int) error {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.UpdateRating")
	defer span.End()
	q := `UPDATE nietest_subtasks SET rating=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, rating, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=subtask.update_rating: %w", err)
	}
	return nil
}

// UpdateEvaluation replaces the evaluation notes.
func (r *SubtaskRepo) UpdateEvaluation(ctx domain.Context, id string, evaluation []string) error {
	tracer := otel.Tracer("repo.subtasks")
	ctx, span := tracer.Start(ctx, "subtasks.UpdateEvaluation")
	defer span.End()
	if evaluation == nil {
		evaluation = []string{}
	}
	q := `UPDATE nietest_subtasks SET evaluation=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, evaluation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=subtask.update_evaluation: %w", err)
	}
	return nil
}
