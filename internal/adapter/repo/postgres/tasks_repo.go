package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/talesofai/nietest/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

type rowScanner interface{ Scan(dest ...any) error }

// fullTaskColumns lists every task column including the JSON spec payloads;
// the users join supplies the display username.
const fullTaskColumns = `t.id, t.name, t.user_id, COALESCE(u.username,''), t.status, t.priority,
	COALESCE(t.prompts,'[]'::jsonb),
	COALESCE(t.ratio,'{}'::jsonb), COALESCE(t.seed,'{}'::jsonb), COALESCE(t.batch_size,'{}'::jsonb),
	COALESCE(t.use_polish,'{}'::jsonb), COALESCE(t.is_lumina,'{}'::jsonb),
	COALESCE(t.lumina_model_name,'{}'::jsonb), COALESCE(t.lumina_cfg,'{}'::jsonb), COALESCE(t.lumina_step,'{}'::jsonb),
	t.total_images, t.processed_images, t.progress, t.completed_subtasks, t.failed_subtasks,
	COALESCE(t.variables,'[]'::jsonb), COALESCE(t.variables_map,'{}'::jsonb),
	t.is_favorite, t.is_deleted, t.created_at, t.updated_at, t.completed_at`

func scanFullTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Name, &t.UserID, &t.Username, &t.Status, &t.Priority,
		&t.Prompts,
		&t.Ratio, &t.Seed, &t.BatchSize,
		&t.UsePolish, &t.IsLumina,
		&t.LuminaModelName, &t.LuminaCfg, &t.LuminaStep,
		&t.TotalImages, &t.ProcessedImages, &t.Progress, &t.CompletedSubtasks, &t.FailedSubtasks,
		&t.Variables, &t.VariablesMap,
		&t.IsFavorite, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	return t, err
}

// Create inserts a fully expanded task.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO nietest_tasks (
		id, name, user_id, status, priority,
		prompts, ratio, seed, batch_size, use_polish, is_lumina, lumina_model_name, lumina_cfg, lumina_step,
		total_images, processed_images, progress, completed_subtasks, failed_subtasks,
		variables, variables_map, is_favorite, is_deleted, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`
	_, err := r.Pool.Exec(ctx, q,
		t.ID, t.Name, t.UserID, t.Status, t.Priority,
		t.Prompts, t.Ratio, t.Seed, t.BatchSize, t.UsePolish, t.IsLumina, t.LuminaModelName, t.LuminaCfg, t.LuminaStep,
		t.TotalImages, t.ProcessedImages, t.Progress, t.CompletedSubtasks, t.FailedSubtasks,
		t.Variables, t.VariablesMap, t.IsFavorite, t.IsDeleted, now, now,
	)
	if err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	return nil
}

// Get loads a task by id, including the JSON spec payloads.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + fullTaskColumns + ` FROM nietest_tasks t LEFT JOIN users u ON u.id = t.user_id WHERE t.id=$1`
	t, err := scanFullTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// buildFilter translates a TaskFilter into WHERE conditions. A nil Deleted
// filter hides soft-deleted rows, matching the default list behavior.
func buildFilter(f domain.TaskFilter, includeStatus bool) (string, []any) {
	conds := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Deleted != nil {
		add("t.is_deleted = $%d", *f.Deleted)
	} else {
		conds = append(conds, "t.is_deleted = FALSE")
	}
	if includeStatus && f.Status != nil {
		add("t.status = $%d", *f.Status)
	}
	if f.Username != "" {
		add("u.username = $%d", f.Username)
	}
	if f.NameContains != "" {
		add("t.name ILIKE '%%' || $%d || '%%'", f.NameContains)
	}
	if f.Favorite != nil {
		add("t.is_favorite = $%d", *f.Favorite)
	}
	if f.MinImages != nil {
		add("t.total_images >= $%d", *f.MinImages)
	}
	if f.MaxImages != nil {
		add("t.total_images <= $%d", *f.MaxImages)
	}
	if f.StartDate != nil {
		add("t.created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("t.created_at < $%d", *f.EndDate)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of tasks newest-first plus the unpaged total. The
// JSON spec payloads are left unloaded; list views do not need them.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter, page, pageSize int) ([]domain.Task, int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()

	where, args := buildFilter(f, true)
	from := ` FROM nietest_tasks t LEFT JOIN users u ON u.id = t.user_id`

	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=task.list_count: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	q := `SELECT t.id, t.name, t.user_id, COALESCE(u.username,''), t.status, t.priority,
		t.total_images, t.processed_images, t.progress, t.completed_subtasks, t.failed_subtasks,
		t.is_favorite, t.is_deleted, t.created_at, t.updated_at, t.completed_at` +
		from + where +
		fmt.Sprintf(" ORDER BY t.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(
			&t.ID, &t.Name, &t.UserID, &t.Username, &t.Status, &t.Priority,
			&t.TotalImages, &t.ProcessedImages, &t.Progress, &t.CompletedSubtasks, &t.FailedSubtasks,
			&t.IsFavorite, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("op=task.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=task.list_rows: %w", err)
	}
	return out, total, nil
}

// Stats counts tasks per status under the same filters as List, ignoring any
// status filter.
func (r *TaskRepo) Stats(ctx domain.Context, f domain.TaskFilter) (domain.TaskStats, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Stats")
	defer span.End()

	where, args := buildFilter(f, false)
	q := `SELECT count(*),
		count(*) FILTER (WHERE t.status='completed'),
		count(*) FILTER (WHERE t.status='failed'),
		count(*) FILTER (WHERE t.status='cancelled'),
		count(*) FILTER (WHERE t.status='processing'),
		count(*) FILTER (WHERE t.status='pending')
	FROM nietest_tasks t LEFT JOIN users u ON u.id = t.user_id` + where

	var s domain.TaskStats
	err := r.Pool.QueryRow(ctx, q, args...).Scan(&s.Total, &s.Completed, &s.Failed, &s.Cancelled, &s.Processing, &s.Pending)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("op=task.stats: %w", err)
	}
	return s, nil
}

// ListByStatus loads every non-deleted task in the given status, full rows,
// oldest first. The admission controller and the worker respawn path use it.
func (r *TaskRepo) ListByStatus(ctx domain.Context, status domain.TaskStatus) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByStatus")
	defer span.End()

	q := `SELECT ` + fullTaskColumns + ` FROM nietest_tasks t LEFT JOIN users u ON u.id = t.user_id
		WHERE t.status=$1 AND t.is_deleted = FALSE ORDER BY t.created_at ASC`
	rows, err := r.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_status: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanFullTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_by_status_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_by_status_rows: %w", err)
	}
	return out, nil
}

// TransitionStatus flips status only when the stored value still matches
// from, reporting whether the row moved.
func (r *TaskRepo) TransitionStatus(ctx domain.Context, id string, from, to domain.TaskStatus, completedAt *time.Time) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.TransitionStatus")
	defer span.End()
	q := `UPDATE nietest_tasks SET status=$3, completed_at=COALESCE($4, completed_at), updated_at=$5
		WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, completedAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=task.transition_status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus sets the status unconditionally; completedAt is written when
// non-nil.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, id string, status domain.TaskStatus, completedAt *time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()
	q := `UPDATE nietest_tasks SET status=$2, completed_at=COALESCE($3, completed_at), updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, status, completedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update_status: %w", err)
	}
	return nil
}

// UpdateProgress persists the monitor's rollup counters.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id string, processed, progress, completed, failed int) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateProgress")
	defer span.End()
	q := `UPDATE nietest_tasks SET processed_images=$2, progress=$3, completed_subtasks=$4, failed_subtasks=$5, updated_at=$6 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, processed, progress, completed, failed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update_progress: %w", err)
	}
	return nil
}

// ToggleFavorite flips the favorite flag and returns the new value.
func (r *TaskRepo) ToggleFavorite(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ToggleFavorite")
	defer span.End()
	q := `UPDATE nietest_tasks SET is_favorite = NOT is_favorite, updated_at=$2 WHERE id=$1 RETURNING is_favorite`
	var fav bool
	if err := r.Pool.QueryRow(ctx, q, id, time.Now().UTC()).Scan(&fav); err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=task.toggle_favorite: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=task.toggle_favorite: %w", err)
	}
	return fav, nil
}

// ToggleDeleted flips the soft-delete flag and returns the new value.
func (r *TaskRepo) ToggleDeleted(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ToggleDeleted")
	defer span.End()
	q := `UPDATE nietest_tasks SET is_deleted = NOT is_deleted, updated_at=$2 WHERE id=$1 RETURNING is_deleted`
	var del bool
	if err := r.Pool.QueryRow(ctx, q, id, time.Now().UTC()).Scan(&del); err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=task.toggle_deleted: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=task.toggle_deleted: %w", err)
	}
	return del, nil
}
