package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/domain"
)

// TaskQuery carries listing and stats filters as received from the API.
// Dates are YYYY-MM-DD; an unparseable date is logged and skipped rather
// than failing the request.
type TaskQuery struct {
	Page      int
	PageSize  int
	Status    string
	Username  string
	Name      string
	Favorite  *bool
	Deleted   *bool
	MinImages *int
	MaxImages *int
	StartDate string
	EndDate   string
}

// TaskListItem is one row of a task listing, with the completed/failed image
// counts backfilled for rows written before the rollup counters existed.
type TaskListItem struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Username        string     `json:"username"`
	Status          string     `json:"status"`
	TotalImages     int        `json:"total_images"`
	ProcessedImages int        `json:"processed_images"`
	CompletedImages int        `json:"completed_images"`
	FailedImages    int        `json:"failed_images"`
	Progress        int        `json:"progress"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	IsFavorite      bool       `json:"is_favorite"`
	IsDeleted       bool       `json:"is_deleted"`
}

// TaskPage is one page of task listings plus the unpaged total.
type TaskPage struct {
	Tasks    []TaskListItem `json:"tasks"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// ProgressSnapshot is the refreshed rollup of one task.
type ProgressSnapshot struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TotalImages     int        `json:"total_images"`
	ProcessedImages int        `json:"processed_images"`
	Progress        int        `json:"progress"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// CancelResult describes a successful cancellation.
type CancelResult struct {
	TaskID            string `json:"task_id"`
	CancelledSubtasks int64  `json:"cancelled_subtasks"`
	Message           string `json:"message"`
}

// ReuseConfig is the stored parameter space of a task, reshaped for
// resubmission: prompts and slots as submitted, runtime state stripped.
type ReuseConfig struct {
	TaskID           string               `json:"task_id"`
	TaskName         string               `json:"task_name"`
	Name             string               `json:"name"`
	Prompts          []domain.Prompt      `json:"prompts"`
	Ratio            domain.TaskParameter `json:"ratio"`
	Seed             domain.TaskParameter `json:"seed"`
	BatchSize        domain.TaskParameter `json:"batch_size"`
	UsePolish        domain.TaskParameter `json:"use_polish"`
	IsLumina         domain.TaskParameter `json:"is_lumina"`
	LuminaModelName  domain.TaskParameter `json:"lumina_model_name"`
	LuminaCfg        domain.TaskParameter `json:"lumina_cfg"`
	LuminaStep       domain.TaskParameter `json:"lumina_step"`
	Priority         int                  `json:"priority"`
	CreatedAt        time.Time            `json:"created_at"`
	OriginalUsername string               `json:"original_username"`
}

// TaskService serves the read and lifecycle endpoints of the task API.
type TaskService struct {
	Tasks    domain.TaskRepository
	Subtasks domain.SubtaskRepository
}

// NewTaskService constructs a TaskService.
func NewTaskService(tasks domain.TaskRepository, subs domain.SubtaskRepository) TaskService {
	return TaskService{Tasks: tasks, Subtasks: subs}
}

// filter translates a TaskQuery into the repository filter. The end date is
// pushed one day forward so the filter covers the whole named day.
func (s TaskService) filter(q TaskQuery) domain.TaskFilter {
	f := domain.TaskFilter{
		Username:     q.Username,
		NameContains: q.Name,
		Favorite:     q.Favorite,
		Deleted:      q.Deleted,
		MinImages:    q.MinImages,
		MaxImages:    q.MaxImages,
	}
	if q.Status != "" {
		st := domain.TaskStatus(q.Status)
		f.Status = &st
	}
	if q.StartDate != "" {
		if t, err := time.Parse("2006-01-02", q.StartDate); err == nil {
			f.StartDate = &t
		} else {
			slog.Warn("ignoring malformed start_date", slog.String("start_date", q.StartDate))
		}
	}
	if q.EndDate != "" {
		if t, err := time.Parse("2006-01-02", q.EndDate); err == nil {
			end := t.Add(24 * time.Hour)
			f.EndDate = &end
		} else {
			slog.Warn("ignoring malformed end_date", slog.String("end_date", q.EndDate))
		}
	}
	return f
}

// List returns one page of tasks, newest first.
func (s TaskService) List(ctx domain.Context, q TaskQuery) (TaskPage, error) {
	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}

	tasks, total, err := s.Tasks.List(ctx, s.filter(q), page, size)
	if err != nil {
		return TaskPage{}, fmt.Errorf("op=tasks.list: %w", err)
	}

	items := make([]TaskListItem, 0, len(tasks))
	for i := range tasks {
		items = append(items, listItem(&tasks[i]))
	}
	return TaskPage{Tasks: items, Total: total, Page: page, PageSize: size}, nil
}

// listItem derives the per-row image counters. Rows written before the
// rollup counters existed carry zeros there, so fall back to the processed
// count, attributing the remainder to failures only for failed tasks.
func listItem(t *domain.Task) TaskListItem {
	completed, failed := t.CompletedSubtasks, t.FailedSubtasks
	if completed == 0 && failed == 0 {
		completed = t.ProcessedImages
		if t.Status == domain.TaskFailed {
			failed = t.TotalImages - t.ProcessedImages
			if failed < 0 {
				failed = 0
			}
		}
	}
	return TaskListItem{
		ID:              t.ID,
		Name:            t.Name,
		Username:        t.Username,
		Status:          string(t.Status),
		TotalImages:     t.TotalImages,
		ProcessedImages: t.ProcessedImages,
		CompletedImages: completed,
		FailedImages:    failed,
		Progress:        t.Progress,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		CompletedAt:     t.CompletedAt,
		IsFavorite:      t.IsFavorite,
		IsDeleted:       t.IsDeleted,
	}
}

// Stats aggregates task counts per status under the same filters as List.
func (s TaskService) Stats(ctx domain.Context, q TaskQuery) (domain.TaskStats, error) {
	stats, err := s.Tasks.Stats(ctx, s.filter(q))
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("op=tasks.stats: %w", err)
	}
	return stats, nil
}

// Detail loads one task and, when asked, its subtasks in coordinate order.
func (s TaskService) Detail(ctx domain.Context, id string, includeSubtasks bool) (domain.Task, []domain.Subtask, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, nil, fmt.Errorf("op=tasks.detail: %w", err)
	}
	if !includeSubtasks {
		return task, nil, nil
	}
	subs, err := s.Subtasks.ListByTask(ctx, id)
	if err != nil {
		return domain.Task{}, nil, fmt.Errorf("op=tasks.detail_subtasks: %w", err)
	}
	return task, subs, nil
}

// Progress recounts the task's subtasks, refreshes the stored rollup and
// returns the result.
func (s TaskService) Progress(ctx domain.Context, id string) (ProgressSnapshot, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("op=tasks.progress: %w", err)
	}
	counts, err := s.Subtasks.Counts(ctx, id)
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("op=tasks.progress_counts: %w", err)
	}

	processed := counts.Processed()
	progress := task.Progress
	if task.TotalImages > 0 {
		progress = processed * 100 / task.TotalImages
	}
	if err := s.Tasks.UpdateProgress(ctx, id, processed, progress, counts.Completed, counts.Failed); err != nil {
		return ProgressSnapshot{}, fmt.Errorf("op=tasks.progress_update: %w", err)
	}

	return ProgressSnapshot{
		ID:              task.ID,
		Name:            task.Name,
		Status:          string(task.Status),
		TotalImages:     task.TotalImages,
		ProcessedImages: processed,
		Progress:        progress,
		CreatedAt:       task.CreatedAt,
		UpdatedAt:       task.UpdatedAt,
		CompletedAt:     task.CompletedAt,
	}, nil
}

// Cancel cancels a task that has not started running. Only pending tasks are
// cancellable: the status flip is a compare-and-set against pending, so a
// master that concurrently wins the slot turns this into a conflict instead
// of a half-cancelled task.
func (s TaskService) Cancel(ctx domain.Context, id string) (CancelResult, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=tasks.cancel: %w", err)
	}
	switch task.Status {
	case domain.TaskProcessing:
		return CancelResult{}, fmt.Errorf("%w: 任务正在执行中，不允许取消", domain.ErrConflict)
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		return CancelResult{}, fmt.Errorf("%w: 任务已经是终止状态: %s，无法取消", domain.ErrConflict, task.Status)
	}

	now := time.Now().UTC()
	ok, err := s.Tasks.TransitionStatus(ctx, id, domain.TaskPending, domain.TaskCancelled, &now)
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=tasks.cancel_transition: %w", err)
	}
	if !ok {
		return CancelResult{}, fmt.Errorf("%w: 任务正在执行中，不允许取消", domain.ErrConflict)
	}

	cancelled, err := s.Subtasks.CancelPending(ctx, id, cancelReason)
	if err != nil {
		// The task itself is already cancelled; the admission loop will see
		// that and never dispatch, so stale pending rows are harmless.
		slog.Error("failed to cancel pending subtasks",
			slog.String("task_id", id), slog.Any("error", err))
	}
	observability.FinishTask(string(domain.TaskCancelled))
	slog.Info("task cancelled",
		slog.String("task_id", id), slog.Int64("cancelled_subtasks", cancelled))

	return CancelResult{
		TaskID:            id,
		CancelledSubtasks: cancelled,
		Message:           fmt.Sprintf("任务已取消，同时取消了 %d 个子任务", cancelled),
	}, nil
}

// ToggleFavorite flips the favorite flag, returning the new value.
func (s TaskService) ToggleFavorite(ctx domain.Context, id string) (bool, error) {
	fav, err := s.Tasks.ToggleFavorite(ctx, id)
	if err != nil {
		return false, fmt.Errorf("op=tasks.favorite: %w", err)
	}
	return fav, nil
}

// ToggleDeleted flips the soft-delete flag, returning the new value.
func (s TaskService) ToggleDeleted(ctx domain.Context, id string) (bool, error) {
	del, err := s.Tasks.ToggleDeleted(ctx, id)
	if err != nil {
		return false, fmt.Errorf("op=tasks.delete: %w", err)
	}
	return del, nil
}

// Running lists every task currently holding or waiting for an execution
// slot, newest first.
func (s TaskService) Running(ctx domain.Context) ([]domain.Task, error) {
	processing, err := s.Tasks.ListByStatus(ctx, domain.TaskProcessing)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.running: %w", err)
	}
	pending, err := s.Tasks.ListByStatus(ctx, domain.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.running: %w", err)
	}
	out := make([]domain.Task, 0, len(processing)+len(pending))
	out = append(out, processing...)
	out = append(out, pending...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Reuse returns the task's submitted configuration for resubmission, with a
// fresh display name and without any runtime state.
func (s TaskService) Reuse(ctx domain.Context, id string) (ReuseConfig, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return ReuseConfig{}, fmt.Errorf("op=tasks.reuse: %w", err)
	}
	return ReuseConfig{
		TaskID:           task.ID,
		TaskName:         task.Name,
		Name:             "复用-" + task.Name,
		Prompts:          task.Prompts,
		Ratio:            task.Ratio,
		Seed:             task.Seed,
		BatchSize:        task.BatchSize,
		UsePolish:        task.UsePolish,
		IsLumina:         task.IsLumina,
		LuminaModelName:  task.LuminaModelName,
		LuminaCfg:        task.LuminaCfg,
		LuminaStep:       task.LuminaStep,
		Priority:         task.Priority,
		CreatedAt:        task.CreatedAt,
		OriginalUsername: task.Username,
	}, nil
}
