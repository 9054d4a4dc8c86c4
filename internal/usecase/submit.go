package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// SubmitResult is the async-accept response: the persisted task id and the
// master queue its kickoff message landed on.
type SubmitResult struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

// Submitter expands and persists incoming task specs and hands them to the
// master actor via the broker. Invalid specs are rejected here, before
// anything is written, so clients get a synchronous 400.
type Submitter struct {
	Tasks    domain.TaskRepository
	Subtasks domain.SubtaskRepository
	Broker   domain.Broker
	Notifier domain.Notifier
	Cfg      config.Config
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(tasks domain.TaskRepository, subs domain.SubtaskRepository, b domain.Broker, n domain.Notifier, cfg config.Config) Submitter {
	return Submitter{Tasks: tasks, Subtasks: subs, Broker: b, Notifier: n, Cfg: cfg}
}

// Submit validates and expands the spec, persists the pending task with its
// full coordinate grid, and enqueues the master kickoff message. The master
// message carries both the task id and the normalized spec so that workers
// never depend on reading the row the API just wrote.
func (s Submitter) Submit(ctx domain.Context, user domain.User, spec domain.TaskSpec) (SubmitResult, error) {
	if spec.Name == "" {
		spec.Name = "untitled-" + time.Now().Format("20060102_150405")
	}
	if spec.Priority == 0 {
		spec.Priority = 1
	}
	if len(spec.Prompts) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: prompts are required", domain.ErrSpecInvalid)
	}

	expansion, err := Expand(spec)
	if err != nil {
		return SubmitResult{}, err
	}
	if s.Cfg.TaskMaxTotalImages > 0 && expansion.Total > s.Cfg.TaskMaxTotalImages {
		return SubmitResult{}, fmt.Errorf("%w: expansion yields %d images, limit is %d",
			domain.ErrSpecInvalid, expansion.Total, s.Cfg.TaskMaxTotalImages)
	}

	task := domain.Task{
		ID:       uuid.NewString(),
		Name:     expansion.Spec.Name,
		UserID:   user.ID,
		Username: user.Username,
		Status:   domain.TaskPending,
		Priority: expansion.Spec.Priority,

		Prompts:         expansion.Spec.Prompts,
		Ratio:           expansion.Spec.Ratio,
		Seed:            expansion.Spec.Seed,
		BatchSize:       expansion.Spec.BatchSize,
		UsePolish:       expansion.Spec.UsePolish,
		IsLumina:        expansion.Spec.IsLumina,
		LuminaModelName: expansion.Spec.LuminaModelName,
		LuminaCfg:       expansion.Spec.LuminaCfg,
		LuminaStep:      expansion.Spec.LuminaStep,

		TotalImages:  expansion.Total,
		Variables:    expansion.Variables,
		VariablesMap: expansion.VariablesMap,
	}
	for i := range expansion.Subtasks {
		expansion.Subtasks[i].TaskID = task.ID
	}

	if err := s.Tasks.Create(ctx, task); err != nil {
		return SubmitResult{}, err
	}
	if err := s.Subtasks.CreateBatch(ctx, expansion.Subtasks); err != nil {
		return SubmitResult{}, err
	}

	queue := s.Cfg.MasterQueueFor(task.LuminaTask())
	kwargs := map[string]any{
		"task_id":   task.ID,
		"task_data": expansion.Spec,
	}
	if _, err := s.Broker.Enqueue(ctx, ActorMaster, queue, kwargs, 0); err != nil {
		// The row exists but no actor will ever pick it up; fail it so the
		// UI does not show a forever-pending task.
		now := time.Now().UTC()
		if uerr := s.Tasks.UpdateStatus(ctx, task.ID, domain.TaskFailed, &now); uerr != nil {
			slog.Error("failed to mark unenqueued task failed",
				slog.String("task_id", task.ID), slog.Any("error", uerr))
		}
		return SubmitResult{}, fmt.Errorf("op=submit.enqueue_master: %w", err)
	}

	observability.SubmitTask()
	slog.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("user", user.Username),
		slog.Int("total_images", expansion.Total),
		slog.Int("subtasks", len(expansion.Subtasks)),
		slog.String("queue", queue),
	)

	s.Notifier.Notify(ctx, domain.TaskEvent{
		Type:     domain.EventTaskSubmitted,
		TaskID:   task.ID,
		TaskName: task.Name,
		Username: user.Username,
		Message:  "任务已提交，等待执行槽位",
		Details:  []domain.EventDetail{{Key: "状态", Value: "等待中"}},
	})

	return SubmitResult{TaskID: task.ID, Queue: queue}, nil
}
