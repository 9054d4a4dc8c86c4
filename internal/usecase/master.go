package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// MonitorSpawner starts a task monitor in the background. The worker supplies
// it so monitors outlive the master message's own deadline.
type MonitorSpawner func(taskID string)

// Master is the per-task orchestration actor: it waits for an execution
// slot, flips the task to processing, fans its subtasks out to the worker
// queues and hands the rest of the lifecycle to a monitor.
type Master struct {
	Tasks      domain.TaskRepository
	Subtasks   domain.SubtaskRepository
	Admission  Admission
	Dispatcher Dispatcher
	Notifier   domain.Notifier
	Spawn      MonitorSpawner
	Cfg        config.Config
}

// NewMaster constructs a Master.
func NewMaster(tasks domain.TaskRepository, subs domain.SubtaskRepository, adm Admission, d Dispatcher, n domain.Notifier, spawn MonitorSpawner, cfg config.Config) Master {
	return Master{Tasks: tasks, Subtasks: subs, Admission: adm, Dispatcher: d, Notifier: n, Spawn: spawn, Cfg: cfg}
}

// Handle processes one master message. The task and its subtasks are already
// persisted by the submitter; redeliveries of tasks that moved on are acked
// without work, and a task found processing only gets its monitor respawned.
func (m Master) Handle(ctx domain.Context, taskID string) error {
	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Error("master message for unknown task", slog.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("op=master.load: %w", err)
	}

	switch task.Status {
	case domain.TaskProcessing:
		slog.Info("task already processing, ensuring monitor", slog.String("task_id", taskID))
		m.Spawn(taskID)
		return nil
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		slog.Info("master message for finished task",
			slog.String("task_id", taskID), slog.String("status", string(task.Status)))
		return nil
	}

	result, err := m.Admission.Await(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=master.admission: %w", err)
	}
	switch result {
	case AdmissionCancelled:
		return nil
	case AdmissionTimeout:
		m.failTask(ctx, &task, "等待执行槽位超时，无法执行任务", "任务等待执行槽位超时")
		return nil
	}

	ok, err := m.Tasks.TransitionStatus(ctx, taskID, domain.TaskPending, domain.TaskProcessing, nil)
	if err != nil {
		return fmt.Errorf("op=master.transition: %w", err)
	}
	if !ok {
		slog.Info("task left pending while slot was granted", slog.String("task_id", taskID))
		return nil
	}

	subs, err := m.Subtasks.ListByTask(ctx, taskID)
	if err != nil {
		m.failTask(ctx, &task, "加载子任务失败: "+err.Error(), "任务提交失败")
		return fmt.Errorf("op=master.list_subtasks: %w", err)
	}
	if err := m.Dispatcher.Dispatch(ctx, subs); err != nil {
		m.failTask(ctx, &task, "子任务入队失败: "+err.Error(), "任务提交失败")
		return fmt.Errorf("op=master.dispatch: %w", err)
	}

	normal, lumina := 0, 0
	for i := range subs {
		if subs[i].IsLumina {
			lumina++
		} else {
			normal++
		}
	}
	slog.Info("task dispatched",
		slog.String("task_id", taskID),
		slog.Int("subtasks", len(subs)),
		slog.Int("normal", normal),
		slog.Int("lumina", lumina))

	m.Notifier.Notify(ctx, domain.TaskEvent{
		Type:     domain.EventTaskProcessing,
		TaskID:   task.ID,
		TaskName: task.Name,
		Username: task.Username,
		Message:  "任务已开始处理",
		Details: []domain.EventDetail{
			{Key: "子任务数量", Value: fmt.Sprint(len(subs))},
			{Key: "普通子任务数", Value: fmt.Sprint(normal)},
			{Key: "Lumina子任务数", Value: fmt.Sprint(lumina)},
		},
	})

	m.Spawn(taskID)
	return nil
}

// failTask closes the task as failed and fires the failure notification.
func (m Master) failTask(ctx domain.Context, task *domain.Task, errMsg, message string) {
	now := time.Now().UTC()
	if err := m.Tasks.UpdateStatus(ctx, task.ID, domain.TaskFailed, &now); err != nil {
		slog.Error("failed to mark task failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	observability.FinishTask(string(domain.TaskFailed))
	slog.Warn("task failed before dispatch completed",
		slog.String("task_id", task.ID), slog.String("reason", errMsg))

	m.Notifier.Notify(ctx, domain.TaskEvent{
		Type:     domain.EventTaskFailed,
		TaskID:   task.ID,
		TaskName: task.Name,
		Username: task.Username,
		Message:  message,
		Details:  []domain.EventDetail{{Key: "错误信息", Value: errMsg}},
	})
}
