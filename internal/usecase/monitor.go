package usecase

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// cancelReason is stamped on subtasks swept up by cancellation cleanup.
const cancelReason = "parent task cancelled"

// Monitor watches one processing task until it reaches a terminal state:
// it rolls subtask counts into the task's progress fields, decides the final
// status once every subtask is terminal, and runs cancellation cleanup when
// the task is cancelled underneath it.
type Monitor struct {
	Tasks    domain.TaskRepository
	Subtasks domain.SubtaskRepository
	Broker   domain.Broker
	Notifier domain.Notifier
	Cfg      config.Config
}

// NewMonitor constructs a Monitor.
func NewMonitor(tasks domain.TaskRepository, subs domain.SubtaskRepository, b domain.Broker, n domain.Notifier, cfg config.Config) Monitor {
	return Monitor{Tasks: tasks, Subtasks: subs, Broker: b, Notifier: n, Cfg: cfg}
}

// Watch polls every MonitorInterval until the task closes out or the context
// ends. Transient repository errors are logged and retried on the next tick.
func (m Monitor) Watch(ctx domain.Context, taskID string) {
	slog.Info("task monitor started", slog.String("task_id", taskID))
	for {
		if m.tick(ctx, taskID) {
			slog.Info("task monitor stopped", slog.String("task_id", taskID))
			return
		}
		select {
		case <-ctx.Done():
			slog.Info("task monitor interrupted", slog.String("task_id", taskID))
			return
		case <-time.After(m.Cfg.MonitorInterval):
		}
	}
}

// tick runs one observation round; it reports true when monitoring is done.
func (m Monitor) tick(ctx domain.Context, taskID string) bool {
	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("monitored task disappeared", slog.String("task_id", taskID))
			return true
		}
		slog.Warn("monitor failed to load task", slog.String("task_id", taskID), slog.Any("error", err))
		return false
	}

	switch task.Status {
	case domain.TaskCancelled:
		m.cleanup(ctx, &task)
		return true
	case domain.TaskCompleted, domain.TaskFailed:
		return true
	}

	counts, err := m.Subtasks.Counts(ctx, taskID)
	if err != nil {
		slog.Warn("monitor failed to count subtasks", slog.String("task_id", taskID), slog.Any("error", err))
		return false
	}
	if counts.Total == 0 {
		slog.Warn("monitored task has no subtasks", slog.String("task_id", taskID))
		return false
	}

	processed := counts.Processed()
	progress := 0
	if task.TotalImages > 0 {
		progress = processed * 100 / task.TotalImages
	}
	if err := m.Tasks.UpdateProgress(ctx, taskID, processed, progress, counts.Completed, counts.Failed); err != nil {
		slog.Warn("monitor failed to persist progress", slog.String("task_id", taskID), slog.Any("error", err))
	}
	slog.Debug("task progress updated",
		slog.String("task_id", taskID),
		slog.Int("processed", processed), slog.Int("total", counts.Total),
		slog.Int("progress", progress))

	if processed != counts.Total {
		return false
	}
	m.closeOut(ctx, &task, counts)
	return true
}

// closeOut decides the terminal status once every subtask is terminal:
// all failed → failed; all cancelled → cancelled; any completed → completed
// (partial when failures exist); a failed/cancelled mix → failed.
func (m Monitor) closeOut(ctx domain.Context, task *domain.Task, counts domain.SubtaskCounts) {
	var (
		status  domain.TaskStatus
		event   domain.EventType
		message string
		details []domain.EventDetail
	)
	frac := func(n int) string { return fmt.Sprintf("%d/%d", n, counts.Total) }

	switch {
	case counts.Failed == counts.Total:
		status, event = domain.TaskFailed, domain.EventTaskFailed
		message = "所有子任务均失败，请检查任务配置和服务状态"
		details = []domain.EventDetail{
			{Key: "失败数", Value: frac(counts.Failed)},
			{Key: "失败阶段", Value: "任务执行阶段"},
		}
	case counts.Cancelled == counts.Total:
		status, event = domain.TaskCancelled, domain.EventTaskCancelled
		message = "所有子任务均被取消"
		details = []domain.EventDetail{
			{Key: "取消数", Value: frac(counts.Cancelled)},
		}
	case counts.Completed > 0 && counts.Failed > 0:
		status, event = domain.TaskCompleted, domain.EventTaskPartialCompleted
		message = "任务已部分完成，但有部分子任务失败"
		details = []domain.EventDetail{
			{Key: "成功数", Value: frac(counts.Completed)},
			{Key: "失败数", Value: frac(counts.Failed)},
			{Key: "生成图片数", Value: fmt.Sprint(counts.Completed)},
		}
	case counts.Completed > 0:
		status, event = domain.TaskCompleted, domain.EventTaskCompleted
		message = "所有任务已成功完成"
		details = []domain.EventDetail{
			{Key: "完成数", Value: frac(counts.Completed)},
			{Key: "生成图片数", Value: fmt.Sprint(counts.Completed)},
		}
	default:
		// Nothing completed: some failed, some cancelled.
		status, event = domain.TaskFailed, domain.EventTaskFailed
		message = "任务执行失败，所有子任务都是失败或取消状态"
		details = []domain.EventDetail{
			{Key: "失败数", Value: frac(counts.Failed)},
			{Key: "取消数", Value: frac(counts.Cancelled)},
		}
	}

	now := time.Now().UTC()
	ok, err := m.Tasks.TransitionStatus(ctx, task.ID, domain.TaskProcessing, status, &now)
	if err != nil {
		slog.Error("monitor failed to close out task",
			slog.String("task_id", task.ID), slog.String("status", string(status)), slog.Any("error", err))
		return
	}
	if !ok {
		slog.Info("task already closed elsewhere", slog.String("task_id", task.ID))
		return
	}
	observability.FinishTask(string(status))
	slog.Info("task closed out",
		slog.String("task_id", task.ID),
		slog.String("status", string(status)),
		slog.Int("completed", counts.Completed),
		slog.Int("failed", counts.Failed),
		slog.Int("cancelled", counts.Cancelled))

	m.Notifier.Notify(ctx, domain.TaskEvent{
		Type:     event,
		TaskID:   task.ID,
		TaskName: task.Name,
		Username: task.Username,
		Message:  message,
		Details:  details,
	})
}

// cleanup handles a task cancelled mid-flight: scrub undelivered messages for
// still-pending subtasks from both subtask queues (ready and delayed
// variants), then cancel those rows in one statement. Processing subtasks are
// left to finish naturally.
func (m Monitor) cleanup(ctx domain.Context, task *domain.Task) {
	subs, err := m.Subtasks.ListByTask(ctx, task.ID)
	if err != nil {
		slog.Error("cleanup failed to list subtasks", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}

	var pendingIDs [][]byte
	processing := 0
	for i := range subs {
		switch subs[i].Status {
		case domain.SubtaskPending:
			pendingIDs = append(pendingIDs, []byte(subs[i].ID))
		case domain.SubtaskProcessing:
			processing++
		}
	}

	scrubbed := 0
	if len(pendingIDs) > 0 {
		match := func(body []byte) bool {
			for _, id := range pendingIDs {
				if bytes.Contains(body, id) {
					return true
				}
			}
			return false
		}
		for _, q := range []string{m.Cfg.SubtaskQueue, m.Cfg.SubtaskOpsQueue} {
			n, err := m.Broker.Scrub(ctx, q, match)
			if err != nil {
				slog.Warn("queue scrub failed", slog.String("queue", q), slog.Any("error", err))
				continue
			}
			scrubbed += n
		}
	}

	cancelled, err := m.Subtasks.CancelPending(ctx, task.ID, cancelReason)
	if err != nil {
		slog.Error("cleanup failed to cancel pending subtasks",
			slog.String("task_id", task.ID), slog.Any("error", err))
	}

	slog.Info("cancellation cleanup finished",
		slog.String("task_id", task.ID),
		slog.Int("pending", len(pendingIDs)),
		slog.Int("processing", processing),
		slog.Int("scrubbed", scrubbed),
		slog.Int64("cancelled_rows", cancelled))

	m.Notifier.Notify(ctx, domain.TaskEvent{
		Type:     domain.EventTaskCancelled,
		TaskID:   task.ID,
		TaskName: task.Name,
		Username: task.Username,
		Message:  "任务已取消，相关子任务已清理",
		Details: []domain.EventDetail{
			{Key: "清理的等待任务数", Value: fmt.Sprint(len(pendingIDs))},
			{Key: "处理中任务数", Value: fmt.Sprint(processing)},
			{Key: "Redis清理数", Value: fmt.Sprint(scrubbed)},
			{Key: "数据库更新数", Value: fmt.Sprint(cancelled)},
		},
	})
}
