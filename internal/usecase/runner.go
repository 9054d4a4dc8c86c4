package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/pkg/aspect"
)

// Runner drives one subtask per broker delivery: claim the row, call the
// image API, persist the terminal state, fire the notification. Retryable
// failures are returned to the consumer, which owns the requeue decision.
type Runner struct {
	Tasks     domain.TaskRepository
	Subtasks  domain.SubtaskRepository
	Generator domain.ImageGenerator
	Notifier  domain.Notifier
}

// NewRunner constructs a Runner.
func NewRunner(tasks domain.TaskRepository, subs domain.SubtaskRepository, g domain.ImageGenerator, n domain.Notifier) Runner {
	return Runner{Tasks: tasks, Subtasks: subs, Generator: g, Notifier: n}
}

// Run processes a single delivery of the given subtask. retryCount is the
// broker's redelivery counter; stale deliveries (row already terminal, or
// cancelled while the message sat in the queue) are acked without work.
func (r Runner) Run(ctx domain.Context, subtaskID string, retryCount int) error {
	sub, err := r.Subtasks.Get(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Error("subtask missing, dropping delivery", slog.String("subtask_id", subtaskID))
			return nil
		}
		return fmt.Errorf("op=runner.load: %w", err)
	}

	claimed, err := r.Subtasks.Claim(ctx, subtaskID, retryCount)
	if err != nil {
		return fmt.Errorf("op=runner.claim: %w", err)
	}
	if !claimed {
		slog.Info("subtask no longer claimable, dropping delivery",
			slog.String("subtask_id", subtaskID),
			slog.String("status", string(sub.Status)),
			slog.Int("retry_count", retryCount))
		return nil
	}
	observability.StartSubtask()

	width, height := aspect.Dimensions(sub.Ratio)
	slog.Info("subtask started",
		slog.String("subtask_id", subtaskID),
		slog.String("task_id", sub.TaskID),
		slog.String("ratio", sub.Ratio),
		slog.Int("width", width), slog.Int("height", height),
		slog.Bool("is_lumina", sub.IsLumina),
		slog.Int("retry_count", retryCount))

	req := domain.GenerationRequest{
		Prompts:   sub.Prompts,
		Width:     width,
		Height:    height,
		Seed:      sub.Seed,
		UsePolish: sub.UsePolish,
		IsLumina:  sub.IsLumina,
	}
	if sub.LuminaModelName != nil {
		req.LuminaModelName = *sub.LuminaModelName
	}
	if sub.LuminaCfg != nil {
		req.LuminaCfg = *sub.LuminaCfg
	}
	if sub.LuminaStep != nil {
		req.LuminaStep = *sub.LuminaStep
	}

	res, genErr := r.Generator.Generate(ctx, req)
	if genErr != nil {
		return r.fail(ctx, sub, genErr)
	}

	if err := r.Subtasks.MarkCompleted(ctx, subtaskID, res.ImageURL); err != nil {
		observability.FinishSubtask(string(domain.SubtaskFailed))
		return fmt.Errorf("op=runner.mark_completed: %w", err)
	}
	observability.FinishSubtask(string(domain.SubtaskCompleted))
	slog.Info("subtask completed",
		slog.String("subtask_id", subtaskID),
		slog.String("image_url", res.ImageURL),
		slog.Int64("seed_used", res.SeedUsed))

	r.notify(ctx, sub, domain.EventTaskCompleted, "子任务已完成", []domain.EventDetail{
		{Key: "子任务ID", Value: subtaskID},
		{Key: "图像URL", Value: res.ImageURL},
		{Key: "随机种子", Value: strconv.FormatInt(res.SeedUsed, 10)},
		{Key: "变量索引", Value: fmt.Sprintf("%v", sub.VariableIndices)},
		{Key: "是否Lumina", Value: yesNo(sub.IsLumina)},
	})
	return nil
}

// fail persists the failed state and propagates the generation error so the
// consumer can requeue retryable ones. Content-censored failures are terminal
// regardless of the retry budget.
func (r Runner) fail(ctx domain.Context, sub domain.Subtask, genErr error) error {
	errMsg := "图像生成失败: " + genErr.Error()
	censored := false
	if ge, ok := domain.AsGenerationError(genErr); ok {
		censored = ge.Kind == domain.GenContentCensored
	}

	if err := r.Subtasks.MarkFailed(ctx, sub.ID, errMsg); err != nil {
		slog.Error("failed to persist subtask failure",
			slog.String("subtask_id", sub.ID), slog.Any("error", err))
	}
	observability.FinishSubtask(string(domain.SubtaskFailed))
	slog.Error("subtask failed",
		slog.String("subtask_id", sub.ID),
		slog.String("task_id", sub.TaskID),
		slog.Bool("censored", censored),
		slog.Any("error", genErr))

	errType := "其他错误"
	if censored {
		errType = "内容不合规"
	}
	r.notify(ctx, sub, domain.EventTaskFailed, "子任务失败", []domain.EventDetail{
		{Key: "子任务ID", Value: sub.ID},
		{Key: "错误信息", Value: errMsg},
		{Key: "变量索引", Value: fmt.Sprintf("%v", sub.VariableIndices)},
		{Key: "是否内容不合规", Value: yesNo(censored)},
		{Key: "错误类型", Value: errType},
	})
	return genErr
}

// notify resolves the parent task for name and submitter and fires the event.
// A missing parent never blocks the runner; the event just carries less.
func (r Runner) notify(ctx domain.Context, sub domain.Subtask, t domain.EventType, message string, details []domain.EventDetail) {
	ev := domain.TaskEvent{
		Type:    t,
		TaskID:  sub.TaskID,
		Message: message,
		Details: details,
	}
	if task, err := r.Tasks.Get(ctx, sub.TaskID); err == nil {
		ev.TaskName = task.Name
		ev.Username = task.Username
	}
	r.Notifier.Notify(ctx, ev)
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}
