package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/domain/mocks"
	"github.com/talesofai/nietest/internal/usecase"
)

func monitorCfg() config.Config {
	return config.Config{
		MonitorInterval: time.Millisecond,
		SubtaskQueue:    "test_subtask",
		SubtaskOpsQueue: "test_subtask_ops",
	}
}

func processingTask() domain.Task {
	return domain.Task{
		ID:          "task-1",
		Name:        "grid",
		Username:    "alice",
		Status:      domain.TaskProcessing,
		TotalImages: 4,
	}
}

func TestMonitorWatch_ProgressThenCompleted(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(processingTask(), nil)
	tasks.On("UpdateProgress", mock.Anything, "task-1", 2, 50, 2, 0).Return(nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 4, 100, 4, 0).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskCompleted, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 4, Completed: 2, Processing: 2}, nil).Once()
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 4, Completed: 4}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskCompleted, ev.Type)
	assert.Equal(t, "所有任务已成功完成", ev.Message)
	assert.Equal(t, "grid", ev.TaskName)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "4/4", detailValue(ev.Details, "完成数"))
	assert.Equal(t, "4", detailValue(ev.Details, "生成图片数"))
}

func TestMonitorWatch_PartialCompletion(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 3

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 3, 100, 2, 1).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskCompleted, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 3, Completed: 2, Failed: 1}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskPartialCompleted, ev.Type)
	assert.Equal(t, "任务已部分完成，但有部分子任务失败", ev.Message)
	assert.Equal(t, "2/3", detailValue(ev.Details, "成功数"))
	assert.Equal(t, "1/3", detailValue(ev.Details, "失败数"))
	assert.Equal(t, "2", detailValue(ev.Details, "生成图片数"))
}

func TestMonitorWatch_AllFailed(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 2

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 2, 100, 0, 2).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskFailed, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 2, Failed: 2}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskFailed, ev.Type)
	assert.Equal(t, "所有子任务均失败，请检查任务配置和服务状态", ev.Message)
	assert.Equal(t, "2/2", detailValue(ev.Details, "失败数"))
	assert.Equal(t, "任务执行阶段", detailValue(ev.Details, "失败阶段"))
}

func TestMonitorWatch_AllSubtasksCancelled(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 2

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 2, 100, 0, 0).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskCancelled, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 2, Cancelled: 2}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskCancelled, ev.Type)
	assert.Equal(t, "所有子任务均被取消", ev.Message)
	assert.Equal(t, "2/2", detailValue(ev.Details, "取消数"))
}

func TestMonitorWatch_FailedCancelledMix(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 3

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 3, 100, 0, 2).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskFailed, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 3, Failed: 2, Cancelled: 1}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskFailed, ev.Type)
	assert.Equal(t, "任务执行失败，所有子任务都是失败或取消状态", ev.Message)
	assert.Equal(t, "2/3", detailValue(ev.Details, "失败数"))
	assert.Equal(t, "1/3", detailValue(ev.Details, "取消数"))
}

func TestMonitorWatch_CancelledTaskCleanup(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.Status = domain.TaskCancelled

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("ListByTask", mock.Anything, "task-1").Return([]domain.Subtask{
		{ID: "sub-pending-1", Status: domain.SubtaskPending},
		{ID: "sub-processing-1", Status: domain.SubtaskProcessing},
		{ID: "sub-done-1", Status: domain.SubtaskCompleted},
	}, nil).Once()
	subs.On("CancelPending", mock.Anything, "task-1", "parent task cancelled").
		Return(int64(1), nil).Once()

	broker := mocks.NewMockBroker(t)
	broker.On("Scrub", mock.Anything, "test_subtask", mock.AnythingOfType("func([]uint8) bool")).
		Run(func(args mock.Arguments) {
			match := args.Get(2).(func([]byte) bool)
			assert.True(t, match([]byte(`{"kwargs":{"subtask_id":"sub-pending-1"}}`)))
			assert.False(t, match([]byte(`{"kwargs":{"subtask_id":"sub-processing-1"}}`)),
				"processing rows are left to finish")
			assert.False(t, match([]byte(`{"kwargs":{"subtask_id":"sub-done-1"}}`)))
		}).
		Return(1, nil).Once()
	broker.On("Scrub", mock.Anything, "test_subtask_ops", mock.AnythingOfType("func([]uint8) bool")).
		Return(0, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	m := usecase.NewMonitor(tasks, subs, broker, notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")

	assert.Equal(t, domain.EventTaskCancelled, ev.Type)
	assert.Equal(t, "任务已取消，相关子任务已清理", ev.Message)
	assert.Equal(t, "1", detailValue(ev.Details, "清理的等待任务数"))
	assert.Equal(t, "1", detailValue(ev.Details, "处理中任务数"))
	assert.Equal(t, "1", detailValue(ev.Details, "Redis清理数"))
	assert.Equal(t, "1", detailValue(ev.Details, "数据库更新数"))
}

func TestMonitorWatch_CleanupWithoutPending(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.Status = domain.TaskCancelled

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("ListByTask", mock.Anything, "task-1").Return([]domain.Subtask{
		{ID: "sub-done-1", Status: domain.SubtaskCompleted},
	}, nil).Once()
	subs.On("CancelPending", mock.Anything, "task-1", "parent task cancelled").
		Return(int64(0), nil).Once()

	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).Return().Once()

	// No pending rows means no scrub calls at all.
	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")
}

func TestMonitorWatch_AlreadyTerminal(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.Status = domain.TaskCompleted

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()

	m := usecase.NewMonitor(tasks, mocks.NewMockSubtaskRepository(t),
		mocks.NewMockBroker(t), mocks.NewMockNotifier(t), monitorCfg())
	m.Watch(context.Background(), "task-1")
}

func TestMonitorWatch_TaskGone(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{}, domain.ErrNotFound).Once()

	m := usecase.NewMonitor(tasks, mocks.NewMockSubtaskRepository(t),
		mocks.NewMockBroker(t), mocks.NewMockNotifier(t), monitorCfg())
	m.Watch(context.Background(), "task-1")
}

func TestMonitorWatch_LostCloseOutRace(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 1

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 1, 100, 1, 0).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskCompleted, mock.AnythingOfType("*time.Time")).
		Return(false, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 1, Completed: 1}, nil).Once()

	// Losing the transition race means someone else closed the task; no
	// notification is sent from here.
	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t),
		mocks.NewMockNotifier(t), monitorCfg())
	m.Watch(context.Background(), "task-1")
}

func TestMonitorWatch_ContextStopsPolling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(processingTask(), nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 1, 25, 1, 0).Return(nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 4, Completed: 1, Processing: 3}, nil).Once()

	cfg := monitorCfg()
	cfg.MonitorInterval = time.Hour

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t),
		mocks.NewMockNotifier(t), cfg)
	m.Watch(ctx, "task-1")
}

func TestMonitorWatch_TransientLoadErrorRetries(t *testing.T) {
	t.Parallel()

	task := processingTask()
	task.TotalImages = 1

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{}, errors.New("db down")).Once()
	tasks.On("Get", mock.Anything, "task-1").Return(task, nil).Once()
	tasks.On("UpdateProgress", mock.Anything, "task-1", 1, 100, 1, 0).Return(nil).Once()
	tasks.On("TransitionStatus", mock.Anything, "task-1",
		domain.TaskProcessing, domain.TaskCompleted, mock.AnythingOfType("*time.Time")).
		Return(true, nil).Once()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Counts", mock.Anything, "task-1").
		Return(domain.SubtaskCounts{Total: 1, Completed: 1}, nil).Once()

	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).Return().Once()

	m := usecase.NewMonitor(tasks, subs, mocks.NewMockBroker(t), notifier, monitorCfg())
	m.Watch(context.Background(), "task-1")
}
