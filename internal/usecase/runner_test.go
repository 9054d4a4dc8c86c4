package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/domain/mocks"
	"github.com/talesofai/nietest/internal/usecase"
	"github.com/talesofai/nietest/pkg/aspect"
)

func pendingSubtask() domain.Subtask {
	seed := int64(7)
	return domain.Subtask{
		ID:     "sub-1",
		TaskID: "task-1",
		Status: domain.SubtaskPending,
		Prompts: []domain.Prompt{
			{Type: domain.PromptFreetext, Value: "a quiet harbor", Weight: 1},
		},
		Ratio:           "16:9",
		Seed:            &seed,
		UsePolish:       true,
		BatchSize:       1,
		VariableIndices: []int{1, 0},
	}
}

func detailValue(details []domain.EventDetail, key string) string {
	for _, d := range details {
		if d.Key == key {
			return d.Value
		}
	}
	return ""
}

func TestRunnerRun_Success(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkCompleted", mock.Anything, "sub-1", "https://cdn.example.com/out.png").
		Return(nil).Once()

	var req domain.GenerationRequest
	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Run(func(args mock.Arguments) { req = args.Get(1).(domain.GenerationRequest) }).
		Return(domain.GenerationResult{ImageURL: "https://cdn.example.com/out.png", SeedUsed: 7}, nil).
		Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").
		Return(domain.Task{ID: "task-1", Name: "harbor grid", Username: "alice"}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	require.NoError(t, r.Run(context.Background(), "sub-1", 0))

	wantW, wantH := aspect.Dimensions("16:9")
	assert.Equal(t, wantW, req.Width)
	assert.Equal(t, wantH, req.Height)
	require.NotNil(t, req.Seed)
	assert.Equal(t, int64(7), *req.Seed)
	assert.True(t, req.UsePolish)
	assert.False(t, req.IsLumina)
	assert.Equal(t, sub.Prompts, req.Prompts)

	assert.Equal(t, domain.EventTaskCompleted, ev.Type)
	assert.Equal(t, "子任务已完成", ev.Message)
	assert.Equal(t, "harbor grid", ev.TaskName)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "https://cdn.example.com/out.png", detailValue(ev.Details, "图像URL"))
	assert.Equal(t, "7", detailValue(ev.Details, "随机种子"))
	assert.Equal(t, "[1 0]", detailValue(ev.Details, "变量索引"))
	assert.Equal(t, "否", detailValue(ev.Details, "是否Lumina"))
}

func TestRunnerRun_LuminaOverrides(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	sub.IsLumina = true
	model := "lumina-v2"
	cfg := 5.5
	step := 30
	sub.LuminaModelName = &model
	sub.LuminaCfg = &cfg
	sub.LuminaStep = &step

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkCompleted", mock.Anything, "sub-1", "https://cdn.example.com/l.png").
		Return(nil).Once()

	var req domain.GenerationRequest
	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Run(func(args mock.Arguments) { req = args.Get(1).(domain.GenerationRequest) }).
		Return(domain.GenerationResult{ImageURL: "https://cdn.example.com/l.png", SeedUsed: 1}, nil).
		Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{ID: "task-1"}, nil).Once()
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	require.NoError(t, r.Run(context.Background(), "sub-1", 0))

	assert.True(t, req.IsLumina)
	assert.Equal(t, "lumina-v2", req.LuminaModelName)
	assert.InDelta(t, 5.5, req.LuminaCfg, 1e-9)
	assert.Equal(t, 30, req.LuminaStep)
}

func TestRunnerRun_MissingSubtaskAcked(t *testing.T) {
	t.Parallel()

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "gone").Return(domain.Subtask{}, domain.ErrNotFound).Once()

	r := usecase.NewRunner(
		mocks.NewMockTaskRepository(t),
		subs,
		mocks.NewMockImageGenerator(t),
		mocks.NewMockNotifier(t),
	)
	require.NoError(t, r.Run(context.Background(), "gone", 0))
}

func TestRunnerRun_StaleClaimDropped(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	sub.Status = domain.SubtaskCompleted

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(false, nil).Once()

	r := usecase.NewRunner(
		mocks.NewMockTaskRepository(t),
		subs,
		mocks.NewMockImageGenerator(t),
		mocks.NewMockNotifier(t),
	)
	require.NoError(t, r.Run(context.Background(), "sub-1", 0))
}

func TestRunnerRun_RedeliveryReclaims(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	sub.Status = domain.SubtaskFailed

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 2).Return(true, nil).Once()
	subs.On("MarkCompleted", mock.Anything, "sub-1", "https://cdn.example.com/r.png").
		Return(nil).Once()

	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Return(domain.GenerationResult{ImageURL: "https://cdn.example.com/r.png", SeedUsed: 3}, nil).
		Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{ID: "task-1"}, nil).Once()
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	require.NoError(t, r.Run(context.Background(), "sub-1", 2))
}

func TestRunnerRun_RetryableFailurePropagates(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	genErr := &domain.GenerationError{Kind: domain.GenRetryable, Message: "upstream 502"}

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkFailed", mock.Anything, "sub-1", "图像生成失败: retryable: upstream 502").
		Return(nil).Once()

	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Return(domain.GenerationResult{}, genErr).Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{ID: "task-1"}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	err := r.Run(context.Background(), "sub-1", 0)
	require.ErrorIs(t, err, genErr)

	assert.Equal(t, domain.EventTaskFailed, ev.Type)
	assert.Equal(t, "子任务失败", ev.Message)
	assert.Equal(t, "否", detailValue(ev.Details, "是否内容不合规"))
	assert.Equal(t, "其他错误", detailValue(ev.Details, "错误类型"))
}

func TestRunnerRun_CensoredFailure(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	genErr := &domain.GenerationError{Kind: domain.GenContentCensored, Message: "ILLEGAL_IMAGE"}

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkFailed", mock.Anything, "sub-1", mock.AnythingOfType("string")).Return(nil).Once()

	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Return(domain.GenerationResult{}, genErr).Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{ID: "task-1"}, nil).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	err := r.Run(context.Background(), "sub-1", 0)
	require.ErrorIs(t, err, genErr)

	assert.Equal(t, "是", detailValue(ev.Details, "是否内容不合规"))
	assert.Equal(t, "内容不合规", detailValue(ev.Details, "错误类型"))
}

func TestRunnerRun_FailureEventWithoutParentTask(t *testing.T) {
	t.Parallel()

	sub := pendingSubtask()
	genErr := &domain.GenerationError{Kind: domain.GenFatal, Message: "bad request"}

	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(sub, nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkFailed", mock.Anything, "sub-1", mock.AnythingOfType("string")).Return(nil).Once()

	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Return(domain.GenerationResult{}, genErr).Once()

	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{}, errors.New("db down")).Once()

	var ev domain.TaskEvent
	notifier := mocks.NewMockNotifier(t)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("domain.TaskEvent")).
		Run(func(args mock.Arguments) { ev = args.Get(1).(domain.TaskEvent) }).
		Return().Once()

	r := usecase.NewRunner(tasks, subs, gen, notifier)
	require.Error(t, r.Run(context.Background(), "sub-1", 0))

	assert.Equal(t, "task-1", ev.TaskID)
	assert.Empty(t, ev.TaskName, "event still fires when the parent lookup fails")
}

func TestRunnerRun_ClaimError(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("db down")
	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(pendingSubtask(), nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(false, dbErr).Once()

	r := usecase.NewRunner(
		mocks.NewMockTaskRepository(t),
		subs,
		mocks.NewMockImageGenerator(t),
		mocks.NewMockNotifier(t),
	)
	require.ErrorIs(t, r.Run(context.Background(), "sub-1", 0), dbErr)
}

func TestRunnerRun_MarkCompletedError(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("db down")
	subs := mocks.NewMockSubtaskRepository(t)
	subs.On("Get", mock.Anything, "sub-1").Return(pendingSubtask(), nil).Once()
	subs.On("Claim", mock.Anything, "sub-1", 0).Return(true, nil).Once()
	subs.On("MarkCompleted", mock.Anything, "sub-1", mock.AnythingOfType("string")).
		Return(dbErr).Once()

	gen := mocks.NewMockImageGenerator(t)
	gen.On("Generate", mock.Anything, mock.AnythingOfType("domain.GenerationRequest")).
		Return(domain.GenerationResult{ImageURL: "https://cdn.example.com/x.png"}, nil).Once()

	r := usecase.NewRunner(
		mocks.NewMockTaskRepository(t),
		subs,
		gen,
		mocks.NewMockNotifier(t),
	)
	require.ErrorIs(t, r.Run(context.Background(), "sub-1", 0), dbErr)
}
