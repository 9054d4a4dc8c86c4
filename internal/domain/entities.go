package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrSpecInvalid      = errors.New("spec invalid")
	ErrAdmissionTimeout = errors.New("admission timeout")
	ErrInternal         = errors.New("internal error")
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskProcessing SubtaskStatus = "processing"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskCancelled  SubtaskStatus = "cancelled"
)

func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// VariableDimension records one active variable of a task, in dispatch order.
// DimensionIndex is the position within the task's ordered list of active
// variables and doubles as the index into Subtask.VariableIndices.
type VariableDimension struct {
	VariableID     string `json:"variable_id"`
	DimensionIndex int    `json:"dimension_index"`
	VariableName   string `json:"variable_name"`
	VariableType   string `json:"variable_type"`
}

// VariableEntry is the UI-facing description of one dimension, stored on the
// task keyed by the decimal dimension index.
type VariableEntry struct {
	VariableID   string `json:"variable_id"`
	VariableName string `json:"variable_name"`
	VariableType string `json:"variable_type"`
	Values       []any  `json:"values"`
	ValuesCount  int    `json:"values_count"`
}

// Task is a persisted generation batch: the submitted parameter space plus
// derived expansion metadata and rollup counters maintained by the monitor.
type Task struct {
	ID       string
	Name     string
	UserID   string
	Username string
	Status   TaskStatus
	Priority int

	Prompts         []Prompt
	Ratio           TaskParameter
	Seed            TaskParameter
	BatchSize       TaskParameter
	UsePolish       TaskParameter
	IsLumina        TaskParameter
	LuminaModelName TaskParameter
	LuminaCfg       TaskParameter
	LuminaStep      TaskParameter

	TotalImages       int
	ProcessedImages   int
	Progress          int
	CompletedSubtasks int
	FailedSubtasks    int

	Variables    []VariableDimension
	VariablesMap map[string]VariableEntry

	IsFavorite bool
	IsDeleted  bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// LuminaTask reports whether the task routes through the Lumina pipeline:
// either the is_lumina slot is itself a variable, or its constant value is
// true. Variable slots count because at least one coordinate will be Lumina.
func (t *Task) LuminaTask() bool {
	if t.IsLumina.IsVariable {
		return true
	}
	b, err := CoerceBool(t.IsLumina.Value)
	return err == nil && b
}

// Subtask is one concrete coordinate of a task: every slot materialized to a
// scalar, every variable prompt substituted.
type Subtask struct {
	ID     string
	TaskID string
	Status SubtaskStatus

	VariableIndices []int
	Prompts         []Prompt

	Ratio           string
	Seed            *int64
	UsePolish       bool
	BatchSize       int
	IsLumina        bool
	LuminaModelName *string
	LuminaCfg       *float64
	LuminaStep      *int

	TimeoutRetryCount int
	ErrorRetryCount   int
	Error             *string
	Result            *string

	Rating     int
	Evaluation []string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SubtaskCounts is a per-status rollup over one task's subtasks.
type SubtaskCounts struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Processed counts subtasks that reached a terminal state.
func (c SubtaskCounts) Processed() int {
	return c.Completed + c.Failed + c.Cancelled
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskFilter narrows task listings and stats. Nil pointer fields are
// unconstrained; Deleted nil defaults to excluding soft-deleted tasks at the
// repository level.
type TaskFilter struct {
	Status       *TaskStatus
	Username     string
	NameContains string
	Favorite     *bool
	Deleted      *bool
	MinImages    *int
	MaxImages    *int
	StartDate    *time.Time
	EndDate      *time.Time
}

type TaskStats struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Processing int64 `json:"processing"`
	Pending    int64 `json:"pending"`
}

// Repositories (ports)

//go:generate mockery --name=TaskRepository --output=mocks --outpkg=mocks --structname=MockTaskRepository --filename=task_repository.go
//go:generate mockery --name=SubtaskRepository --output=mocks --outpkg=mocks --structname=MockSubtaskRepository --filename=subtask_repository.go
//go:generate mockery --name=UserRepository --output=mocks --outpkg=mocks --structname=MockUserRepository --filename=user_repository.go
//go:generate mockery --name=Broker --output=mocks --outpkg=mocks --structname=MockBroker --filename=broker.go
//go:generate mockery --name=ImageGenerator --output=mocks --outpkg=mocks --structname=MockImageGenerator --filename=image_generator.go
//go:generate mockery --name=Notifier --output=mocks --outpkg=mocks --structname=MockNotifier --filename=notifier.go

type TaskRepository interface {
	Create(ctx Context, t Task) error
	Get(ctx Context, id string) (Task, error)
	List(ctx Context, f TaskFilter, page, pageSize int) ([]Task, int64, error)
	Stats(ctx Context, f TaskFilter) (TaskStats, error)
	ListByStatus(ctx Context, status TaskStatus) ([]Task, error)
	// TransitionStatus flips status only when the stored value matches from;
	// completedAt, when non-nil, is written alongside. Returns false when the
	// task was in another state.
	TransitionStatus(ctx Context, id string, from, to TaskStatus, completedAt *time.Time) (bool, error)
	UpdateStatus(ctx Context, id string, status TaskStatus, completedAt *time.Time) error
	UpdateProgress(ctx Context, id string, processed, progress, completed, failed int) error
	ToggleFavorite(ctx Context, id string) (bool, error)
	ToggleDeleted(ctx Context, id string) (bool, error)
}

type SubtaskRepository interface {
	CreateBatch(ctx Context, subs []Subtask) error
	Get(ctx Context, id string) (Subtask, error)
	ListByTask(ctx Context, taskID string) ([]Subtask, error)
	Counts(ctx Context, taskID string) (SubtaskCounts, error)
	// Claim moves the subtask to processing with started_at=now. First
	// deliveries succeed only from pending or processing; a redelivery
	// (retryCount > 0) may additionally reclaim a failed row. Completed and
	// cancelled rows are never reclaimed, so stale deliveries stay no-ops.
	// retryCount overwrites error_retry_count when non-zero.
	Claim(ctx Context, id string, retryCount int) (bool, error)
	MarkCompleted(ctx Context, id, result string) error
	MarkFailed(ctx Context, id, errMsg string) error
	// CancelPending cancels every still-pending subtask of the task, stamping
	// the given reason; rows already claimed by a worker are left alone.
	CancelPending(ctx Context, taskID, reason string) (int64, error)
	UpdateRating(ctx Context, id string, rating int) error
	UpdateEvaluation(ctx Context, id string, evaluation []string) error
}

type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByUsername(ctx Context, username string) (User, error)
}

// Broker (port)
//
// Enqueue publishes a dramatiq-compatible message for the named actor;
// non-zero delay routes through the delayed variant of the queue. Scrub
// removes every message of the logical queue (normal and delayed variants)
// matched by the predicate, returning the count removed.

type Broker interface {
	Enqueue(ctx Context, actor, queue string, kwargs map[string]any, delay time.Duration) (string, error)
	Scrub(ctx Context, queue string, match func([]byte) bool) (int, error)
}

// ImageGenerator (port)

type ImageGenerator interface {
	Generate(ctx Context, req GenerationRequest) (GenerationResult, error)
}

// Notifier (port)
// Implementations deliver asynchronously; Notify must not block the caller.

type Notifier interface {
	Notify(ctx Context, ev TaskEvent)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.

type Context = context.Context
