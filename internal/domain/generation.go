package domain

import (
	"errors"
	"strings"
	"time"
)

// GenerationErrorKind tags failures from the remote image API so the worker
// can pick a retry policy without parsing messages.
type GenerationErrorKind string

const (
	// GenRetryable covers transient upstream failures worth re-queueing.
	GenRetryable GenerationErrorKind = "retryable"
	// GenContentCensored marks prompts rejected by the upstream content
	// filter; retrying cannot succeed.
	GenContentCensored GenerationErrorKind = "content_censored"
	// GenFatal covers definitive upstream failures.
	GenFatal GenerationErrorKind = "fatal"
	// GenMaxAttempts means the polling budget ran out; treated as retryable.
	GenMaxAttempts GenerationErrorKind = "max_attempts"
)

type GenerationError struct {
	Kind    GenerationErrorKind
	Message string
}

func (e *GenerationError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Retryable reports whether re-queueing the subtask can help.
func (e *GenerationError) Retryable() bool {
	return e.Kind == GenRetryable || e.Kind == GenMaxAttempts
}

// AsGenerationError unwraps err to a *GenerationError if one is in the chain.
func AsGenerationError(err error) (*GenerationError, bool) {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// TimeoutMessage reports whether an error message describes a timeout; the
// worker keys the timeout retry counter off this.
func TimeoutMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "timeout")
}

// censorMarkers are the upstream content-filter fingerprints; 451 is the HTTP
// status the gateway uses for rejected prompts, the rest appear verbatim in
// upstream failure messages.
var censorMarkers = []string{"451", "ILLEGAL_IMAGE", "审核", "敏感", "违规", "不合规"}

// CensoredMessage reports whether a failure message indicates the content
// filter rejected the prompt. Such failures must never be retried.
func CensoredMessage(msg string) bool {
	for _, m := range censorMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// GenerationRequest is one concrete image job for the remote API. Prompts are
// fully materialized constants; Width and Height are already derived from the
// aspect ratio.
type GenerationRequest struct {
	Prompts         []Prompt
	Width           int
	Height          int
	Seed            *int64
	UsePolish       bool
	IsLumina        bool
	LuminaModelName string
	LuminaCfg       float64
	LuminaStep      int
}

type GenerationResult struct {
	ImageURL string
	SeedUsed int64
}

// EventType names task lifecycle notifications.
type EventType string

const (
	EventTaskSubmitted        EventType = "task_submitted"
	EventTaskProcessing       EventType = "task_processing"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskPartialCompleted EventType = "task_partial_completed"
	EventTaskFailed           EventType = "task_failed"
	EventTaskCancelled        EventType = "task_cancelled"
)

// EventDetail is one key/value line of a notification card; order is
// preserved as rendered.
type EventDetail struct {
	Key   string
	Value string
}

// TaskEvent is a lifecycle notification handed to the Notifier.
type TaskEvent struct {
	Type      EventType
	TaskID    string
	TaskName  string
	Username  string
	Message   string
	Details   []EventDetail
	Timestamp time.Time
}
