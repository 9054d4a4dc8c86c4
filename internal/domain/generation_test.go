package domain

import (
	"fmt"
	"testing"
)

func TestGenerationErrorRetryable(t *testing.T) {
	tests := []struct {
		kind GenerationErrorKind
		want bool
	}{
		{GenRetryable, true},
		{GenMaxAttempts, true},
		{GenContentCensored, false},
		{GenFatal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := &GenerationError{Kind: tt.kind}
			if e.Retryable() != tt.want {
				t.Errorf("Retryable() = %v, want %v", e.Retryable(), tt.want)
			}
		})
	}
}

func TestAsGenerationError(t *testing.T) {
	base := &GenerationError{Kind: GenFatal, Message: "boom"}
	wrapped := fmt.Errorf("op=runner.handle: %w", base)

	ge, ok := AsGenerationError(wrapped)
	if !ok {
		t.Fatal("expected a GenerationError in the chain")
	}
	if ge.Kind != GenFatal || ge.Message != "boom" {
		t.Errorf("unexpected error: %+v", ge)
	}

	if _, ok := AsGenerationError(fmt.Errorf("plain")); ok {
		t.Error("plain error must not match")
	}
}

func TestGenerationErrorString(t *testing.T) {
	e := &GenerationError{Kind: GenRetryable, Message: "polling timeout"}
	if e.Error() != "retryable: polling timeout" {
		t.Errorf("Error() = %q", e.Error())
	}
	bare := &GenerationError{Kind: GenFatal}
	if bare.Error() != "fatal" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestTimeoutMessage(t *testing.T) {
	if !TimeoutMessage("polling TIMEOUT after 30 attempts") {
		t.Error("uppercase timeout must match")
	}
	if TimeoutMessage("content rejected") {
		t.Error("unrelated message must not match")
	}
}

func TestCensoredMessage(t *testing.T) {
	for _, msg := range []string{
		"upstream returned 451",
		"ILLEGAL_IMAGE",
		"图片审核未通过",
		"包含敏感内容",
	} {
		if !CensoredMessage(msg) {
			t.Errorf("CensoredMessage(%q) = false, want true", msg)
		}
	}
	if CensoredMessage("connection reset by peer") {
		t.Error("transient error must not classify as censored")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskProcessing} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	if !SubtaskCancelled.Terminal() || SubtaskProcessing.Terminal() {
		t.Error("subtask terminal classification wrong")
	}
}

func TestSubtaskCountsProcessed(t *testing.T) {
	c := SubtaskCounts{Total: 10, Completed: 4, Failed: 2, Cancelled: 1, Pending: 2, Processing: 1}
	if c.Processed() != 7 {
		t.Errorf("Processed() = %d, want 7", c.Processed())
	}
}
