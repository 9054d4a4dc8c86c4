package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// AdmissionResult is the outcome of waiting for an execution slot.
type AdmissionResult int

const (
	AdmissionGranted AdmissionResult = iota
	AdmissionCancelled
	AdmissionTimeout
)

func (r AdmissionResult) String() string {
	switch r {
	case AdmissionGranted:
		return "granted"
	case AdmissionCancelled:
		return "cancelled"
	case AdmissionTimeout:
		return "timeout"
	}
	return fmt.Sprintf("admission(%d)", int(r))
}

// Admission gates pending tasks on the downstream API's capacity. A task may
// start only when no processing task was created inside the recent window,
// and a Lumina task additionally requires that no other Lumina task is
// processing at all.
type Admission struct {
	Tasks domain.TaskRepository
	Cfg   config.Config
}

// NewAdmission constructs an Admission controller.
func NewAdmission(tasks domain.TaskRepository, cfg config.Config) Admission {
	return Admission{Tasks: tasks, Cfg: cfg}
}

// Await blocks until the task may transition to processing, its wait budget
// runs out, or the task is cancelled underneath it. A failed poll counts as
// "slot busy" and is retried on the next tick.
func (a Admission) Await(ctx domain.Context, taskID string) (AdmissionResult, error) {
	start := time.Now()
	for {
		task, err := a.Tasks.Get(ctx, taskID)
		if err != nil {
			return 0, fmt.Errorf("op=admission.load: %w", err)
		}
		if task.Status == domain.TaskCancelled {
			slog.Info("task cancelled while awaiting slot", slog.String("task_id", taskID))
			return AdmissionCancelled, nil
		}

		free, err := a.slotFree(ctx, &task)
		if err != nil {
			slog.Warn("admission poll failed, keeping task in line",
				slog.String("task_id", taskID), slog.Any("error", err))
		} else if free {
			waited := time.Since(start)
			observability.ObserveAdmissionWait(waited)
			slog.Info("execution slot granted",
				slog.String("task_id", taskID), slog.Duration("waited", waited))
			return AdmissionGranted, nil
		}

		if time.Since(start) >= a.Cfg.AdmissionMaxWait {
			slog.Warn("timed out waiting for execution slot",
				slog.String("task_id", taskID), slog.Duration("waited", time.Since(start)))
			return AdmissionTimeout, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(a.Cfg.AdmissionPollInterval):
		}
	}
}

// slotFree applies one round of the admission policy against the current set
// of processing tasks.
func (a Admission) slotFree(ctx domain.Context, task *domain.Task) (bool, error) {
	running, err := a.Tasks.ListByStatus(ctx, domain.TaskProcessing)
	if err != nil {
		return false, fmt.Errorf("op=admission.list_running: %w", err)
	}

	if task.LuminaTask() {
		for i := range running {
			if running[i].ID == task.ID {
				continue
			}
			if running[i].LuminaTask() {
				slog.Info("another lumina task is processing",
					slog.String("task_id", task.ID), slog.String("blocking_task_id", running[i].ID))
				return false, nil
			}
		}
	}

	cutoff := time.Now().UTC().Add(-a.Cfg.RecentTaskWindow)
	recent := 0
	for i := range running {
		if running[i].CreatedAt.After(cutoff) {
			recent++
		}
	}
	if recent > 0 {
		slog.Info("recent tasks still occupy the ingress window",
			slog.String("task_id", task.ID),
			slog.Int("running", len(running)), slog.Int("recent", recent))
		return false, nil
	}
	return true, nil
}
