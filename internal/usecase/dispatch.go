package usecase

import (
	"fmt"
	"log/slog"

	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// Actor names on the wire. Workers register handlers under these names and
// the API enqueues against them, so they are part of the queue protocol.
const (
	ActorMaster        = "test_submit_master"
	ActorSubtask       = "test_run_subtask"
	ActorLuminaSubtask = "test_run_lumina_subtask"
)

// Dispatcher fans an admitted task's subtasks out to the worker queues.
type Dispatcher struct {
	Broker domain.Broker
	Cfg    config.Config
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(b domain.Broker, cfg config.Config) Dispatcher {
	return Dispatcher{Broker: b, Cfg: cfg}
}

// Dispatch partitions the subtasks by flavor, keeping their canonical order
// within each partition, and enqueues every one with its cumulative ingress
// delay. Lumina subtasks go to the ops queue under the Lumina actor.
func (d Dispatcher) Dispatch(ctx domain.Context, subs []domain.Subtask) error {
	var lumina, normal []domain.Subtask
	for _, s := range subs {
		if s.IsLumina {
			lumina = append(lumina, s)
		} else {
			normal = append(normal, s)
		}
	}
	if err := d.enqueuePartition(ctx, lumina, ActorLuminaSubtask, d.Cfg.SubtaskOpsQueue, true); err != nil {
		return err
	}
	if err := d.enqueuePartition(ctx, normal, ActorSubtask, d.Cfg.SubtaskQueue, false); err != nil {
		return err
	}
	return nil
}

func (d Dispatcher) enqueuePartition(ctx domain.Context, subs []domain.Subtask, actor, queue string, luminaCurve bool) error {
	if len(subs) == 0 {
		return nil
	}
	delays := DispatchDelays(len(subs), luminaCurve)
	for i, s := range subs {
		kwargs := map[string]any{"subtask_id": s.ID}
		if _, err := d.Broker.Enqueue(ctx, actor, queue, kwargs, delays[i]); err != nil {
			return fmt.Errorf("op=dispatch.enqueue subtask=%s: %w", s.ID, err)
		}
	}
	slog.Info("dispatched subtask partition",
		slog.String("queue", queue),
		slog.Int("count", len(subs)),
		slog.Duration("last_delay", delays[len(subs)-1]),
	)
	return nil
}
