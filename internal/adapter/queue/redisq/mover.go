package redisq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Mover returns due delayed messages to their ready lists. One mover per
// worker process is enough; the subtask claim-by-conditional-update keeps
// redundant deliveries harmless even if two movers race.
type Mover struct {
	client   *Client
	queues   []string
	interval time.Duration
}

// NewMover sweeps the .DQ lists of the given logical queues every interval.
func NewMover(client *Client, queues []string, interval time.Duration) *Mover {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Mover{client: client, queues: queues, interval: interval}
}

// Run blocks until the context is cancelled.
func (m *Mover) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range m.queues {
				if err := m.sweep(ctx, q); err != nil {
					slog.Error("delayed queue sweep failed", slog.String("queue", q), slog.Any("error", err))
				}
			}
		}
	}
}

// sweep moves every message of the queue's .DQ list whose enqueue time plus
// delay has passed. LREM runs before RPUSH so a racing mover cannot deliver
// the same body twice; a crash between the two calls drops the message, the
// same at-most-once window dramatiq itself has on delayed delivery.
func (m *Mover) sweep(ctx context.Context, queue string) error {
	dq := delayedKey(queue)
	bodies, err := m.client.rdb.LRange(ctx, dq, 0, -1).Result()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, body := range bodies {
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			// Poison entry; drop it rather than rescan it forever.
			slog.Warn("dropping malformed delayed message", slog.String("queue", queue))
			m.client.rdb.LRem(ctx, dq, 1, body)
			continue
		}
		if msg.MessageTimestamp+msg.DelayMS() > now {
			continue
		}
		n, err := m.client.rdb.LRem(ctx, dq, 1, body).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		msg.QueueName = queue
		ready, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := m.client.rdb.RPush(ctx, listKey(queue), ready).Err(); err != nil {
			return err
		}
	}
	return nil
}
