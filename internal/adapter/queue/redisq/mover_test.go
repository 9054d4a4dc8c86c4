package redisq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushDelayed(t *testing.T, c *Client, queue string, msg Message) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.rdb.RPush(context.Background(), delayedKey(queue), body).Err())
}

func TestMoverSweep_MovesDueMessages(t *testing.T) {
	t.Parallel()
	c, mr, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UnixMilli()
	pushDelayed(t, c, "q", Message{
		QueueName:        "q.DQ",
		ActorName:        "test_run_subtask",
		Kwargs:           map[string]any{"subtask_id": "due"},
		Options:          map[string]any{"delay": 1000},
		MessageID:        "m-due",
		MessageTimestamp: now - 5000,
	})
	pushDelayed(t, c, "q", Message{
		QueueName:        "q.DQ",
		ActorName:        "test_run_subtask",
		Kwargs:           map[string]any{"subtask_id": "later"},
		Options:          map[string]any{"delay": 60000},
		MessageID:        "m-later",
		MessageTimestamp: now,
	})

	m := NewMover(c, []string{"q"}, time.Second)
	require.NoError(t, m.sweep(ctx, "q"))

	ready, err := mr.List("dramatiq:q")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	got := decodeMessage(t, ready[0])
	assert.Equal(t, "m-due", got.MessageID)
	assert.Equal(t, "q", got.QueueName)

	delayed, err := mr.List("dramatiq:q.DQ")
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Contains(t, delayed[0], "m-later")
}

func TestMoverSweep_DropsMalformedBodies(t *testing.T) {
	t.Parallel()
	c, mr, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.rdb.RPush(ctx, delayedKey("q"), "{not json").Err())
	require.NoError(t, NewMover(c, []string{"q"}, time.Second).sweep(ctx, "q"))

	assert.False(t, mr.Exists("dramatiq:q.DQ"))
	assert.False(t, mr.Exists("dramatiq:q"))
}

func TestMoverRun_DeliversAfterDelay(t *testing.T) {
	t.Parallel()
	c, mr, cleanup := newTestClient(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.Enqueue(ctx, "test_run_subtask", "q", map[string]any{"subtask_id": "s"}, 20*time.Millisecond)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMover(c, []string{"q"}, 10*time.Millisecond).Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		items, err := mr.List("dramatiq:q")
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
