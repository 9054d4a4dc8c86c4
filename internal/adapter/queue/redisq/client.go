// Package redisq implements a dramatiq-compatible Redis list broker.
//
// Each logical queue maps to two Redis lists: dramatiq:<queue> for ready
// messages and dramatiq:<queue>.DQ for delayed ones. Message bodies are the
// dramatiq JSON envelope, so Python dramatiq workers and this package can
// drain each other's queues.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/talesofai/nietest/internal/adapter/observability"
)

const keyPrefix = "dramatiq:"

// Message is the dramatiq wire envelope.
type Message struct {
	QueueName        string         `json:"queue_name"`
	ActorName        string         `json:"actor_name"`
	Args             []any          `json:"args"`
	Kwargs           map[string]any `json:"kwargs"`
	Options          map[string]any `json:"options"`
	MessageID        string         `json:"message_id"`
	MessageTimestamp int64          `json:"message_timestamp"`
}

// RetryCount reads the broker retry counter from message options; absent or
// malformed values count as zero.
func (m Message) RetryCount() int {
	v, ok := m.Options["retries"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	default:
		return 0
	}
}

// DelayMS reads the scheduling delay (milliseconds) from message options.
func (m Message) DelayMS() int64 {
	v, ok := m.Options["delay"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

// RequestID returns the HTTP request id the producer stamped into options,
// or "" for messages enqueued outside a request.
func (m Message) RequestID() string {
	s, _ := m.Options["request_id"].(string)
	return s
}

// StringKwarg returns the named kwarg coerced to string, or "" when missing.
func (m Message) StringKwarg(name string) string {
	v, ok := m.Kwargs[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func listKey(queue string) string    { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ".DQ" }

// Client is the broker port implementation on top of go-redis.
type Client struct {
	rdb redis.UniversalClient
	tr  trace.Tracer
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, tr: otel.Tracer("queue.redisq")}
}

// NewFromURL connects to the broker given a redis:// URL.
func NewFromURL(rawURL string) (*Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.NewFromURL: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Redis exposes the underlying connection for readiness probes.
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Enqueue publishes a message for the named actor. A non-zero delay records
// the delay in options and routes the message to the queue's .DQ list; the
// mover returns it to the ready list once due.
func (c *Client) Enqueue(ctx context.Context, actor, queue string, kwargs map[string]any, delay time.Duration) (string, error) {
	ctx, span := c.tr.Start(ctx, "redisq.Enqueue", trace.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("actor", actor),
	))
	defer span.End()

	msg := Message{
		QueueName:        queue,
		ActorName:        actor,
		Args:             []any{},
		Kwargs:           kwargs,
		Options:          map[string]any{},
		MessageID:        uuid.NewString(),
		MessageTimestamp: time.Now().UnixMilli(),
	}
	// Carry the originating HTTP request id across the broker so worker logs
	// correlate with the submit request. Extra options keys are ignored by
	// dramatiq workers.
	if rid := observability.RequestIDFromContext(ctx); rid != "" {
		msg.Options["request_id"] = rid
	}
	key := listKey(queue)
	if delay > 0 {
		msg.QueueName = queue + ".DQ"
		msg.Options["delay"] = delay.Milliseconds()
		key = delayedKey(queue)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue queue=%s: %w", queue, err)
	}
	if err := c.rdb.RPush(ctx, key, body).Err(); err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue queue=%s: %w", queue, err)
	}
	observability.EnqueueMessage(queue)
	return msg.MessageID, nil
}

// Requeue republishes a consumed message onto its ready list with the retry
// counter set. Used by the consumer to re-deliver retryable failures.
func (c *Client) Requeue(ctx context.Context, msg Message, retries int) error {
	msg.QueueName = canonicalQueue(msg.QueueName)
	if msg.Options == nil {
		msg.Options = map[string]any{}
	}
	msg.Options["retries"] = retries
	delete(msg.Options, "delay")
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=redisq.Requeue queue=%s: %w", msg.QueueName, err)
	}
	if err := c.rdb.RPush(ctx, listKey(msg.QueueName), body).Err(); err != nil {
		return fmt.Errorf("op=redisq.Requeue queue=%s: %w", msg.QueueName, err)
	}
	observability.EnqueueMessage(msg.QueueName)
	return nil
}

// Scrub walks the ready and delayed lists of the logical queue and removes
// every message the predicate matches, returning the count removed. The scan
// plus LREM-by-value pair stays correct under concurrent consumers: a message
// popped between the two calls simply makes the LREM a no-op.
func (c *Client) Scrub(ctx context.Context, queue string, match func([]byte) bool) (int, error) {
	ctx, span := c.tr.Start(ctx, "redisq.Scrub", trace.WithAttributes(
		attribute.String("queue", queue),
	))
	defer span.End()

	removed := 0
	for _, key := range []string{listKey(queue), delayedKey(queue)} {
		bodies, err := c.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, fmt.Errorf("op=redisq.Scrub queue=%s: %w", queue, err)
		}
		for _, body := range bodies {
			if !match([]byte(body)) {
				continue
			}
			n, err := c.rdb.LRem(ctx, key, 1, body).Result()
			if err != nil {
				return removed, fmt.Errorf("op=redisq.Scrub queue=%s: %w", queue, err)
			}
			removed += int(n)
		}
	}
	observability.ScrubMessages(queue, removed)
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// Depths reports the ready and delayed list lengths for the given queues.
func (c *Client) Depths(ctx context.Context, queues ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(queues)*2)
	for _, q := range queues {
		for _, key := range []string{listKey(q), delayedKey(q)} {
			n, err := c.rdb.LLen(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("op=redisq.Depths queue=%s: %w", q, err)
			}
			out[key] = n
		}
	}
	return out, nil
}

// canonicalQueue strips the delayed-queue suffix.
func canonicalQueue(queue string) string {
	if len(queue) > 3 && queue[len(queue)-3:] == ".DQ" {
		return queue[:len(queue)-3]
	}
	return queue
}
