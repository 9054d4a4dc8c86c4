package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/domain"
)

// Handler processes one decoded message. The consumer owns the redelivery
// decision; handlers just return the failure.
type Handler func(ctx context.Context, msg Message) error

// Consumer drains one queue's ready list with a fixed goroutine pool.
//
// Messages are popped, not leased: the database claim gate is what prevents
// double-execution, so a crash between pop and claim at worst drops a
// delivery the monitor will surface as a stalled task.
type Consumer struct {
	client      *Client
	queue       string
	concurrency int
	maxRetries  int
	handler     Handler
}

// NewConsumer builds a consumer pool for the queue. maxRetries caps
// redeliveries of retryable failures; zero disables them.
func NewConsumer(client *Client, queue string, concurrency, maxRetries int, h Handler) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{client: client, queue: queue, concurrency: concurrency, maxRetries: maxRetries, handler: h}
}

// Run blocks until the context is cancelled and every pool goroutine drained.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	key := listKey(c.queue)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.client.rdb.BLPop(ctx, time.Second, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("queue pop failed", slog.String("queue", c.queue), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		// BLPop returns [key, element].
		if len(res) != 2 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			slog.Warn("dropping malformed message", slog.String("queue", c.queue), slog.Any("error", err))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch attaches a message-scoped logger to the context, runs the handler
// and applies the retry policy: only retryable generation failures are
// re-delivered, and only while the message's retry counter is below the cap.
func (c *Consumer) dispatch(ctx context.Context, msg Message) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("queue", c.queue),
		slog.String("actor", msg.ActorName),
		slog.String("message_id", msg.MessageID),
	)
	// Messages born inside an HTTP request carry its id; re-attaching it here
	// correlates worker logs with the submit request.
	if rid := msg.RequestID(); rid != "" {
		lg = lg.With(slog.String("request_id", rid))
		ctx = observability.ContextWithRequestID(ctx, rid)
	}
	ctx = observability.ContextWithLogger(ctx, lg)

	err := c.handler(ctx, msg)
	if err == nil {
		return
	}
	ge, ok := domain.AsGenerationError(err)
	if !ok || !ge.Retryable() || c.maxRetries <= 0 {
		lg.Error("message handler failed", slog.Any("error", err))
		return
	}
	retries := msg.RetryCount()
	if retries >= c.maxRetries {
		lg.Warn("retry budget exhausted", slog.Int("retries", retries), slog.Any("error", err))
		return
	}
	if rqErr := c.client.Requeue(ctx, msg, retries+1); rqErr != nil {
		lg.Error("requeue failed", slog.Any("error", rqErr))
		return
	}
	lg.Info("message requeued after retryable failure", slog.Int("retries", retries+1))
}
