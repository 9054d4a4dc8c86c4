// Command worker runs the queue side of the orchestrator: master consumers,
// subtask consumer pools, the delayed-message mover and the task monitors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talesofai/nietest/internal/adapter/imageapi"
	"github.com/talesofai/nietest/internal/adapter/notify"
	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/adapter/queue/redisq"
	"github.com/talesofai/nietest/internal/adapter/repo/postgres"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/usecase"
)

// Per-message deadlines, mirroring the legacy actor time limits: standard
// generations get 5 minutes, Lumina generations 10. Master messages get the
// full admission wait plus dispatch headroom.
const (
	subtaskTimeout    = 5 * time.Minute
	subtaskOpsTimeout = 10 * time.Minute
	masterHeadroom    = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	observability.SetupLogger(cfg, "worker")

	// The worker exposes its own /metrics endpoint so queue and generation
	// instrumentation is scrapeable separately from the API process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConnections, cfg.DBStaleTimeout)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	broker, err := redisq.NewFromURL(cfg.BrokerRedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker", slog.Any("error", err))
		}
	}()

	taskRepo := postgres.NewTaskRepo(pool)
	subRepo := postgres.NewSubtaskRepo(pool)

	notifier := notify.New(cfg)
	defer notifier.Close()

	generator := imageapi.New(cfg)

	// Monitors run off the process context, not the message context, so they
	// outlive the master message deadline and stop only at shutdown.
	var monitors sync.WaitGroup
	monitor := usecase.NewMonitor(taskRepo, subRepo, broker, notifier, cfg)
	spawn := func(taskID string) {
		monitors.Add(1)
		go func() {
			defer monitors.Done()
			monitor.Watch(ctx, taskID)
		}()
	}

	admission := usecase.NewAdmission(taskRepo, cfg)
	dispatcher := usecase.NewDispatcher(broker, cfg)
	master := usecase.NewMaster(taskRepo, subRepo, admission, dispatcher, notifier, spawn, cfg)
	runner := usecase.NewRunner(taskRepo, subRepo, generator, notifier)

	masterHandler := func(ctx context.Context, msg redisq.Message) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.AdmissionMaxWait+masterHeadroom)
		defer cancel()
		taskID := msg.StringKwarg("task_id")
		if taskID == "" {
			slog.Warn("master message without task_id", slog.String("message_id", msg.MessageID))
			return nil
		}
		return master.Handle(ctx, taskID)
	}
	subtaskHandler := func(timeout time.Duration) redisq.Handler {
		return func(ctx context.Context, msg redisq.Message) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			subtaskID := msg.StringKwarg("subtask_id")
			if subtaskID == "" {
				slog.Warn("subtask message without subtask_id", slog.String("message_id", msg.MessageID))
				return nil
			}
			return runner.Run(ctx, subtaskID, msg.RetryCount())
		}
	}

	consumers := []*redisq.Consumer{
		redisq.NewConsumer(broker, cfg.StandardQueue, cfg.MasterConcurrency, cfg.MaxRetries, masterHandler),
		redisq.NewConsumer(broker, cfg.LuminaQueue, cfg.MasterConcurrency, cfg.MaxRetries, masterHandler),
		redisq.NewConsumer(broker, cfg.SubtaskQueue, cfg.SubtaskConcurrency, cfg.MaxRetries, subtaskHandler(subtaskTimeout)),
		// Lumina generations are never retried; a second attempt against the
		// ops backend doubles the cost of an already-expensive render.
		redisq.NewConsumer(broker, cfg.SubtaskOpsQueue, cfg.SubtaskConcurrency, 0, subtaskHandler(subtaskOpsTimeout)),
	}
	allQueues := []string{cfg.StandardQueue, cfg.LuminaQueue, cfg.SubtaskQueue, cfg.SubtaskOpsQueue}
	mover := redisq.NewMover(broker, allQueues, time.Second)

	// Tasks a previous worker left in processing get their monitors back
	// before any new messages are consumed.
	respawnMonitors(ctx, taskRepo, spawn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mover.Run(ctx)
	}()
	for _, c := range consumers {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}

	slog.Info("worker started",
		slog.Any("queues", allQueues),
		slog.Int("master_concurrency", cfg.MasterConcurrency),
		slog.Int("subtask_concurrency", cfg.SubtaskConcurrency),
		slog.Int("max_retries", cfg.MaxRetries))

	<-ctx.Done()
	slog.Info("shutdown signal received, draining consumers")
	wg.Wait()
	monitors.Wait()
	slog.Info("worker stopped")
}

// respawnMonitors scans for tasks stuck in processing, typically after a
// worker restart mid-flight, and restarts their monitors.
func respawnMonitors(ctx context.Context, tasks domain.TaskRepository, spawn usecase.MonitorSpawner) {
	stuck, err := tasks.ListByStatus(ctx, domain.TaskProcessing)
	if err != nil {
		slog.Error("failed to scan for in-flight tasks", slog.Any("error", err))
		return
	}
	for i := range stuck {
		spawn(stuck[i].ID)
	}
	if len(stuck) > 0 {
		slog.Info("respawned monitors for in-flight tasks", slog.Int("count", len(stuck)))
	}
}
