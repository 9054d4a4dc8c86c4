// Command server starts the task orchestration HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/talesofai/nietest/internal/adapter/httpserver"
	"github.com/talesofai/nietest/internal/adapter/notify"
	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/adapter/queue/redisq"
	"github.com/talesofai/nietest/internal/adapter/repo/postgres"
	"github.com/talesofai/nietest/internal/app"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/usecase"
)

func main() {
	seedFile := flag.String("seed-users", "", "YAML file of users to upsert before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	observability.SetupLogger(cfg, "server")

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue and generation instrumentation.
	observability.InitMetrics()

	ctx := context.Background()

	shutdownTracer, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool + idempotent schema bootstrap
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

	// Queue broker (Redis, dramatiq envelope)
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

	// Repositories
	taskRepo := postgres.NewTaskRepo(pool)
	subRepo := postgres.NewSubtaskRepo(pool)
	userRepo := postgres.NewUserRepo(pool)

	if path := seedPath(*seedFile, cfg); path != "" {
		n, err := seedUsersFromYAML(ctx, userRepo, path)
		if err != nil {
			slog.Error("user seeding failed", slog.String("file", path), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("users seeded", slog.String("file", path), slog.Int("count", n))
	}

	notifier := notify.New(cfg)
	defer notifier.Close()

	// Usecases
	submit := usecase.NewSubmitter(taskRepo, subRepo, broker, notifier, cfg)
	tasks := usecase.NewTaskService(taskRepo, subRepo)
	subtasks := usecase.NewSubtaskService(subRepo)
	matrix := usecase.NewMatrixService(taskRepo, subRepo)

	tokens, err := httpserver.NewTokenManager(cfg)
	if err != nil {
		slog.Error("token manager init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// HTTP server
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, broker.Redis())
	srv := httpserver.NewServer(cfg, submit, tasks, subtasks, matrix, userRepo, tokens, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// seedPath resolves the seed file: the flag wins, then SEED_USERS_FILE.
func seedPath(flagValue string, cfg config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	return cfg.SeedUsersFile
}
