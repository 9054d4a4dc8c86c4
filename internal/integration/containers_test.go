//go:build integration

// Package integration boots real postgres and redis containers and drives a
// submit round-trip through the same constructors the binaries use. Opt in
// with -tags integration; a local Docker daemon is required.
package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/talesofai/nietest/internal/adapter/notify"
	"github.com/talesofai/nietest/internal/adapter/queue/redisq"
	"github.com/talesofai/nietest/internal/adapter/repo/postgres"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/usecase"
)

const (
	pgPort    = nat.Port("5432/tcp")
	redisPort = nat.Port("6379/tcp")
)

func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) (string, nat.Port) {
	t.Helper()
	req.HostConfigModifier = func(hc *container.HostConfig) { hc.AutoRemove = true }
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	require.NoError(t, err)
	return host, port
}

func startPostgres(t *testing.T, ctx context.Context) string {
	host, port := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image: "postgres:16",
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "nietest",
		},
		ExposedPorts: []string{string(pgPort)},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(pgPort),
		).WithDeadline(90 * time.Second),
	})
	return "postgres://postgres:postgres@" + host + ":" + port.Port() + "/nietest?sslmode=disable"
}

func startRedis(t *testing.T, ctx context.Context) string {
	host, port := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{string(redisPort)},
		WaitingFor:   wait.ForListeningPort(redisPort).WithStartupTimeout(60 * time.Second),
	})
	return "redis://" + host + ":" + port.Port() + "/0"
}

func testStackConfig() config.Config {
	return config.Config{
		StandardQueue:         "test_master",
		LuminaQueue:           "nietest_master_ops",
		SubtaskQueue:          "nietest_subtask",
		SubtaskOpsQueue:       "nietest_subtask_ops",
		TaskMaxTotalImages:    1000,
		AdmissionPollInterval: 100 * time.Millisecond,
		AdmissionMaxWait:      10 * time.Second,
		RecentTaskWindow:      10 * time.Minute,
		MonitorInterval:       100 * time.Millisecond,
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testStackConfig()

	pool, err := postgres.NewPool(ctx, startPostgres(t, ctx), 5, time.Minute)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	broker, err := redisq.NewFromURL(startRedis(t, ctx))
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	require.Eventually(t, func() bool { return broker.Redis().Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	require.NoError(t, postgres.EnsureSchema(ctx, pool))
	// A second run must be a no-op; fresh deployments re-run it on every start.
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	taskRepo := postgres.NewTaskRepo(pool)
	subRepo := postgres.NewSubtaskRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	notifier := notify.New(cfg)

	var user domain.User
	t.Run("user upsert keys on username", func(t *testing.T) {
		id, err := userRepo.Upsert(ctx, domain.User{Username: "alice", PasswordHash: "h1", IsActive: true})
		require.NoError(t, err)
		again, err := userRepo.Upsert(ctx, domain.User{Username: "alice", PasswordHash: "h2", IsActive: true})
		require.NoError(t, err)
		assert.Equal(t, id, again)

		user, err = userRepo.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "h2", user.PasswordHash)
	})

	submitter := usecase.NewSubmitter(taskRepo, subRepo, broker, notifier, cfg)
	var taskID string
	t.Run("submit persists and enqueues the master message", func(t *testing.T) {
		res, err := submitter.Submit(ctx, user, domain.TaskSpec{
			Name:    "roundtrip",
			Prompts: []domain.Prompt{{Type: domain.PromptFreetext, Value: "a cat", Weight: 1}},
		})
		require.NoError(t, err)
		taskID = res.TaskID
		assert.Equal(t, "test_master", res.Queue)

		task, err := taskRepo.Get(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskPending, task.Status)
		assert.Equal(t, 1, task.TotalImages)
		assert.Equal(t, "alice", task.Username)

		subs, err := subRepo.ListByTask(ctx, taskID)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, domain.SubtaskPending, subs[0].Status)
		assert.Equal(t, "1:1", subs[0].Ratio)

		body, err := broker.Redis().LIndex(ctx, "dramatiq:test_master", 0).Result()
		require.NoError(t, err)
		var msg redisq.Message
		require.NoError(t, json.Unmarshal([]byte(body), &msg))
		assert.Equal(t, "test_submit_master", msg.ActorName)
		assert.Equal(t, taskID, msg.StringKwarg("task_id"))
	})

	var subtaskID string
	t.Run("master admits and dispatches the subtask", func(t *testing.T) {
		spawned := make(chan string, 1)
		master := usecase.NewMaster(taskRepo, subRepo, usecase.NewAdmission(taskRepo, cfg),
			usecase.NewDispatcher(broker, cfg), notifier, func(id string) { spawned <- id }, cfg)
		require.NoError(t, master.Handle(ctx, taskID))
		assert.Equal(t, taskID, <-spawned)

		task, err := taskRepo.Get(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskProcessing, task.Status)

		depths, err := broker.Depths(ctx, cfg.SubtaskQueue)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depths["dramatiq:nietest_subtask"])

		body, err := broker.Redis().LIndex(ctx, "dramatiq:nietest_subtask", 0).Result()
		require.NoError(t, err)
		var msg redisq.Message
		require.NoError(t, json.Unmarshal([]byte(body), &msg))
		assert.Equal(t, "test_run_subtask", msg.ActorName)
		subtaskID = msg.StringKwarg("subtask_id")
		require.NotEmpty(t, subtaskID)
	})

	t.Run("monitor closes the task out once the subtask completes", func(t *testing.T) {
		claimed, err := subRepo.Claim(ctx, subtaskID, 0)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, subRepo.MarkCompleted(ctx, subtaskID, "https://img.example/1.png"))

		watchCtx, cancel := context.WithCancel(ctx)
		t.Cleanup(cancel)
		go usecase.NewMonitor(taskRepo, subRepo, broker, notifier, cfg).Watch(watchCtx, taskID)

		require.Eventually(t, func() bool {
			task, err := taskRepo.Get(ctx, taskID)
			return err == nil && task.Status == domain.TaskCompleted
		}, 15*time.Second, 200*time.Millisecond)

		task, err := taskRepo.Get(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, 1, task.CompletedSubtasks)
		require.NotNil(t, task.CompletedAt)
	})
}
