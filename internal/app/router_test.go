package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/talesofai/nietest/internal/adapter/httpserver"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/domain/mocks"
	"github.com/talesofai/nietest/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.com, https://b.com", []string{"https://a.com", "https://b.com"}},
		{"  ,  ", []string{"*"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseOrigins(c.in), "input %q", c.in)
	}
}

func routerConfig() config.Config {
	return config.Config{
		AppEnv:                   "test",
		SecretKey:                "router-test-secret",
		Algorithm:                "HS256",
		AccessTokenExpireMinutes: 60,
		CORSAllowOrigins:         "*",
		RateLimitPerMin:          120,
	}
}

func newRouter(t *testing.T, users *mocks.MockUserRepository, tasks *mocks.MockTaskRepository) (http.Handler, *httpserver.TokenManager) {
	t.Helper()
	cfg := routerConfig()
	tokens, err := httpserver.NewTokenManager(cfg)
	require.NoError(t, err)

	srv := &httpserver.Server{
		Cfg:    cfg,
		Tasks:  usecase.NewTaskService(tasks, mocks.NewMockSubtaskRepository(t)),
		Users:  users,
		Tokens: tokens,
	}
	return BuildRouter(cfg, srv), tokens
}

func TestBuildRouter_HealthEndpointsOpen(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, mocks.NewMockUserRepository(t), mocks.NewMockTaskRepository(t))

	for _, path := range []string{"/healthz", "/metrics", "/readyz"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Result().StatusCode, "path %s", path)
	}
}

func TestBuildRouter_APIRequiresToken(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, mocks.NewMockUserRepository(t), mocks.NewMockTaskRepository(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/test/tasks", nil))

	res := w.Result()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Bearer", res.Header.Get("WWW-Authenticate"))
	assert.Contains(t, w.Body.String(), "无效的认证凭据")
}

func TestBuildRouter_AuthorizedListFlow(t *testing.T) {
	t.Parallel()

	user := domain.User{ID: "user-1", Username: "alice", IsActive: true}
	users := mocks.NewMockUserRepository(t)
	users.On("GetByUsername", mock.Anything, "alice").Return(user, nil).Once()
	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("List", mock.Anything, mock.AnythingOfType("domain.TaskFilter"), 1, 10).
		Return([]domain.Task{}, int64(0), nil).Once()

	router, tokens := newRouter(t, users, tasks)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/test/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+tokens.Mint(user, time.Now()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	res := w.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, w.Body.String(), "获取任务列表成功")
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
}

func TestBuildRouter_SecurityHeaders(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, mocks.NewMockUserRepository(t), mocks.NewMockTaskRepository(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	h := w.Result().Header
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
}

func TestBuildRouter_LoginOpenButValidated(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, mocks.NewMockUserRepository(t), mocks.NewMockTaskRepository(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil))

	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode,
		"missing credentials fail fast without auth")
}
