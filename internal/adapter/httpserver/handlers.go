package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
	"github.com/talesofai/nietest/internal/usecase"
)

// maxSpecBody caps task submission payloads. Large variable grids are a few
// hundred KB of JSON; anything beyond this is abuse.
const maxSpecBody = 4 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Submit     usecase.Submitter
	Tasks      usecase.TaskService
	Subtasks   usecase.SubtaskService
	Matrix     usecase.MatrixService
	Users      domain.UserRepository
	Tokens     *TokenManager
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.Submitter, tasks usecase.TaskService,
	subtasks usecase.SubtaskService, matrix usecase.MatrixService, users domain.UserRepository,
	tokens *TokenManager, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Submit: submit, Tasks: tasks, Subtasks: subtasks, Matrix: matrix,
		Users: users, Tokens: tokens, DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// LoginHandler exchanges form credentials for a bearer token.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid form body", domain.ErrInvalidArgument))
			return
		}
		username := strings.TrimSpace(r.PostFormValue("username"))
		password := r.PostFormValue("password")
		if username == "" || password == "" {
			writeError(w, r, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument))
			return
		}

		user, err := s.Users.GetByUsername(r.Context(), username)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, r, fmt.Errorf("%w: 用户名或密码错误", domain.ErrUnauthorized))
				return
			}
			writeError(w, r, fmt.Errorf("op=http.login: %w", err))
			return
		}
		if !VerifyPassword(password, user.PasswordHash) {
			writeError(w, r, fmt.Errorf("%w: 用户名或密码错误", domain.ErrUnauthorized))
			return
		}
		if !user.IsActive {
			writeError(w, r, fmt.Errorf("%w: 用户已禁用", domain.ErrUnauthorized))
			return
		}

		LoggerFrom(r).Info("user logged in", "username", user.Username)
		writeData(w, "登录成功", tokenResponse{
			AccessToken: s.Tokens.Mint(user, time.Now()),
			TokenType:   "bearer",
			ExpiresIn:   int64(s.Tokens.TTL().Seconds()),
		})
	}
}

// SubmitTaskHandler validates and accepts a task spec for asynchronous
// execution; the response carries the new task id and its master queue.
func (s *Server) SubmitTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSpecBody)
		var spec domain.TaskSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := ValidateSpec(&spec); err != nil {
			writeError(w, r, err)
			return
		}

		res, err := s.Submit.Submit(r.Context(), user, spec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "任务已加入后台队列，将异步提交到Dramatiq进行处理", res)
	}
}

// ListTasksHandler returns one filtered page of tasks.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := s.Tasks.List(r.Context(), taskQueryFrom(r.URL.Query()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "获取任务列表成功", page)
	}
}

// TaskStatsHandler counts tasks by status under the same filters as the list.
func (s *Server) TaskStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Tasks.Stats(r.Context(), taskQueryFrom(r.URL.Query()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "success", stats)
	}
}

type runningTaskView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type runningTasksView struct {
	Tasks []runningTaskView `json:"tasks"`
	Count int               `json:"count"`
}

// RunningTasksHandler lists tasks currently waiting or executing.
func (s *Server) RunningTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Tasks.Running(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]runningTaskView, 0, len(tasks))
		for i := range tasks {
			t := &tasks[i]
			items = append(items, runningTaskView{
				ID:        t.ID,
				Name:      t.Name,
				Status:    string(t.Status),
				Progress:  t.Progress,
				CreatedAt: t.CreatedAt,
				UpdatedAt: t.UpdatedAt,
			})
		}
		writeData(w, "获取正在执行的任务列表成功", runningTasksView{Tasks: items, Count: len(items)})
	}
}

type subtaskView struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Status          string     `json:"status"`
	VariableIndices []int      `json:"variable_indices"`
	Ratio           string     `json:"ratio"`
	Seed            *int64     `json:"seed"`
	UsePolish       bool       `json:"use_polish"`
	BatchSize       int        `json:"batch_size"`
	IsLumina        bool       `json:"is_lumina"`
	LuminaModelName *string    `json:"lumina_model_name"`
	LuminaCfg       *float64   `json:"lumina_cfg"`
	LuminaStep      *int       `json:"lumina_step"`
	Error           *string    `json:"error"`
	Result          *string    `json:"result"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

type taskDetail struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	UserID          string               `json:"user_id"`
	Username        string               `json:"username"`
	Status          string               `json:"status"`
	Priority        int                  `json:"priority"`
	TotalImages     int                  `json:"total_images"`
	ProcessedImages int                  `json:"processed_images"`
	Progress        int                  `json:"progress"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	CompletedAt     *time.Time           `json:"completed_at"`
	Prompts         []domain.Prompt      `json:"prompts"`
	Ratio           domain.TaskParameter `json:"ratio"`
	Seed            domain.TaskParameter `json:"seed"`
	BatchSize       domain.TaskParameter `json:"batch_size"`
	UsePolish       domain.TaskParameter `json:"use_polish"`
	IsLumina        domain.TaskParameter `json:"is_lumina"`
	LuminaModelName domain.TaskParameter `json:"lumina_model_name"`
	LuminaCfg       domain.TaskParameter `json:"lumina_cfg"`
	LuminaStep      domain.TaskParameter `json:"lumina_step"`
	Subtasks        []subtaskView        `json:"subtasks"`
}

// TaskDetailHandler returns the stored task, optionally with its subtasks in
// coordinate order.
func (s *Server) TaskDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		include := boolParam(r.URL.Query().Get("include_subtasks"))

		task, subs, err := s.Tasks.Detail(r.Context(), id, include)
		if err != nil {
			writeError(w, r, err)
			return
		}

		detail := taskDetail{
			ID:              task.ID,
			Name:            task.Name,
			UserID:          task.UserID,
			Username:        task.Username,
			Status:          string(task.Status),
			Priority:        task.Priority,
			TotalImages:     task.TotalImages,
			ProcessedImages: task.ProcessedImages,
			Progress:        task.Progress,
			CreatedAt:       task.CreatedAt,
			UpdatedAt:       task.UpdatedAt,
			CompletedAt:     task.CompletedAt,
			Prompts:         task.Prompts,
			Ratio:           task.Ratio,
			Seed:            task.Seed,
			BatchSize:       task.BatchSize,
			UsePolish:       task.UsePolish,
			IsLumina:        task.IsLumina,
			LuminaModelName: task.LuminaModelName,
			LuminaCfg:       task.LuminaCfg,
			LuminaStep:      task.LuminaStep,
		}
		if include {
			detail.Subtasks = make([]subtaskView, 0, len(subs))
			for i := range subs {
				detail.Subtasks = append(detail.Subtasks, viewSubtask(&subs[i]))
			}
		}
		writeData(w, "获取任务详情成功", detail)
	}
}

func viewSubtask(sub *domain.Subtask) subtaskView {
	return subtaskView{
		ID:              sub.ID,
		TaskID:          sub.TaskID,
		Status:          string(sub.Status),
		VariableIndices: sub.VariableIndices,
		Ratio:           sub.Ratio,
		Seed:            sub.Seed,
		UsePolish:       sub.UsePolish,
		BatchSize:       sub.BatchSize,
		IsLumina:        sub.IsLumina,
		LuminaModelName: sub.LuminaModelName,
		LuminaCfg:       sub.LuminaCfg,
		LuminaStep:      sub.LuminaStep,
		Error:           sub.Error,
		Result:          sub.Result,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
		StartedAt:       sub.StartedAt,
		CompletedAt:     sub.CompletedAt,
	}
}

// TaskProgressHandler refreshes and returns the task's progress rollup.
func (s *Server) TaskProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Tasks.Progress(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "获取任务进度成功", snap)
	}
}

// CancelTaskHandler cancels a pending task and sweeps its queued subtasks.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "任务取消成功", res)
	}
}

// ToggleFavoriteHandler flips the favorite flag.
func (s *Server) ToggleFavoriteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fav, err := s.Tasks.ToggleFavorite(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "收藏状态切换成功", map[string]any{"task_id": id, "is_favorite": fav})
	}
}

// ToggleDeleteHandler flips the soft-delete flag.
func (s *Server) ToggleDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		del, err := s.Tasks.ToggleDeleted(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "删除状态切换成功", map[string]any{"task_id": id, "is_deleted": del})
	}
}

// TaskMatrixHandler materializes the dense result grid of a task.
func (s *Server) TaskMatrixHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.Matrix.Build(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "获取任务矩阵数据成功", m)
	}
}

// ReuseConfigHandler returns the stored spec of a task, reshaped so the
// frontend can resubmit it as a new task.
func (s *Server) ReuseConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.Tasks.Reuse(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "获取任务复用配置成功", cfg)
	}
}

// RateSubtaskHandler stores a 1-5 rating.
func (s *Server) RateSubtaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rating int `json:"rating"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		view, err := s.Subtasks.Rate(r.Context(), chi.URLParam(r, "id"), req.Rating)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "评分更新成功", view)
	}
}

// SubtaskRatingHandler returns the stored rating and evaluation notes.
func (s *Server) SubtaskRatingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Subtasks.Rating(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "获取评分成功", view)
	}
}

// AddEvaluationHandler appends one evaluation note.
func (s *Server) AddEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Evaluation string `json:"evaluation"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		res, err := s.Subtasks.AddEvaluation(r.Context(), chi.URLParam(r, "id"), req.Evaluation)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "评价添加成功", res)
	}
}

// RemoveEvaluationHandler deletes the evaluation note at the given index.
func (s *Server) RemoveEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: 评价索引无效", domain.ErrInvalidArgument))
			return
		}
		res, err := s.Subtasks.RemoveEvaluation(r.Context(), chi.URLParam(r, "id"), index)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, "评价删除成功", res)
	}
}

// ReadyzHandler probes the database and the Redis broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// taskQueryFrom maps the list/stats query string onto the service filter.
// min_subtasks and max_subtasks bound the task's total_images.
func taskQueryFrom(q url.Values) usecase.TaskQuery {
	return usecase.TaskQuery{
		Page:      intParam(q.Get("page"), 1),
		PageSize:  intParam(q.Get("page_size"), 10),
		Status:    q.Get("status"),
		Username:  q.Get("username"),
		Name:      q.Get("task_name"),
		Favorite:  optBoolParam(q.Get("favorite")),
		Deleted:   optBoolParam(q.Get("deleted")),
		MinImages: optIntParam(q.Get("min_subtasks")),
		MaxImages: optIntParam(q.Get("max_subtasks")),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func optIntParam(raw string) *int {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func optBoolParam(raw string) *bool {
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

func boolParam(raw string) bool {
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}
