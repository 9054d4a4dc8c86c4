// Package app wires the HTTP surface: router construction and readiness
// probes shared by the server binary and its tests.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talesofai/nietest/internal/adapter/httpserver"
	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// Everything under /api/v1/test requires a bearer token; the login endpoint
// and the health probes stay open.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer(cfg.IsDev()))
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Login is rate limited but unauthenticated.
	r.Group(func(lr chi.Router) {
		lr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		lr.Post("/api/v1/auth/token", srv.LoginHandler())
	})

	r.Route("/api/v1/test", func(tr chi.Router) {
		tr.Use(srv.Tokens.AuthRequired(srv.Users))

		tr.Get("/tasks", srv.ListTasksHandler())
		tr.Get("/tasks/stats", srv.TaskStatsHandler())
		tr.Get("/tasks/running", srv.RunningTasksHandler())
		tr.Get("/task/{id}", srv.TaskDetailHandler())
		tr.Get("/task/{id}/progress", srv.TaskProgressHandler())
		tr.Get("/task/{id}/matrix", srv.TaskMatrixHandler())
		tr.Get("/task/{id}/reuse-config", srv.ReuseConfigHandler())
		tr.Get("/subtask/{id}/rating", srv.SubtaskRatingHandler())

		// Mutations share one per-IP budget.
		tr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/task", srv.SubmitTaskHandler())
			wr.Post("/task/{id}/cancel", srv.CancelTaskHandler())
			wr.Post("/task/{id}/favorite", srv.ToggleFavoriteHandler())
			wr.Post("/task/{id}/delete", srv.ToggleDeleteHandler())
			wr.Post("/subtask/{id}/rating", srv.RateSubtaskHandler())
			wr.Post("/subtask/{id}/evaluation", srv.AddEvaluationHandler())
			wr.Delete("/subtask/{id}/evaluation/{index}", srv.RemoveEvaluationHandler())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
