package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks accepted for expansion",
		},
	)
	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)
	AdmissionWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_wait_seconds",
			Help:    "Time tasks spend waiting for admission",
			Buckets: []float64{1, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	SubtasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtasks_processing",
			Help: "Number of subtasks currently being driven by a worker",
		},
	)
	SubtasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subtasks_finished_total",
			Help: "Total number of subtasks reaching a terminal status",
		},
		[]string{"status"},
	)

	MessagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_enqueued_total",
			Help: "Total number of broker messages enqueued",
		},
		[]string{"queue"},
	)
	MessagesScrubbedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_scrubbed_total",
			Help: "Total number of broker messages removed by cancellation cleanup",
		},
		[]string{"queue"},
	)

	GenerationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_generation_requests_total",
			Help: "Total number of image generation rounds by outcome",
		},
		[]string{"outcome"},
	)
	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_generation_duration_seconds",
			Help:    "Submit-to-artifact duration of image generation rounds",
			Buckets: []float64{1, 5, 10, 30, 60, 90, 120, 180, 300},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(AdmissionWaitSeconds)
	prometheus.MustRegister(SubtasksProcessing)
	prometheus.MustRegister(SubtasksFinishedTotal)
	prometheus.MustRegister(MessagesEnqueuedTotal)
	prometheus.MustRegister(MessagesScrubbedTotal)
	prometheus.MustRegister(GenerationRequestsTotal)
	prometheus.MustRegister(GenerationDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitTask() {
	TasksSubmittedTotal.Inc()
}

func FinishTask(status string) {
	TasksFinishedTotal.WithLabelValues(status).Inc()
}

func ObserveAdmissionWait(d time.Duration) {
	AdmissionWaitSeconds.Observe(d.Seconds())
}

func StartSubtask() {
	SubtasksProcessing.Inc()
}

func FinishSubtask(status string) {
	SubtasksProcessing.Dec()
	SubtasksFinishedTotal.WithLabelValues(status).Inc()
}

func EnqueueMessage(queue string) {
	MessagesEnqueuedTotal.WithLabelValues(queue).Inc()
}

func ScrubMessages(queue string, n int) {
	MessagesScrubbedTotal.WithLabelValues(queue).Add(float64(n))
}

// ObserveGeneration records one remote generation round end to end.
func ObserveGeneration(outcome string, d time.Duration) {
	GenerationRequestsTotal.WithLabelValues(outcome).Inc()
	GenerationDuration.Observe(d.Seconds())
}
