package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution metrics
var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_jobs_submitted_total",
			Help: "Jobs accepted into the queue",
		},
		[]string{"language", "kind"},
	)

	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_jobs_rejected_total",
			Help: "Submissions rejected before a job was created",
		},
		[]string{"reason"},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"language", "status", "infrastructure"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_jobs_running",
			Help: "Jobs currently holding a sandbox slot",
		},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_jobs_queued",
			Help: "Jobs waiting for a sandbox slot",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_job_duration_seconds",
			Help:    "Wall-clock time a job spent in its sandbox",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"language", "status"},
	)

	JobQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_job_queue_wait_seconds",
			Help:    "Time between submission and sandbox start",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"language"},
	)

	SandboxStartRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_sandbox_start_retries_total",
			Help: "Sandbox start attempts retried after an infrastructure failure",
		},
		[]string{"backend"},
	)

	RuntimeHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_runtime_healthy",
			Help: "1 if the container runtime passed its last health check",
		},
	)

	EventSyncLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_event_sync_lag_seconds",
			Help: "Time since job events were last published",
		},
	)
)

// API metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ProjectOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_project_ops_total",
			Help: "Project filesystem operations",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsRejectedTotal,
		JobsFinishedTotal,
		JobsRunning,
		JobsQueued,
		JobDuration,
		JobQueueWait,
		SandboxStartRetriesTotal,
		RuntimeHealthy,
		EventSyncLag,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProjectOpsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		// metrics are non-critical; a failed listener is not fatal
		_ = srv.ListenAndServe()
	}()
	return srv
}
