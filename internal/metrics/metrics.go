package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_matrix_http_requests_total",
			Help: "Total number of status endpoint requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	cloudRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_matrix_cloud_api_requests_total",
			Help: "Cloud API requests by method and status code. Transport errors use status \"error\".",
		},
		[]string{"method", "status"},
	)

	cloudRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_matrix_cloud_api_request_duration_seconds",
			Help:    "Cloud API request latency in seconds by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	machinesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_matrix_machines_created_total",
			Help: "Machines created, by target.",
		},
		[]string{"target"},
	)

	machinesDestroyed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lab_matrix_machines_destroyed_total",
		Help: "Machines destroyed, including already-gone machines.",
	})

	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_matrix_provision_duration_seconds",
			Help:    "Time from create request to a ready machine, by target.",
			Buckets: []float64{15, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"target"},
	)

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_matrix_ssh_connect_attempts_total",
			Help: "SSH connection attempts by result (ok, error).",
		},
		[]string{"result"},
	)

	cleanupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_matrix_cleanup_step_failures_total",
			Help: "Cleanup steps that failed, by step name.",
		},
		[]string{"step"},
	)
)

// SessionStats is the subset of the budget guard needed to collect session
// metrics.
type SessionStats interface {
	Stats() (elapsedMinutes float64, machines int, costUSD float64, err error)
}

// sessionCollector queries the budget guard on each scrape.
type sessionCollector struct {
	src         SessionStats
	elapsedDesc *prometheus.Desc
	countDesc   *prometheus.Desc
	costDesc    *prometheus.Desc
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.elapsedDesc
	ch <- c.countDesc
	ch <- c.costDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	elapsed, count, cost, err := c.src.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.countDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.elapsedDesc, prometheus.GaugeValue, elapsed)
	ch <- prometheus.MustNewConstMetric(c.countDesc, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.costDesc, prometheus.GaugeValue, cost)
}

// NewRegistry returns a registry holding the runtime collectors, every
// lab_matrix metric, and a collector for src when it is non-nil. Each session
// gets its own registry so that tests can build several.
func NewRegistry(src SessionStats) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		httpRequestsTotal,
		cloudRequestsTotal,
		cloudRequestDuration,
		machinesCreated,
		machinesDestroyed,
		provisionDuration,
		connectAttempts,
		cleanupFailures,
	)
	if src != nil {
		reg.MustRegister(&sessionCollector{
			src:         src,
			elapsedDesc: prometheus.NewDesc("lab_matrix_session_elapsed_minutes", "Minutes since the session started.", nil, nil),
			countDesc:   prometheus.NewDesc("lab_matrix_machines_active", "Tagged machines currently present at the provider.", nil, nil),
			costDesc:    prometheus.NewDesc("lab_matrix_session_estimated_cost_usd", "Estimated spend of the active machines over the session so far.", nil, nil),
		})
	}
	return reg
}

// Handler returns the HTTP handler for the /metrics endpoint of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// MachineCreated counts one created machine for target.
func MachineCreated(target string) { machinesCreated.WithLabelValues(target).Inc() }

// MachineDestroyed counts one destroyed machine.
func MachineDestroyed() { machinesDestroyed.Inc() }

// ObserveProvision records how long target took to become ready.
func ObserveProvision(target string, d time.Duration) {
	provisionDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ConnectAttempt counts one SSH connection attempt.
func ConnectAttempt(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	connectAttempts.WithLabelValues(result).Inc()
}

// CleanupFailed counts a failed cleanup step.
func CleanupFailed(step string) { cleanupFailures.WithLabelValues(step).Inc() }

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/status") so the path
// label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
		}()
		next.ServeHTTP(rw, r)
	})
}

// Transport wraps an http.RoundTripper to record cloud API request metrics.
// A nil next uses http.DefaultTransport.
func Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)
		cloudRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		cloudRequestsTotal.WithLabelValues(r.Method, status).Inc()
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
