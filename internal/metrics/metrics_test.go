package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tphummel/lab_matrix/internal/metrics"
)

type stubStats struct {
	elapsed float64
	count   int
	cost    float64
	err     error
}

func (s stubStats) Stats() (float64, int, float64, error) {
	return s.elapsed, s.count, s.cost, s.err
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestNewRegistry_SessionCollector(t *testing.T) {
	reg := metrics.NewRegistry(stubStats{elapsed: 12.5, count: 3, cost: 0.0067})
	body := scrape(t, metrics.Handler(reg))

	for _, want := range []string{
		"lab_matrix_session_elapsed_minutes 12.5",
		"lab_matrix_machines_active 3",
		"lab_matrix_session_estimated_cost_usd 0.0067",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewRegistry_IndependentRegistries(t *testing.T) {
	// Building two registries must not panic on duplicate registration.
	metrics.NewRegistry(nil)
	metrics.NewRegistry(stubStats{})
}

func TestNewRegistry_StatsErrorFailsScrape(t *testing.T) {
	reg := metrics.NewRegistry(stubStats{err: errors.New("api down")})
	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rec.Code)
	}
}

func TestTransport_CountsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := &http.Client{Transport: metrics.Transport(nil)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	body := scrape(t, metrics.Handler(metrics.NewRegistry(nil)))
	if !strings.Contains(body, `lab_matrix_cloud_api_requests_total{method="GET",status="418"}`) {
		t.Error("expected cloud request counter for GET 418")
	}
}

func TestMiddleware_PassesThrough(t *testing.T) {
	h := metrics.Middleware("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status: got %d, want 202", rec.Code)
	}
}
