package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/lab_matrix/internal/budget"
	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/middleware"
	"github.com/tphummel/lab_matrix/internal/models"
)

// Summarizer reports the session's budget state.
type Summarizer interface {
	Summary(ctx context.Context) (budget.Summary, error)
}

// Status is the body of GET /status.
type Status struct {
	Session  string           `json:"session"`
	Worker   string           `json:"worker,omitempty"`
	Summary  budget.Summary   `json:"summary"`
	Machines []models.Machine `json:"machines"`
}

// Handler serves the status endpoints of one session.
type Handler struct {
	Session string
	Worker  string
	Version string
	Tag     string
	Guard   Summarizer
	Lister  Lister
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": h.Session,
		"version": h.Version,
	})
}

// Status handles GET /status. It returns 503 when the provider cannot be
// reached.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Guard.Summary(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	ms, err := h.Lister.List(r.Context(), h.Tag)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	if ms == nil {
		ms = []models.Machine{}
	}
	writeJSON(w, http.StatusOK, Status{Session: h.Session, Worker: h.Worker, Summary: sum, Machines: ms})
}

// Mux routes /healthz, /metrics and /status. Requests other than health and
// metrics scrapes are logged.
func (h *Handler) Mux(reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", metrics.Middleware("/healthz", http.HandlerFunc(h.Health)))
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.Handle("GET /status", metrics.Middleware("/status", http.HandlerFunc(h.Status)))

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestLogger(logger, skip, mux)
}

// Server is a running status endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve listens on addr and serves handler until Shutdown.
func Serve(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("status endpoint listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status endpoint failed", "error", err)
		}
	}()
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
