// Package fakecloud is an in-memory stand-in for the cloud control plane.
// It speaks the same JSON shapes as the real API, requires a Bearer token,
// and lets tests script droplet status sequences, inject delete failures and
// count calls per route.
package fakecloud

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/middleware"
	"github.com/tphummel/lab_matrix/internal/models"
)

// AutoAddress in a Step asks the server to assign the droplet an address.
const AutoAddress = "auto"

// Step is one observation of a droplet's state. Each GET of a droplet
// consumes the next step of its script; the last step repeats forever.
type Step struct {
	Status  string
	Address string
}

type droplet struct {
	d      cloudapi.Droplet
	script []Step
	polls  int
}

// Server is the fake control plane.
type Server struct {
	token  string
	logger *slog.Logger

	mu           sync.Mutex
	nextID       int
	droplets     map[int]*droplet
	keys         map[int]cloudapi.SSHKey
	actions      map[int]*cloudapi.Action
	snapshots    map[string]cloudapi.Snapshot
	dropletSnaps map[int][]string
	script       []Step
	deleteFail   map[int]int
	createFail   int
	listFail     int
	pageSize     int
	calls        map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger logs every request through the request logger middleware.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPageSize caps the number of items per list page.
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// New creates a Server accepting token.
func New(token string, opts ...Option) *Server {
	s := &Server{
		token:        token,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		nextID:       1000,
		droplets:     make(map[int]*droplet),
		keys:         make(map[int]cloudapi.SSHKey),
		actions:      make(map[int]*cloudapi.Action),
		snapshots:    make(map[string]cloudapi.Snapshot),
		dropletSnaps: make(map[int][]string),
		script:       []Step{{Status: models.StatusActive, Address: AutoAddress}},
		deleteFail:   make(map[int]int),
		pageSize:     200,
		calls:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHTTPTest starts s on an httptest server. Callers close the returned
// server when done.
func NewHTTPTest(token string, opts ...Option) (*Server, *httptest.Server) {
	s := New(token, opts...)
	return s, httptest.NewServer(s.Handler())
}

// Handler returns the HTTP handler serving the control-plane routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	routes := map[string]http.HandlerFunc{
		"POST /v2/droplets":               s.createDroplet,
		"GET /v2/droplets":                s.listDroplets,
		"GET /v2/droplets/{id}":           s.getDroplet,
		"DELETE /v2/droplets/{id}":        s.deleteDroplet,
		"POST /v2/droplets/{id}/actions":  s.createAction,
		"GET /v2/droplets/{id}/snapshots": s.listDropletSnapshots,
		"GET /v2/actions/{id}":            s.getAction,
		"POST /v2/account/keys":           s.createKey,
		"GET /v2/account/keys":            s.listKeys,
		"DELETE /v2/account/keys/{id}":    s.deleteKey,
		"DELETE /v2/snapshots/{id}":       s.deleteSnapshot,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, metrics.Middleware(pattern, middleware.Auth(s.token, s.counted(pattern, h))))
	}

	skip := func(r *http.Request) bool { return r.URL.Path == "/healthz" }
	return middleware.RequestLogger(s.logger, skip, mux)
}

func (s *Server) counted(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[pattern]++
		s.mu.Unlock()
		next(w, r)
	})
}

// Calls returns how many authenticated requests matched pattern, for
// example "POST /v2/droplets".
func (s *Server) Calls(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pattern]
}

// SetScript sets the status sequence used by droplets created afterwards.
func (s *Server) SetScript(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append([]Step(nil), steps...)
}

// FailDelete makes deletes of droplet id respond with status.
func (s *Server) FailDelete(id, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFail[id] = status
}

// FailCreate makes droplet creation respond with status; 0 clears it.
func (s *Server) FailCreate(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFail = status
}

// FailList makes droplet listing respond with status; 0 clears it.
func (s *Server) FailList(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFail = status
}

// AddDroplet inserts an already-active droplet, as if left over from an
// earlier run, and returns its ID.
func (s *Server) AddDroplet(name string, tags ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocID()
	s.droplets[id] = &droplet{
		d: cloudapi.Droplet{
			ID:        id,
			Name:      name,
			Status:    models.StatusActive,
			CreatedAt: time.Now().UTC(),
			Tags:      append([]string(nil), tags...),
			Region:    cloudapi.Region{Slug: "nyc3"},
			Networks:  cloudapi.Networks{V4: []cloudapi.NetworkV4{{IPAddress: addressFor(id), Type: "public"}}},
		},
		script: []Step{{Status: models.StatusActive, Address: addressFor(id)}},
	}
	return id
}

// Droplets returns the current droplets ordered by ID.
func (s *Server) Droplets() []cloudapi.Droplet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cloudapi.Droplet, 0, len(s.droplets))
	for _, d := range s.droplets {
		out = append(out, d.d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Keys returns the registered SSH keys ordered by ID.
func (s *Server) Keys() []cloudapi.SSHKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cloudapi.SSHKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshots returns the stored snapshots keyed by ID.
func (s *Server) Snapshots() map[string]cloudapi.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]cloudapi.Snapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		out[k] = v
	}
	return out
}

// AddSnapshot stores a snapshot and returns its ID.
func (s *Server) AddSnapshot(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strconv.Itoa(s.allocID())
	s.snapshots[id] = cloudapi.Snapshot{ID: cloudapi.ImageRef(id), Name: name, CreatedAt: time.Now().UTC(), SizeGB: 2.5}
	return id
}

func (s *Server) allocID() int {
	s.nextID++
	return s.nextID
}

func addressFor(id int) string {
	return fmt.Sprintf("10.0.%d.%d", (id/250)%250, id%250+2)
}
