// Package pool shares one machine, and one connection, per target across a
// test session.
package pool

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/provision"
)

// Provisioner creates machines and waits for them.
type Provisioner interface {
	Create(ctx context.Context, target models.Target, opts ...provision.CreateOption) (models.Machine, error)
	WaitReady(ctx context.Context, id int, timeout time.Duration) (string, error)
}

// Guard vetoes machine creation.
type Guard interface {
	CheckBeforeCreate(ctx context.Context) error
}

// Entry is a ready machine held by the pool.
type Entry struct {
	Target  string `json:"target"`
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Config configures a Pool.
type Config struct {
	// SSHKeyIDs are installed on every machine.
	SSHKeyIDs []int
	// ReadyTimeout bounds each readiness wait; zero uses the provisioner's
	// default.
	ReadyTimeout time.Duration
	// OnCreate, when set, is called for every machine the provider accepted,
	// before the readiness wait.
	OnCreate func(ctx context.Context, target string, m models.Machine)
	Logger   *slog.Logger
}

// Pool memoizes one ready machine per target name for the life of a session.
type Pool struct {
	prov  Provisioner
	guard Guard
	cfg   Config

	mu      sync.Mutex
	entries map[string]Entry
	tracked []int
	opMu    sync.Map
	// createMu pairs the guard check with the create request, so concurrent
	// targets cannot all pass a count check made before any of them exists.
	createMu sync.Mutex
}

// New returns an empty Pool.
func New(prov Provisioner, guard Guard, cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{prov: prov, guard: guard, cfg: cfg, entries: make(map[string]Entry)}
}

// acquireOpLock serializes work per target name.
func (p *Pool) acquireOpLock(name string) *sync.Mutex {
	v, _ := p.opMu.LoadOrStore(name, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// GetOrCreate returns the machine for target, creating it on first use: the
// guard is consulted, then the machine is created and awaited. The guard
// check and the create request are serialized across all targets so that
// the count ceiling holds under concurrency. Later calls for the same target
// make no provider calls. A machine whose readiness wait fails is still
// tracked for cleanup, and the next call tries again.
func (p *Pool) GetOrCreate(ctx context.Context, target models.Target) (Entry, error) {
	if e, ok := p.Get(target.Name); ok {
		return e, nil
	}
	mtx := p.acquireOpLock(target.Name)
	defer mtx.Unlock()
	if e, ok := p.Get(target.Name); ok {
		return e, nil
	}

	start := time.Now()
	m, err := p.create(ctx, target)
	if err != nil {
		return Entry{}, err
	}
	if p.cfg.OnCreate != nil {
		p.cfg.OnCreate(ctx, target.Name, m)
	}

	addr, err := p.prov.WaitReady(ctx, m.ID, p.cfg.ReadyTimeout)
	if err != nil {
		return Entry{}, err
	}
	metrics.ObserveProvision(target.Name, time.Since(start))

	e := Entry{Target: target.Name, ID: m.ID, Name: m.Name, Address: addr}
	p.mu.Lock()
	p.entries[target.Name] = e
	p.mu.Unlock()
	p.cfg.Logger.Info("machine ready", "target", target.Name, "id", m.ID, "address", addr)
	return e, nil
}

// create asks the guard, then submits the machine and tracks it. Only this
// step is serialized across targets; readiness waits run in parallel.
func (p *Pool) create(ctx context.Context, target models.Target) (models.Machine, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()
	if err := p.guard.CheckBeforeCreate(ctx); err != nil {
		return models.Machine{}, err
	}
	m, err := p.prov.Create(ctx, target, provision.WithSSHKeys(p.cfg.SSHKeyIDs...))
	if err != nil {
		return models.Machine{}, err
	}
	p.mu.Lock()
	p.tracked = append(p.tracked, m.ID)
	p.mu.Unlock()
	return m, nil
}

// Get returns the cached entry for a target name.
func (p *Pool) Get(name string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	return e, ok
}

// Entries returns the ready machines ordered by target name.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Target < b.Target:
			return -1
		case a.Target > b.Target:
			return 1
		}
		return 0
	})
	return out
}

// Tracked returns the ID of every machine this pool created, including
// machines that never became ready.
func (p *Pool) Tracked() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tracked)
}
