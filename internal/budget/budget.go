// Package budget enforces the session's machine-count and duration ceilings
// and estimates what the session has spent.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/models"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxMachines = 7
	DefaultMaxMinutes  = 60
	// HourlyRate is the per-machine hourly price of the default size. It is
	// used only for estimates, never for enforcement.
	HourlyRate = 0.00893
)

// ErrBudgetExceeded matches every *ExceededError via errors.Is.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Limit names the ceiling that tripped.
type Limit string

const (
	LimitTime  Limit = "time"
	LimitCount Limit = "count"
)

// ExceededError reports a tripped ceiling.
type ExceededError struct {
	Limit          Limit
	ElapsedMinutes float64
	MaxMinutes     int
	Count          int
	MaxMachines    int
	Tag            string
}

func (e *ExceededError) Error() string {
	if e.Limit == LimitTime {
		return fmt.Sprintf("session timeout: %.1f minutes elapsed (limit=%d); aborting to prevent cost overrun",
			e.ElapsedMinutes, e.MaxMinutes)
	}
	return fmt.Sprintf("machine limit reached: %d machines exist with tag %q (limit=%d); destroy existing machines before creating more",
		e.Count, e.Tag, e.MaxMachines)
}

// Is makes errors.Is(err, ErrBudgetExceeded) true.
func (e *ExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// Inventory is the provider view the guard needs.
type Inventory interface {
	List(ctx context.Context, tag string) ([]models.Machine, error)
	DestroyAll(ctx context.Context, tag string) (int, error)
}

// Config configures a Guard.
type Config struct {
	Tag         string
	MaxMachines int
	MaxMinutes  int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Guard measures elapsed session time and live machine count against fixed
// ceilings. It holds no state besides its start time.
type Guard struct {
	inv    Inventory
	tag    string
	maxN   int
	maxMin int
	clock  clock.Clock
	start  time.Time
	logger *slog.Logger
}

// New returns a Guard whose session starts now.
func New(inv Inventory, cfg Config) *Guard {
	if cfg.MaxMachines <= 0 {
		cfg.MaxMachines = DefaultMaxMachines
	}
	if cfg.MaxMinutes <= 0 {
		cfg.MaxMinutes = DefaultMaxMinutes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		inv:    inv,
		tag:    cfg.Tag,
		maxN:   cfg.MaxMachines,
		maxMin: cfg.MaxMinutes,
		clock:  cfg.Clock,
		start:  cfg.Clock.Now(),
		logger: cfg.Logger,
	}
}

// ElapsedMinutes returns the minutes since the guard was created.
func (g *Guard) ElapsedMinutes() float64 {
	return clock.Since(g.clock, g.start).Minutes()
}

// CheckTimeout fails once the session has run longer than the minute ceiling.
func (g *Guard) CheckTimeout() error {
	if elapsed := g.ElapsedMinutes(); elapsed > float64(g.maxMin) {
		return &ExceededError{Limit: LimitTime, ElapsedMinutes: elapsed, MaxMinutes: g.maxMin}
	}
	return nil
}

// CheckBeforeCreate vetoes a new machine. The time ceiling is checked before
// the count so that a stuck session is reported as such.
func (g *Guard) CheckBeforeCreate(ctx context.Context) error {
	if err := g.CheckTimeout(); err != nil {
		return err
	}
	ms, err := g.inv.List(ctx, g.tag)
	if err != nil {
		return fmt.Errorf("count tagged machines: %w", err)
	}
	if len(ms) >= g.maxN {
		return &ExceededError{Limit: LimitCount, Count: len(ms), MaxMachines: g.maxN, Tag: g.tag}
	}
	return nil
}

// EstimateCost returns the cost of running machines for minutes.
func EstimateCost(machines int, minutes float64) float64 {
	return float64(machines) * (minutes / 60) * HourlyRate
}

// Summary is an observational snapshot of the session.
type Summary struct {
	ElapsedMinutes float64 `json:"elapsed_minutes"`
	MachineCount   int     `json:"droplet_count"`
	EstimatedCost  float64 `json:"estimated_cost"`
}

// Summary reports elapsed minutes (2 decimals), the current tagged machine
// count, and the estimated cost (4 decimals).
func (g *Guard) Summary(ctx context.Context) (Summary, error) {
	elapsed := g.ElapsedMinutes()
	ms, err := g.inv.List(ctx, g.tag)
	if err != nil {
		return Summary{}, fmt.Errorf("count tagged machines: %w", err)
	}
	return Summary{
		ElapsedMinutes: round(elapsed, 2),
		MachineCount:   len(ms),
		EstimatedCost:  round(EstimateCost(len(ms), elapsed), 4),
	}, nil
}

// Stats implements metrics.SessionStats.
func (g *Guard) Stats() (float64, int, float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := g.Summary(ctx)
	return s.ElapsedMinutes, s.MachineCount, s.EstimatedCost, err
}

// Cleanup destroys every tagged machine as a last resort. Errors are logged
// and never returned, so a failing sweep cannot mask an earlier failure.
func (g *Guard) Cleanup(ctx context.Context) {
	n, err := g.inv.DestroyAll(ctx, g.tag)
	if err != nil {
		g.logger.Warn("guard cleanup failed", "tag", g.tag, "destroyed", n, "error", err)
		return
	}
	g.logger.Info("guard cleanup complete", "tag", g.tag, "destroyed", n)
}

// StaleMachine is a tagged machine found before the session created any.
type StaleMachine struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Stale lists tagged machines left over from earlier runs.
func (g *Guard) Stale(ctx context.Context) ([]StaleMachine, error) {
	ms, err := g.inv.List(ctx, g.tag)
	if err != nil {
		return nil, err
	}
	out := make([]StaleMachine, len(ms))
	for i, m := range ms {
		out[i] = StaleMachine{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
