// Package monitor reports the tagged machines of a running session, both as
// a periodic log table and over HTTP.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/models"
)

// Loop timing used when Config leaves it zero.
const (
	DefaultInterval     = 30 * time.Second
	DefaultInitialDelay = 10 * time.Second
	stopTimeout         = 5 * time.Second
)

// Lister lists machines carrying a tag.
type Lister interface {
	List(ctx context.Context, tag string) ([]models.Machine, error)
}

// Config configures a Monitor.
type Config struct {
	Tag      string
	Interval time.Duration
	// InitialDelay precedes the first report. Zero selects the default and
	// a negative value reports immediately.
	InitialDelay time.Duration
	// Start is the session start used for the elapsed column.
	Start  time.Time
	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor periodically logs a status table. It never changes anything at
// the provider.
type Monitor struct {
	lister Lister
	cfg    Config

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New returns a stopped Monitor.
func New(l Lister, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Start.IsZero() {
		cfg.Start = cfg.Clock.Now()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{lister: l, cfg: cfg}
}

// Start launches the background loop. Starting a running Monitor does
// nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, m.stop, m.done)
}

// Stop ends the loop and waits up to five seconds for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		m.cfg.Logger.Warn("status monitor did not stop in time")
	}
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	wait := m.cfg.InitialDelay
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(wait):
		}
		select {
		case <-stop:
			return
		default:
		}
		m.cfg.Logger.Info(m.Report(ctx))
		wait = m.cfg.Interval
	}
}

// Report lists the tagged machines once and renders the status text. A
// listing error is rendered rather than returned.
func (m *Monitor) Report(ctx context.Context) string {
	elapsed := clock.Since(m.cfg.Clock, m.cfg.Start).Minutes()
	ms, err := m.lister.List(ctx, m.cfg.Tag)
	if err != nil {
		return "  [Monitor] API error: " + err.Error()
	}
	return FormatTable(ms, elapsed)
}

// FormatTable renders machines as a fixed-width table headed by the count and
// elapsed minutes.
func FormatTable(ms []models.Machine, elapsedMinutes float64) string {
	if len(ms) == 0 {
		return fmt.Sprintf("  [Monitor] No droplets found (elapsed: %.1fm)", elapsedMinutes)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  [Monitor] %d droplet(s) | elapsed: %.1fm\n", len(ms), elapsedMinutes)
	fmt.Fprintf(&b, "  %-30s %-10s %-22s %-16s %s\n", "Name", "Status", "Image", "IP", "Region")
	for _, mc := range ms {
		ip := mc.Address
		if ip == "" {
			ip = "pending"
		}
		fmt.Fprintf(&b, "  %-30s %-10s %-22s %-16s %s\n", mc.Name, mc.Status, mc.Image, ip, mc.Region)
	}
	return strings.TrimRight(b.String(), "\n")
}
