// Package events publishes machine lifecycle events to NATS so external
// dashboards can follow a test run.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects events are published on.
const (
	SubjectMachineCreated   = "lab_matrix.machines.created"
	SubjectMachineDestroyed = "lab_matrix.machines.destroyed"
	SubjectSessionCleanup   = "lab_matrix.session.cleanup"
)

// MachineEvent describes a machine entering or leaving a session.
type MachineEvent struct {
	Session   string    `json:"session"`
	Worker    string    `json:"worker,omitempty"`
	Target    string    `json:"target,omitempty"`
	MachineID int       `json:"machine_id"`
	Name      string    `json:"name,omitempty"`
	Time      time.Time `json:"time"`
}

// CleanupEvent summarizes a finished cleanup run.
type CleanupEvent struct {
	Session string    `json:"session"`
	Worker  string    `json:"worker,omitempty"`
	Primary bool      `json:"primary"`
	Ran     []string  `json:"ran"`
	Failed  []string  `json:"failed,omitempty"`
	Time    time.Time `json:"time"`
}

// Conn is the part of *nats.Conn the Bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Bus publishes JSON events. A Bus without a connection drops everything,
// and publish failures are logged rather than returned so that event
// delivery never affects a test run.
type Bus struct {
	conn   Conn
	logger *slog.Logger
}

// Noop returns a Bus that publishes nothing.
func Noop() *Bus { return &Bus{logger: slog.Default()} }

// Connect dials url. An empty url returns Noop().
func Connect(url, name string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(url) == "" {
		return &Bus{logger: logger}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return New(nc, logger), nil
}

// New wraps an existing connection.
func New(conn Conn, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{conn: conn, logger: logger}
}

// Enabled reports whether events are delivered anywhere.
func (b *Bus) Enabled() bool { return b != nil && b.conn != nil }

// Publish encodes v as JSON and publishes it to subject.
func (b *Bus) Publish(ctx context.Context, subject string, v any) {
	if !b.Enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("event encode failed", "subject", subject, "err", err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn("event publish failed", "subject", subject, "err", err)
	}
}

// MachineCreated publishes e on SubjectMachineCreated.
func (b *Bus) MachineCreated(ctx context.Context, e MachineEvent) {
	b.Publish(ctx, SubjectMachineCreated, e)
}

// MachineDestroyed publishes e on SubjectMachineDestroyed.
func (b *Bus) MachineDestroyed(ctx context.Context, e MachineEvent) {
	b.Publish(ctx, SubjectMachineDestroyed, e)
}

// SessionCleanup publishes e on SubjectSessionCleanup.
func (b *Bus) SessionCleanup(ctx context.Context, e CleanupEvent) {
	b.Publish(ctx, SubjectSessionCleanup, e)
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() {
	if !b.Enabled() {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
