package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/remote"
)

// Connection timing used when ConnectorConfig leaves it zero.
const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultRetryInterval  = 5 * time.Second
)

// UnavailableError is returned for a target whose first machine or
// connection attempt failed. The failure is remembered so later requests
// fail immediately.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("machine for %s is unavailable: %v", e.Target, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Signer         ssh.Signer
	Dialer         remote.Dialer
	Clock          clock.Clock
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	Logger         *slog.Logger
}

// Connector keeps one connected channel per target on top of a Pool.
type Connector struct {
	pool *Pool
	cfg  ConnectorConfig

	mu     sync.Mutex
	conns  map[string]*remote.Channel
	failed map[string]error
	opMu   sync.Map
}

// NewConnector returns a Connector drawing machines from p.
func NewConnector(p *Pool, cfg ConnectorConfig) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connector{
		pool:   p,
		cfg:    cfg,
		conns:  make(map[string]*remote.Channel),
		failed: make(map[string]error),
	}
}

func (c *Connector) cached(name string) (*remote.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failed[name]; ok {
		return nil, &UnavailableError{Target: name, Err: err}
	}
	return c.conns[name], nil
}

// Connect returns the shared channel for target, provisioning and connecting
// on first use. Closing the returned Pooled has no effect; CloseAll releases
// the real connections.
func (c *Connector) Connect(ctx context.Context, target models.Target) (*Pooled, error) {
	if ch, err := c.cached(target.Name); err != nil || ch != nil {
		return wrap(ch), err
	}

	v, _ := c.opMu.LoadOrStore(target.Name, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	defer mtx.Unlock()
	if ch, err := c.cached(target.Name); err != nil || ch != nil {
		return wrap(ch), err
	}

	ch, err := c.open(ctx, target)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// The caller giving up says nothing about the target.
		if ctx.Err() != nil {
			return nil, err
		}
		c.failed[target.Name] = err
		c.cfg.Logger.Warn("target unavailable", "target", target.Name, "error", err)
		return nil, &UnavailableError{Target: target.Name, Err: err}
	}
	c.conns[target.Name] = ch
	return wrap(ch), nil
}

func (c *Connector) open(ctx context.Context, target models.Target) (*remote.Channel, error) {
	e, err := c.pool.GetOrCreate(ctx, target)
	if err != nil {
		return nil, err
	}
	ch := remote.New(remote.Config{
		Host:   e.Address,
		User:   target.User,
		Signer: c.cfg.Signer,
		Dialer: c.cfg.Dialer,
		Clock:  c.cfg.Clock,
		Logger: c.cfg.Logger,
	})
	if err := ch.Connect(ctx, c.cfg.ConnectTimeout, c.cfg.RetryInterval); err != nil {
		return nil, err
	}
	return ch, nil
}

// CloseAll closes every cached connection. It always attempts all of them
// and returns the joined errors.
func (c *Connector) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, ch := range c.conns {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(c.conns, name)
	}
	return errors.Join(errs...)
}

// Pooled is a shared channel whose Close is a no-op, so callers can defer
// Close without tearing down a connection other callers reuse.
type Pooled struct {
	ch *remote.Channel
}

func wrap(ch *remote.Channel) *Pooled {
	if ch == nil {
		return nil
	}
	return &Pooled{ch: ch}
}

// Host returns the machine address.
func (p *Pooled) Host() string { return p.ch.Host() }

// Run executes command on the shared channel.
func (p *Pooled) Run(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
	return p.ch.Run(ctx, command, timeout)
}

// UploadFile copies one file over the shared channel.
func (p *Pooled) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return p.ch.UploadFile(ctx, localPath, remotePath)
}

// UploadDir mirrors a directory over the shared channel.
func (p *Pooled) UploadDir(ctx context.Context, localDir, remoteDir string) error {
	return p.ch.UploadDir(ctx, localDir, remoteDir)
}

// Close does nothing.
func (p *Pooled) Close() error { return nil }
