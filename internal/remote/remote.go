// Package remote runs commands on, and copies files to, one machine over a
// single authenticated connection.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/retry"
)

// Defaults applied to zero Config and argument values.
const (
	DefaultPort           = 22
	DefaultAttemptTimeout = 10 * time.Second
	DefaultConnectTimeout = 60 * time.Second
	DefaultRetryInterval  = 5 * time.Second
	DefaultRunTimeout     = 120 * time.Second
)

// ErrNotConnected is returned by operations that need a connection when
// Connect has not succeeded or Close has been called.
var ErrNotConnected = errors.New("not connected: call Connect first")

var tracer trace.Tracer = otel.Tracer("github.com/tphummel/lab_matrix/internal/remote")

// Transport is one authenticated connection to a machine.
type Transport interface {
	// Exec runs cmd in a new remote process, streaming its output, and
	// returns the exit code. A process that ran and exited non-zero is not
	// an error.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	// FS opens a file-transfer session over the connection.
	FS() (RemoteFS, error)
	Close() error
}

// RemoteFS is the file-transfer surface used for uploads.
type RemoteFS interface {
	Mkdir(path string) error
	Stat(path string) (fs.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Transport, error)
}

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Config configures a Channel.
type Config struct {
	Host   string
	Port   int
	User   string
	Signer ssh.Signer
	// AttemptTimeout bounds each individual connection attempt so that one
	// hung handshake cannot consume the whole connect deadline.
	AttemptTimeout time.Duration
	// HostKeyCallback defaults to trusting the first key seen.
	HostKeyCallback ssh.HostKeyCallback
	Dialer          Dialer
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Channel is a remote-execution session bound to one machine. It owns at
// most one live transport.
type Channel struct {
	cfg  Config
	addr string

	mu        sync.RWMutex
	transport Transport
}

// New returns an unconnected Channel.
func New(cfg Config) *Channel {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = TrustOnFirstUse()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = SSHDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{cfg: cfg, addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}
}

// Host returns the machine address the channel connects to.
func (c *Channel) Host() string { return c.cfg.Host }

// Connected reports whether a transport is open.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil
}

// ConnectTimeoutError reports that no connection attempt succeeded before
// the deadline. Last is the error from the final attempt.
type ConnectTimeoutError struct {
	Host     string
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s failed after %s (%d attempts): %v", e.Host, e.Timeout, e.Attempts, e.Last)
}

func (e *ConnectTimeoutError) Unwrap() error { return e.Last }

// Connect authenticates, retrying every retryInterval until timeout. A
// machine reported active may not be accepting connections yet. Calling
// Connect on a connected channel is a no-op. Zero durations select the
// package defaults.
func (c *Channel) Connect(ctx context.Context, timeout, retryInterval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "remote.Connect", trace.WithAttributes(attribute.String("host", c.cfg.Host)))
	defer span.End()

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.cfg.Signer)},
		HostKeyCallback: c.cfg.HostKeyCallback,
		Timeout:         c.cfg.AttemptTimeout,
	}
	policy := retry.Policy{Timeout: timeout, Interval: retryInterval, Clock: c.cfg.Clock}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		t, err := c.cfg.Dialer.Dial(attemptCtx, c.addr, clientCfg)
		metrics.ConnectAttempt(err)
		if err != nil {
			c.cfg.Logger.Debug("connect attempt failed", "host", c.cfg.Host, "attempt", attempt, "error", err)
			return err
		}
		c.transport = t
		return nil
	})
	if err == nil {
		c.cfg.Logger.Info("connected", "host", c.cfg.Host, "user", c.cfg.User)
		return nil
	}
	span.SetStatus(codes.Error, err.Error())
	var te *retry.TimeoutError
	if errors.As(err, &te) {
		return &ConnectTimeoutError{Host: c.cfg.Host, Timeout: timeout, Attempts: te.Attempts, Last: te.Last}
	}
	return err
}

func (c *Channel) current() (Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

// Run executes command in a fresh remote process and captures its output.
// A zero timeout selects DefaultRunTimeout. Failed commands are not retried.
func (c *Channel) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	t, err := c.current()
	if err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := t.Exec(ctx, command, &stdout, &stderr)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}
	if err != nil {
		return res, fmt.Errorf("run on %s: %w", c.cfg.Host, err)
	}
	return res, nil
}

// UploadFile copies one local file to remotePath.
func (c *Channel) UploadFile(ctx context.Context, localPath, remotePath string) error {
	t, err := c.current()
	if err != nil {
		return err
	}
	rfs, err := t.FS()
	if err != nil {
		return fmt.Errorf("open file transfer to %s: %w", c.cfg.Host, err)
	}
	defer rfs.Close()
	return putFile(ctx, rfs, localPath, remotePath)
}

// UploadDir mirrors the local directory tree at localDir under remoteDir,
// creating remote directories as needed. Existing directories are reused.
func (c *Channel) UploadDir(ctx context.Context, localDir, remoteDir string) error {
	t, err := c.current()
	if err != nil {
		return err
	}
	rfs, err := t.FS()
	if err != nil {
		return fmt.Errorf("open file transfer to %s: %w", c.cfg.Host, err)
	}
	defer rfs.Close()

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := remoteDir
		if rel != "." {
			target = path.Join(remoteDir, filepath.ToSlash(rel))
		}
		if d.IsDir() {
			if rel == "." {
				return mkdirAll(rfs, target)
			}
			return mkdir(rfs, target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return putFile(ctx, rfs, p, target)
	})
}

// mkdir creates dir, treating an existing directory as success.
func mkdir(rfs RemoteFS, dir string) error {
	err := rfs.Mkdir(dir)
	if err == nil {
		return nil
	}
	if fi, statErr := rfs.Stat(dir); statErr == nil && fi.IsDir() {
		return nil
	}
	return fmt.Errorf("mkdir %s: %w", dir, err)
}

// mkdirAll creates dir and any missing parents.
func mkdirAll(rfs RemoteFS, dir string) error {
	if fi, err := rfs.Stat(dir); err == nil && fi.IsDir() {
		return nil
	}
	if parent := path.Dir(dir); parent != dir {
		if err := mkdirAll(rfs, parent); err != nil {
			return err
		}
	}
	return mkdir(rfs, dir)
}

func putFile(ctx context.Context, rfs RemoteFS, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := rfs.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Close releases the transport. It is safe to call more than once and on a
// channel that never connected.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}
