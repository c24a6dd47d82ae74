// Package deploy installs the classifier under test on a machine and calls
// into it remotely.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/remote"
)

// RemoteDir is where the payload lives on every machine.
const RemoteDir = "/opt/sysadmin-ai"

// DefaultCommandTimeout bounds each install command.
const DefaultCommandTimeout = 300 * time.Second

// CloudInitWait blocks until first-boot provisioning has finished. It never
// fails, since images without cloud-init have nothing to wait for.
const CloudInitWait = "cloud-init status --wait >/dev/null 2>&1 || true"

// Conn is the part of a channel deployment needs. Both *remote.Channel and
// *pool.Pooled satisfy it.
type Conn interface {
	Run(ctx context.Context, command string, timeout time.Duration) (remote.Result, error)
	UploadDir(ctx context.Context, localDir, remoteDir string) error
}

// CommandError reports a deployment command that exited non-zero.
type CommandError struct {
	Target  string
	Command string
	Result  remote.Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed on %s (exit %d): %q\nstdout: %s\nstderr: %s",
		e.Target, e.Result.ExitCode, e.Command, e.Result.Stdout, e.Result.Stderr)
}

// PipPackageCommand installs pip with the target's package manager.
func PipPackageCommand(t models.Target) string {
	if t.PackageManager == "apt" {
		return "apt-get -o DPkg::Lock::Timeout=120 install -y python3-pip"
	}
	return "dnf install -y python3-pip"
}

// PipInstallCommand installs the classifier's Python dependency.
func PipInstallCommand(t models.Target) string {
	return strings.Join(strings.Fields("pip3 install "+t.PipFlags+" openai"), " ")
}

// Plan returns the install commands for t in their canonical order:
// boot-readiness wait, setup commands, pip, then the Python dependency.
// The payload upload follows them.
func Plan(t models.Target) []string {
	cmds := []string{CloudInitWait}
	cmds = append(cmds, t.SetupCommands...)
	return append(cmds, PipPackageCommand(t), PipInstallCommand(t))
}

// VerifyCommand fails unless the classifier's Python dependency imports.
const VerifyCommand = "python3 -c 'import openai; print(openai.__version__)'"

// PrepareCommands returns the commands that turn a base image into a
// pre-provisioned one: Plan(t), the payload directory, and an import check.
// The payload itself is uploaded per session.
func PrepareCommands(t models.Target) []string {
	return append(Plan(t), "mkdir -p "+RemoteDir, VerifyCommand)
}

// Config configures a Deployer.
type Config struct {
	// PayloadDir is the local directory uploaded to RemoteDir.
	PayloadDir     string
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Deployer installs the payload at most once per target for the life of a
// session.
type Deployer struct {
	cfg Config

	mu   sync.Mutex
	done map[string]bool
	opMu sync.Map
}

// NewDeployer returns a Deployer with no targets deployed.
func NewDeployer(cfg Config) *Deployer {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deployer{cfg: cfg, done: make(map[string]bool)}
}

// Deployed reports whether target has been deployed this session.
func (d *Deployer) Deployed(target string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done[target]
}

// EnsureDeployed runs Plan(t) and uploads the payload, unless t was already
// deployed through this Deployer. A failed command stops the deployment and
// leaves t undeployed so that the next call starts over.
func (d *Deployer) EnsureDeployed(ctx context.Context, t models.Target, conn Conn) error {
	if d.Deployed(t.Name) {
		return nil
	}
	v, _ := d.opMu.LoadOrStore(t.Name, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	defer mtx.Unlock()
	if d.Deployed(t.Name) {
		return nil
	}

	start := time.Now()
	if err := RunAll(ctx, conn, t.Name, Plan(t), d.cfg.CommandTimeout); err != nil {
		return err
	}
	if d.cfg.PayloadDir != "" {
		if err := conn.UploadDir(ctx, d.cfg.PayloadDir, RemoteDir); err != nil {
			return fmt.Errorf("upload payload to %s: %w", t.Name, err)
		}
	}

	d.mu.Lock()
	d.done[t.Name] = true
	d.mu.Unlock()
	d.cfg.Logger.Info("target deployed", "target", t.Name, "duration", time.Since(start))
	return nil
}

// RunAll runs cmds in order and stops at the first failure.
func RunAll(ctx context.Context, conn Conn, target string, cmds []string, timeout time.Duration) error {
	for _, cmd := range cmds {
		res, err := conn.Run(ctx, cmd, timeout)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &CommandError{Target: target, Command: cmd, Result: res}
		}
	}
	return nil
}
