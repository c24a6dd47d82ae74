// Command matrixctl manages the cloud machines behind the multi-distro test
// matrix: cleanup, snapshot images, status, single-target smoke runs and the
// parallel integration runner.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/config"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/remote"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// app holds process-wide dependencies so tests can swap them.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	token    string
	endpoint string
	logLevel string

	clock       clock.Clock
	dialer      remote.Dialer
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	// workerGrace overrides DefaultWorkerGrace.
	workerGrace time.Duration

	// outMu serializes worker output.
	outMu sync.Mutex
}

func main() {
	a := &app{
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		execCommand: exec.CommandContext,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "matrixctl",
		Short:         "Manage the cloud machines behind the distro test matrix",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVar(&a.token, "token", "", "API token (overrides DIGITALOCEAN_TOKEN)")
	cmd.PersistentFlags().StringVar(&a.endpoint, "endpoint", "", "API base URL (overrides DIGITALOCEAN_API_URL)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	cmd.AddCommand(newCleanupCommand(a))
	cmd.AddCommand(newSnapshotsCommand(a))
	cmd.AddCommand(newStatusCommand(a))
	cmd.AddCommand(newSmokeCommand(a))
	cmd.AddCommand(newRunCommand(a))
	return cmd
}

func (a *app) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(a.logLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

func (a *app) loadConfig(targets []string) (config.Config, error) {
	return config.Load(config.Overrides{Endpoint: a.endpoint, Token: a.token, Targets: targets})
}

// provisioner returns a provisioner for cfg labelling machines with tag, or
// cfg.Tag when tag is empty.
func (a *app) provisioner(cfg config.Config, tag string, logger *slog.Logger) (*provision.Provisioner, error) {
	if tag == "" {
		tag = cfg.Tag
	}
	return provision.New(provision.Config{
		Token:    cfg.Token,
		Endpoint: cfg.Endpoint,
		Region:   cfg.Region,
		Size:     cfg.Size,
		Tag:      tag,
		Clock:    a.clock,
		Logger:   logger,
	})
}

// confirm asks a yes/no question on stdin. Anything but y or yes is no.
func (a *app) confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	var answer string
	fmt.Fscanln(cmd.InOrStdin(), &answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
