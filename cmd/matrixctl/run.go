package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphummel/lab_matrix/internal/config"
	"github.com/tphummel/lab_matrix/internal/ledger"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/targets"
)

// integrationPkg is the package the runner tests.
const integrationPkg = "./internal/integration/"

func newRunCommand(a *app) *cobra.Command {
	var (
		workers int
		only    []string
		noSweep bool
	)

	cmd := &cobra.Command{
		Use:   "run [-- go test flags]",
		Short: "Run the integration suite across targets with parallel workers",
		Long: `Split the targets across worker processes, each running the integration
suite with its own session (LAB_MATRIX_WORKER=gwN). When every worker has
exited, sweep all tagged machines and ephemeral keys as the primary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger()
			cfg, err := a.loadConfig(only)
			if err != nil {
				return err
			}
			ts, err := targets.Filter(cfg.Targets)
			if err != nil {
				return err
			}
			groups := splitTargets(ts, workers)

			var mu sync.Mutex
			failed := map[string]error{}
			var g errgroup.Group
			for i, group := range groups {
				worker := fmt.Sprintf("gw%d", i)
				g.Go(func() error {
					err := a.runWorker(ctx, cmd, cfg, worker, group, args)
					if err != nil {
						mu.Lock()
						failed[worker] = err
						mu.Unlock()
					}
					return nil
				})
			}
			g.Wait()

			var errs []error
			for w, err := range failed {
				errs = append(errs, fmt.Errorf("worker %s: %w", w, err))
			}
			if !noSweep {
				prov, err := a.provisioner(cfg, "", logger)
				if err != nil {
					return errors.Join(append(errs, err)...)
				}
				rep := globalSweep(context.WithoutCancel(ctx), cfg, prov, false, logger)
				if err := rep.Err(); err != nil {
					errs = append(errs, fmt.Errorf("sweep: %w", err))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d worker(s), %d failed\n", len(groups), len(failed))
			return errors.Join(errs...)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 4, "Number of worker processes")
	cmd.Flags().StringSliceVar(&only, "target", nil, "Limit to these targets (repeatable)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Skip the final sweep")
	return cmd
}

// splitTargets deals ts round-robin into at most n non-empty groups.
func splitTargets(ts []models.Target, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if n > len(ts) {
		n = len(ts)
	}
	groups := make([][]string, n)
	for i, t := range ts {
		groups[i%n] = append(groups[i%n], t.Name)
	}
	return groups
}

// DefaultWorkerGrace is how long an interrupted worker gets to close its own
// session before its process group is killed.
const DefaultWorkerGrace = 2 * time.Minute

// workerEnv returns the variables that pin a worker to its targets and to
// the same files as this process. go test runs the worker in the package
// directory, so every path is passed absolute.
func workerEnv(cfg config.Config, worker string, group []string) ([]string, error) {
	env := []string{
		"LAB_MATRIX_WORKER=" + worker,
		"LAB_MATRIX_TARGETS=" + strings.Join(group, ","),
	}
	ledgerPath := cfg.LedgerPath
	if ledgerPath == "" {
		ledgerPath = ledger.Off
	}
	for _, kv := range []struct{ key, path string }{
		{"LAB_MATRIX_SNAPSHOTS", cfg.SnapshotsPath},
		{"LAB_MATRIX_LEDGER", ledgerPath},
		{"SYSADMIN_AI_PATH", cfg.PayloadDir},
	} {
		p := kv.path
		if !strings.EqualFold(p, ledger.Off) {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", kv.key, err)
			}
			p = abs
		}
		env = append(env, kv.key+"="+p)
	}
	return env, nil
}

func (a *app) runWorker(ctx context.Context, cmd *cobra.Command, cfg config.Config, worker string, group, extra []string) error {
	env, err := workerEnv(cfg, worker, group)
	if err != nil {
		return err
	}
	args := append([]string{"test", "-tags", "integration", "-count=1", integrationPkg}, extra...)
	c := a.execCommand(ctx, "go", args...)
	c.Env = append(c.Environ(), env...)

	// The test binary is a grandchild of this process. Signal the whole
	// group so it closes its session, and give it time to do so.
	setProcessGroup(c)
	c.Cancel = func() error { return interruptGroup(c.Process) }
	c.WaitDelay = a.workerGrace
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultWorkerGrace
	}

	out := &prefixWriter{prefix: "[" + worker + "] ", w: cmd.OutOrStdout(), mu: &a.outMu}
	c.Stdout = out
	c.Stderr = out
	err = c.Run()
	out.Flush()
	if ctx.Err() != nil && c.Process != nil {
		// Anything still alive past the grace period would outlive the sweep.
		killGroup(c.Process)
	}
	return err
}

// prefixWriter prefixes each complete line before passing it on.
type prefixWriter struct {
	prefix string
	w      io.Writer
	mu     *sync.Mutex
	buf    bytes.Buffer
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf.Write(b)
	for {
		line, err := p.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			p.buf.Write(line)
			return len(b), nil
		}
		p.mu.Lock()
		_, werr := fmt.Fprintf(p.w, "%s%s", p.prefix, line)
		p.mu.Unlock()
		if werr != nil {
			return len(b), werr
		}
	}
}

// Flush writes any trailing partial line.
func (p *prefixWriter) Flush() {
	if p.buf.Len() == 0 {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.w, "%s%s\n", p.prefix, p.buf.String())
	p.mu.Unlock()
	p.buf.Reset()
}
