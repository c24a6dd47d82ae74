package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tphummel/lab_matrix/internal/cleanup"
	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/config"
	"github.com/tphummel/lab_matrix/internal/credential"
	"github.com/tphummel/lab_matrix/internal/ledger"
	"github.com/tphummel/lab_matrix/internal/provision"
)

// Step names of the global sweep.
const (
	stepSweepMachines = "sweep-machines"
	stepSweepKeys     = "sweep-keys"
	stepReapLedger    = "reap-ledger"
)

func newCleanupCommand(a *app) *cobra.Command {
	var (
		dryRun     bool
		force      bool
		withLedger bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Destroy every tagged machine and ephemeral key",
		Long: `Destroy every machine carrying the session tag and every account key
created by a session. With --ledger, resources the local ledger still lists
as outstanding (left behind by crashed sessions) are reaped as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger()
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			prov, err := a.provisioner(cfg, "", logger)
			if err != nil {
				return err
			}

			ms, err := prov.List(ctx, cfg.Tag)
			if err != nil {
				return err
			}
			keys, err := credential.Ephemeral(ctx, prov.API(), cfg.Tag)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d droplet(s) tagged %q and %d ephemeral key(s).\n", len(ms), cfg.Tag, len(keys))
			for _, m := range ms {
				fmt.Fprintf(out, "  droplet %-10d %s\n", m.ID, m.Name)
			}
			for _, k := range keys {
				fmt.Fprintf(out, "  key     %-10d %s\n", k.ID, k.Name)
			}
			if dryRun {
				fmt.Fprintln(out, "Dry run: nothing deleted.")
				return nil
			}
			if len(ms) == 0 && len(keys) == 0 && !withLedger {
				fmt.Fprintln(out, "Nothing to clean up.")
				return nil
			}
			if !force && !a.confirm(cmd, "Delete them?") {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}

			rep := globalSweep(ctx, cfg, prov, withLedger, logger)
			for _, r := range rep.Results {
				status := "ok"
				switch {
				case r.Skipped:
					status = "skipped"
				case r.Err != nil:
					status = "FAILED: " + r.Error
				}
				fmt.Fprintf(out, "%-16s %s\n", r.Step, status)
			}
			return rep.Err()
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be deleted without deleting")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&withLedger, "ledger", false, "Also reap resources the local ledger lists as outstanding")
	return cmd
}

// globalSweep destroys every tagged machine and ephemeral key, and
// optionally everything outstanding in the ledger. Each step runs even when
// an earlier one failed.
func globalSweep(ctx context.Context, cfg config.Config, prov *provision.Provisioner, withLedger bool, logger *slog.Logger) cleanup.Report {
	api := prov.API()
	p := cleanup.NewPipeline(logger,
		cleanup.Step{Name: stepSweepMachines, Run: func(ctx context.Context) error {
			n, err := prov.DestroyAll(ctx, cfg.Tag)
			logger.Info("machines swept", "tag", cfg.Tag, "destroyed", n)
			return err
		}},
		cleanup.Step{Name: stepSweepKeys, Run: func(ctx context.Context) error {
			keys, err := credential.Ephemeral(ctx, api, cfg.Tag)
			if err != nil {
				return err
			}
			n, err := credential.DeleteKeys(ctx, api, keys)
			logger.Info("keys swept", "prefix", cfg.Tag, "deleted", n)
			return err
		}},
		cleanup.Step{Name: stepReapLedger, Skip: !withLedger, Run: func(ctx context.Context) error {
			return reapLedger(ctx, cfg.LedgerPath, prov, logger)
		}},
	)
	return p.Run(ctx)
}

func reapLedger(ctx context.Context, path string, prov *provision.Provisioner, logger *slog.Logger) error {
	l, err := ledger.Open(path, "matrixctl", "")
	if err != nil {
		return err
	}
	defer l.Close()
	if !l.Enabled() {
		return errors.New("ledger is disabled")
	}
	n, err := l.Sweep(ctx, "", func(ctx context.Context, r ledger.Resource) error {
		switch r.Kind {
		case ledger.KindMachine:
			return prov.Destroy(ctx, r.ProviderID)
		case ledger.KindKey:
			if err := prov.API().DeleteSSHKey(ctx, r.ProviderID); err != nil && !cloudapi.IsNotFound(err) {
				return err
			}
			return nil
		}
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	})
	logger.Info("ledger reaped", "path", path, "resources", n)
	return err
}
