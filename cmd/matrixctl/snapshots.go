package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tphummel/lab_matrix/internal/snapshots"
	"github.com/tphummel/lab_matrix/internal/targets"
)

func newSnapshotsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Build or delete pre-provisioned target images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newSnapshotsBuildCommand(a))
	cmd.AddCommand(newSnapshotsDeleteCommand(a))
	return cmd
}

func newSnapshotsBuildCommand(a *app) *cobra.Command {
	var (
		force  bool
		dryRun bool
		only   []string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build one snapshot per target in parallel",
		Args:  cobra.NoArgs,
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
			existing, err := targets.LoadSnapshots(cfg.SnapshotsPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Would build %d snapshot(s):\n", len(ts))
				for _, t := range ts {
					fmt.Fprintf(out, "  %-16s from %s\n", t.Name, t.Image)
				}
				fmt.Fprintf(out, "Estimated storage cost: $%.2f/month (%d x %.1f GB x $%.2f/GB)\n",
					snapshots.EstimateMonthlyCost(len(ts)), len(ts), snapshots.SnapshotSizeGB, snapshots.PricePerGBMonth)
				return nil
			}
			if len(existing) > 0 && !force {
				return fmt.Errorf("snapshot mapping %s already lists %d snapshot(s); delete them first or pass --force", cfg.SnapshotsPath, len(existing))
			}

			prov, err := a.provisioner(cfg, snapshots.BuildTag, logger)
			if err != nil {
				return err
			}
			b := snapshots.NewBuilder(snapshots.Config{
				Provisioner: prov,
				Dialer:      a.dialer,
				Clock:       a.clock,
				Logger:      logger,
			})
			built, buildErr := b.Build(ctx, ts)
			for name, s := range built {
				existing[name] = s
			}
			if len(built) > 0 {
				if err := targets.SaveSnapshots(cfg.SnapshotsPath, existing); err != nil {
					return errors.Join(buildErr, err)
				}
			}
			names := make([]string, 0, len(built))
			for name := range built {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-16s %s\n", name, built[name].SnapshotID)
			}
			fmt.Fprintf(out, "Built %d of %d snapshot(s); mapping written to %s\n", len(built), len(ts), cfg.SnapshotsPath)
			return buildErr
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Build even when a snapshot mapping already exists")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan and cost estimate without building")
	cmd.Flags().StringSliceVar(&only, "target", nil, "Limit to these targets (repeatable)")
	return cmd
}

func newSnapshotsDeleteCommand(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete every recorded snapshot and the mapping file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger()
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			snaps, err := targets.LoadSnapshots(cfg.SnapshotsPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintf(out, "No snapshots recorded in %s.\n", cfg.SnapshotsPath)
				return nil
			}
			for name, s := range snaps {
				fmt.Fprintf(out, "  %-16s %s\n", name, s.SnapshotID)
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: %d snapshot(s) would be deleted.\n", len(snaps))
				return nil
			}

			prov, err := a.provisioner(cfg, snapshots.BuildTag, logger)
			if err != nil {
				return err
			}
			left, delErr := snapshots.Delete(ctx, prov, snaps, logger)
			if len(left) == 0 {
				if err := os.Remove(cfg.SnapshotsPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				fmt.Fprintf(out, "Deleted %d snapshot(s) and removed %s.\n", len(snaps), cfg.SnapshotsPath)
				return nil
			}
			if err := targets.SaveSnapshots(cfg.SnapshotsPath, left); err != nil {
				return errors.Join(delErr, err)
			}
			fmt.Fprintf(out, "Deleted %d of %d snapshot(s); %d remain in %s.\n", len(snaps)-len(left), len(snaps), len(left), cfg.SnapshotsPath)
			return delErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be deleted without deleting")
	return cmd
}
