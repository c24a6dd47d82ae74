package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphummel/lab_matrix/internal/deploy"
	"github.com/tphummel/lab_matrix/internal/session"
)

func newSmokeCommand(a *app) *cobra.Command {
	var (
		target   string
		doDeploy bool
	)

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run one target end to end: provision, connect, run, clean up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger()
			cfg, err := a.loadConfig([]string{target})
			if err != nil {
				return err
			}
			cfg.Worker = ""
			cfg.MonitorSeconds = 0

			s, err := session.Open(ctx, cfg, session.Options{
				Clock:   a.clock,
				Dialer:  a.dialer,
				Logger:  logger,
				Version: version,
			})
			if err != nil {
				return err
			}
			runErr := smoke(ctx, cmd, s, target, doDeploy)

			rep := s.Close(context.WithoutCancel(ctx))
			out := cmd.OutOrStdout()
			for _, r := range rep.Results {
				status := "ok"
				switch {
				case r.Skipped:
					status = "skipped"
				case r.Err != nil:
					status = "FAILED: " + r.Error
				}
				fmt.Fprintf(out, "cleanup %-18s %s\n", r.Step, status)
			}
			return errors.Join(runErr, rep.Err())
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Target to exercise, e.g. debian-12")
	cmd.Flags().BoolVar(&doDeploy, "deploy", false, "Also deploy the payload and ask it to classify a command")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func smoke(ctx context.Context, cmd *cobra.Command, s *session.Session, target string, doDeploy bool) error {
	out := cmd.OutOrStdout()
	conn, err := s.Connect(ctx, target)
	if err != nil {
		return err
	}
	res, err := conn.Run(ctx, "uname -a", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("uname exited %d: %s", res.ExitCode, res.Stderr)
	}
	fmt.Fprintf(out, "%s (%s): %s\n", target, conn.Host(), strings.TrimSpace(res.Stdout))

	if !doDeploy {
		return nil
	}
	if _, err := s.Deploy(ctx, target); err != nil {
		return err
	}
	cfg := s.Config().Classifier
	var classifier *deploy.ClassifierConfig
	if cfg.Validate() == nil {
		classifier = &cfg
	}
	v, err := deploy.CheckCommandSafety(ctx, conn, "ls -la", classifier)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "check_command_safety(\"ls -la\"): %s\n", v.Decision)
	return nil
}
