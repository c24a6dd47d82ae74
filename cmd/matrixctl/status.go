package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphummel/lab_matrix/internal/budget"
	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/monitor"
)

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tagged machines and their running cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			prov, err := a.provisioner(cfg, "", a.logger())
			if err != nil {
				return err
			}
			ms, err := prov.List(ctx, cfg.Tag)
			if err != nil {
				return err
			}

			c := a.clock
			if c == nil {
				c = clock.Real()
			}
			// Elapsed is measured from the oldest machine.
			var minutes float64
			for _, m := range ms {
				if m.CreatedAt.IsZero() {
					continue
				}
				if age := clock.Since(c, m.CreatedAt).Minutes(); age > minutes {
					minutes = age
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"tag":            cfg.Tag,
					"machines":       ms,
					"estimated_cost": budget.EstimateCost(len(ms), minutes),
				})
			}
			fmt.Fprintln(out, monitor.FormatTable(ms, minutes))
			fmt.Fprintf(out, "Estimated cost so far: $%.4f\n", budget.EstimateCost(len(ms), minutes))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print machine list as JSON")
	return cmd
}
