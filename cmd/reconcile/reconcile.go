package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-search/internal/app"
	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/labeling"
)

// Command creates a new command that repairs drifted session counters.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reconcile [session-id...]",
		Short: "Recompute session counters from candidate labels",
		Long:  "Recount candidate label states of each session and overwrite stored counters that drifted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			reports := make([]*labeling.ReconcileReport, 0, len(args))
			for _, id := range args {
				report, err := a.Search.Reconcile(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("session %s: %w", id, err)
				}
				reports = append(reports, report)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			for _, r := range reports {
				if err := printReport(cmd.OutOrStdout(), r); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")
	return cmd
}

// printReport writes a human readable drift summary.
func printReport(w io.Writer, r *labeling.ReconcileReport) error {
	if !r.Repaired {
		_, err := fmt.Fprintf(w, "%s: counters consistent (%d results, %d labeled)\n",
			r.SessionID, r.Actual.TotalResults, r.Actual.LabeledCount)
		return err
	}
	if _, err := fmt.Fprintf(w, "%s: repaired\n", r.SessionID); err != nil {
		return err
	}
	keys := make([]string, 0, len(r.Drift))
	for k := range r.Drift {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "  %-20s %+d\n", k, r.Drift[k]); err != nil {
			return err
		}
	}
	return nil
}
