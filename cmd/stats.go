package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"alertfeed/core"
	"alertfeed/service"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var outputJSON bool

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the dashboard summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openStore()
			if err != nil {
				return err
			}
			defer env.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			planner := service.NewPlanner(env.store, env.sugar.Named("planner"))
			stats, err := planner.Stats(ctx, offlineCaller)
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}

	statsCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return statsCmd
}

// renderStats displays the summary as a plain table
func renderStats(w io.Writer, s *core.Stats) {
	headerColor.Fprintln(w, "ALERT SUMMARY")
	headerColor.Fprintln(w, strings.Repeat("=", 48))
	fmt.Fprintf(w, "%-20s %d\n", "Total", s.Total)
	fmt.Fprintf(w, "%-20s %d\n", "Last 24 hours", s.Last24Hours)
	fmt.Fprintf(w, "%-20s %d\n", "Last hour", s.LastHour)
	fmt.Fprintf(w, "%-20s %d\n", "Critical", s.Critical)

	if len(s.BySeverity) > 0 {
		fmt.Fprintln(w)
		infoColor.Fprintln(w, "By level")
		fmt.Fprintln(w, strings.Repeat("-", 48))
		for _, b := range s.BySeverity {
			fmt.Fprintf(w, "%-20s %d\n", b.Severity, b.Count)
		}
	}

	if len(s.TopSourceIPs) > 0 {
		fmt.Fprintln(w)
		infoColor.Fprintln(w, "Top source addresses")
		fmt.Fprintln(w, strings.Repeat("-", 48))
		for _, a := range s.TopSourceIPs {
			fmt.Fprintf(w, "%-20s %d\n", a.Address, a.Count)
		}
	}
	headerColor.Fprintln(w, strings.Repeat("=", 48))
}
