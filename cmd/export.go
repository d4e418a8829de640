package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"alertfeed/api"
	"alertfeed/core"
	"alertfeed/service"

	"github.com/spf13/cobra"
)

// offlineCaller is the identity used by commands that talk to the store
// directly, bypassing the HTTP auth layer.
var offlineCaller = service.Caller{Authorized: true, Role: "Admin"}

func newExportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the most recent alerts as CSV or JSON",
		Long: fmt.Sprintf(`Export up to %d alerts, newest business time first.

Output goes to stdout unless --output is given.`, service.ExportLimit),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("unsupported format %q (use csv or json)", format)
			}

			env, err := openStore()
			if err != nil {
				return err
			}
			defer env.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			planner := service.NewPlanner(env.store, env.sugar.Named("planner"))
			alerts, err := planner.Export(ctx, offlineCaller)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			if err := writeAlerts(w, format, alerts); err != nil {
				return err
			}

			if output != "" {
				successColor.Fprintf(cmd.ErrOrStderr(), "Exported %d alerts to %s\n", len(alerts), output)
			}
			return nil
		},
	}

	exportCmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format (csv or json)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")

	return exportCmd
}

func writeAlerts(w io.Writer, format string, alerts []core.Alert) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if alerts == nil {
			alerts = []core.Alert{}
		}
		return enc.Encode(alerts)
	}
	return api.WriteCSV(w, alerts)
}
