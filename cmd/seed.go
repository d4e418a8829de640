package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const seedBatchSize = 500

func newSeedCmd() *cobra.Command {
	var (
		count      int
		spread     time.Duration
		seed       int64
		sourceFile string
	)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert synthetic alerts into the configured store",
		Long: `Insert synthetic IDS alerts for local testing.

Business times are spread over the given window before now; ingestion time is
assigned by the store, so a running server picks the new rows up on its next poll.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			env, err := openStore()
			if err != nil {
				return err
			}
			defer env.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			gen := newAlertGenerator(seed, sourceFile)
			alerts := gen.Generate(count, time.Now(), spread)

			for start := 0; start < len(alerts); start += seedBatchSize {
				end := min(start+seedBatchSize, len(alerts))
				if err := env.store.Insert(ctx, alerts[start:end]); err != nil {
					return fmt.Errorf("insert failed after %d alerts: %w", start, err)
				}
				env.sugar.Debugw("Inserted batch", "from", start, "to", end)
			}

			successColor.Fprintf(cmd.OutOrStdout(), "Inserted %d alerts\n", len(alerts))
			return nil
		},
	}

	seedCmd.Flags().IntVarP(&count, "count", "n", 100, "Number of alerts to insert")
	seedCmd.Flags().DurationVar(&spread, "spread", 24*time.Hour, "Business time window before now")
	seedCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 uses the current time)")
	seedCmd.Flags().StringVar(&sourceFile, "source-file", "/var/log/suricata/eve.json", "Value for the sourceFile column")

	return seedCmd
}
