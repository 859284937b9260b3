package recompute

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platelab/platevision/cmd/samples"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/runtime"
)

// Command creates the command that rebuilds sample summaries from their runs.
func Command(rt *runtime.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute [sample]",
		Short: "Rebuild sample summaries from stored runs",
		Long:  "Rebuild the summary of one sample, or of every sample when none is given, from its completed runs.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeStore, err := samples.OpenEngine(rt)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				summary, err := engine.Recompute(ctx, args[0])
				if err != nil {
					return err
				}
				if summary == nil {
					fmt.Fprintf(out, "%s: no completed runs, summary removed\n", args[0])
					return nil
				}
				fmt.Fprintf(out, "%s: %d colonies over %d runs\n", summary.SampleID, summary.Total, summary.TotalRuns)
				return nil
			}

			n, err := engine.RecomputeAll(ctx)
			if err != nil {
				rt.Logger("recompute").Error("recompute interrupted",
					logger.Int("completed", n),
					logger.Error(err))
				return err
			}
			fmt.Fprintf(out, "recomputed %d samples\n", n)
			return nil
		},
	}

	return cmd
}
