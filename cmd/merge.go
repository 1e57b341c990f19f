package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/reconcile"
)

func newMergeCmd() *cobra.Command {
	var baseRunID, backfillRunID, outRunID string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Overlay a backfill run onto its base run",
		Long:  "Merge a backfill run's responses and judgments over the base run's rows and write a repaired run with re-derived scores and summary. Backfill rows win on key collisions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if outRunID == "" {
				outRunID = reconcile.DefaultRepairRunID(baseRunID)
			}
			root := cfg.Run.RunsRoot
			report, err := reconcile.MergeRunOutputs(
				filepath.Join(root, baseRunID),
				filepath.Join(root, backfillRunID),
				filepath.Join(root, outRunID),
			)
			if err != nil {
				return err
			}
			fmt.Printf("Merged %s over %s into %s\n", backfillRunID, baseRunID, outRunID)
			fmt.Printf("  responses: %d replaced, %d added\n", report.ReplacedResponses, report.AddedResponses)
			fmt.Printf("  judgments: %d replaced, %d added\n", report.ReplacedJudgments, report.AddedJudgments)
			if report.MissingResponsesAfterMerge > 0 || report.MissingJudgmentsAfterMerge > 0 {
				fmt.Printf("  still missing: %d response(s), %d judgment(s) of %d expected pairs\n",
					report.MissingResponsesAfterMerge, report.MissingJudgmentsAfterMerge, report.ExpectedTotalPairs)
			}
			fmt.Printf("Repaired artifacts written to: %s\n", filepath.Join(root, outRunID))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseRunID, "base-run-id", "", "run to repair")
	cmd.Flags().StringVar(&backfillRunID, "backfill-run-id", "", "backfill run to overlay")
	cmd.Flags().StringVar(&outRunID, "out-run-id", "", "repaired run id (default <base>_repaired_<timestamp>)")
	cmd.MarkFlagRequired("base-run-id")
	cmd.MarkFlagRequired("backfill-run-id")
	return cmd
}
