package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/reconcile"
	"github.com/signalnine/tribunal/internal/runner"
)

func newBackfillCmd() *cobra.Command {
	var (
		baseRunID string
		sel       reconcile.Selectors
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run only a base run's affected items",
		Long:  "Select the failed, unparseable, or empty items of an earlier run and execute a fresh run covering just those candidate/example pairs. Merge the result back with `tribunal merge`.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sel.Any() {
				return errors.New("at least one selector is required: --include-failed-generation, --include-parse-errors, or --include-empty-responses")
			}
			if err := validateProgressMode(flagProgress); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := reconcile.RunBackfill(ctx, cfg, baseRunID, sel, flagProgress)
			if errors.Is(err, reconcile.ErrNoTargets) {
				fmt.Printf("Nothing to backfill: no items in %s match the requested selectors.\n", baseRunID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Backfill targeted %d item(s) across %d candidate(s) and %d example(s).\n",
				res.TargetedItems, res.Candidates, res.ExampleIDs)
			fmt.Printf("Backfill run %s written to: %s\n", res.RunID, res.OutputDir)
			fmt.Printf("Merge it with: tribunal merge --base-run-id %s --backfill-run-id %s\n", baseRunID, res.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseRunID, "base-run-id", "", "run to repair")
	cmd.Flags().BoolVar(&sel.FailedGeneration, "include-failed-generation", false, "re-run items whose generation or judging failed")
	cmd.Flags().BoolVar(&sel.ParseErrors, "include-parse-errors", false, "re-run items whose judge output could not be parsed")
	cmd.Flags().BoolVar(&sel.EmptyResponses, "include-empty-responses", false, "re-run items with empty response text")
	cmd.Flags().StringVar(&flagProgress, "progress", runner.ProgressLog, "progress output (log, off)")
	cmd.MarkFlagRequired("base-run-id")
	return cmd
}
