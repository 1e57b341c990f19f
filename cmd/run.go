package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/preflight"
	"github.com/signalnine/tribunal/internal/runner"
)

var (
	flagLimit    int
	flagProgress string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an evaluation run",
		Long:  "Generate candidate responses for every enabled dataset example, judge them, and write the run's artifacts. Ctrl-C interrupts cooperatively and still writes partial rows.",
		RunE:  runEval,
	}
	cmd.Flags().IntVar(&flagLimit, "limit", -1, "cap the number of selected examples")
	cmd.Flags().StringVar(&flagProgress, "progress", runner.ProgressLog, "progress output (log, off)")
	return cmd
}

func validateProgressMode(mode string) error {
	switch mode {
	case runner.ProgressLog, runner.ProgressOff:
		return nil
	}
	return fmt.Errorf("unknown progress mode %q (expected %s or %s)", mode, runner.ProgressLog, runner.ProgressOff)
}

func runEval(cmd *cobra.Command, args []string) error {
	if err := validateProgressMode(flagProgress); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	checks := preflight.Check(cfg)
	for _, w := range checks.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !checks.OK() {
		for _, e := range checks.Errors {
			fmt.Fprintf(os.Stderr, "error: %s\n", e)
		}
		return fmt.Errorf("provider checks failed (%d error(s)); fix the config or run `tribunal check`", len(checks.Errors))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runner.Options{ProgressMode: flagProgress}
	if flagLimit >= 0 {
		limit := flagLimit
		opts.LimitOverride = &limit
	}

	outputDir, err := runner.Run(ctx, cfg, opts)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Printf("Run interrupted. Partial artifacts written to: %s\n", outputDir)
	} else {
		fmt.Printf("Run completed. Artifacts written to: %s\n", outputDir)
	}
	return nil
}
