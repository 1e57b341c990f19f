package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/preflight"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check provider and credential configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			report := preflight.Check(cfg)
			for _, e := range report.Errors {
				fmt.Printf("error: %s\n", e)
			}
			for _, w := range report.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if !report.OK() {
				return fmt.Errorf("%d error(s) found", len(report.Errors))
			}
			if len(report.Warnings) == 0 {
				fmt.Println("All provider checks passed.")
			} else {
				fmt.Printf("Provider checks passed with %d warning(s).\n", len(report.Warnings))
			}
			return nil
		},
	}
}
