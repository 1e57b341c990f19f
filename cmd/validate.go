package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/dataset"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every enabled dataset file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			invalid := 0
			for _, ds := range cfg.Data.Datasets {
				if !ds.IsEnabled() {
					continue
				}
				report, err := dataset.ValidateFile(ds.Path)
				if err != nil {
					return fmt.Errorf("validating dataset %s: %w", ds.Name, err)
				}
				fmt.Printf("%s (%s): %d row(s), %d valid, %d invalid, %d with warnings\n",
					ds.Name, report.Path, report.Rows, report.ValidRows, report.InvalidRows, report.WarningRows)
				printIssues("error", report.Errors)
				printIssues("warning", report.Warnings)
				invalid += report.InvalidRows
			}
			if invalid > 0 {
				return fmt.Errorf("%d invalid row(s) across datasets", invalid)
			}
			return nil
		},
	}
}

func printIssues(kind string, issues []dataset.RowIssue) {
	for _, issue := range issues {
		messages := issue.Errors
		if kind == "warning" {
			messages = issue.Warnings
		}
		label := issue.ID
		if label == "" {
			label = fmt.Sprintf("line %d", issue.Line)
		}
		fmt.Printf("  %s %s: %s\n", kind, label, strings.Join(messages, "; "))
	}
}
