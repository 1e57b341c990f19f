package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/pricing"
	"github.com/signalnine/tribunal/internal/report"
)

var (
	flagFormat  string
	flagPricing string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id-or-dir>...",
		Short: "Summarize finished runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var table *pricing.Table
			if flagPricing != "" {
				table, err = pricing.Load(flagPricing)
				if err != nil {
					return err
				}
			}

			var reports []*report.RunReport
			for _, arg := range args {
				runDir := resolveRunDir(cfg.Run.RunsRoot, arg)
				loaded, err := report.LoadRun(runDir, table)
				if err != nil {
					return err
				}
				reports = append(reports, loaded)
			}

			switch flagFormat {
			case "table":
				return report.RenderTable(os.Stdout, reports)
			case "markdown":
				return report.RenderMarkdown(os.Stdout, reports)
			case "json":
				return report.RenderJSON(os.Stdout, reports)
			}
			return fmt.Errorf("unknown format %q (expected table, markdown, or json)", flagFormat)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().StringVar(&flagPricing, "pricing", "", "pricing table YAML for cost estimates")
	return cmd
}

// resolveRunDir accepts either a bare run id under runsRoot or an
// explicit path to a run directory.
func resolveRunDir(runsRoot, arg string) string {
	if strings.ContainsRune(arg, os.PathSeparator) {
		return arg
	}
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		return arg
	}
	return filepath.Join(runsRoot, arg)
}
