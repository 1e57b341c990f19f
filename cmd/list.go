package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/result"
)

var flagRuns bool

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured candidates, judges, and datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if flagRuns {
				return listRuns(cfg.Run.RunsRoot)
			}
			fmt.Println("Candidates:")
			for _, c := range cfg.Candidates {
				fmt.Printf("  - %s (%s/%s)\n", c.Name, c.Provider, c.Model)
			}
			fmt.Println("\nJudges:")
			for _, j := range cfg.Judges {
				fmt.Printf("  - %s (%s/%s)\n", j.Name, j.Provider, j.Model)
			}
			fmt.Println("\nDatasets:")
			for _, d := range cfg.Data.Datasets {
				state := "enabled"
				if !d.IsEnabled() {
					state = "disabled"
				}
				extra := ""
				if d.Limit != nil {
					extra = fmt.Sprintf(", limit %d", *d.Limit)
				}
				fmt.Printf("  - %s (%s, %s%s)\n", d.Name, d.Path, state, extra)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagRuns, "runs", false, "list stored runs instead")
	return cmd
}

func listRuns(runsRoot string) error {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No runs found under %s\n", runsRoot)
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No runs found under %s\n", runsRoot)
		return nil
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		status := "unknown"
		examples := "-"
		var summary result.Summary
		summaryPath := filepath.Join(runsRoot, entry.Name(), "outputs", "summary.json")
		if err := result.ReadJSON(summaryPath, &summary); err == nil {
			status = summary.RunStatus
			examples = fmt.Sprintf("%d", summary.SelectedExamples)
		}
		fmt.Printf("  - %s [%s, %s example(s)]\n", entry.Name(), status, examples)
	}
	return nil
}
