// Package report renders finished runs for humans: per-candidate score
// tables enriched with token totals from the trace and, when a pricing
// table is supplied, estimated costs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/tribunal/internal/pricing"
	"github.com/signalnine/tribunal/internal/result"
)

// TokenTotals accumulates usage recorded on trace rows.
type TokenTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Calls            int `json:"calls"`
}

func (t *TokenTotals) add(usage map[string]any) {
	t.Calls++
	t.PromptTokens += usageTokens(usage, "prompt_tokens")
	t.CompletionTokens += usageTokens(usage, "completion_tokens")
}

func usageTokens(usage map[string]any, key string) int {
	if v, ok := usage[key].(float64); ok {
		return int(v)
	}
	return 0
}

// CandidateRow is one candidate's line in a run report.
type CandidateRow struct {
	Name      string      `json:"name"`
	Provider  string      `json:"provider,omitempty"`
	Model     string      `json:"model,omitempty"`
	Responses int         `json:"responses"`
	Judged    int         `json:"judged"`
	AvgScore  float64     `json:"avg_score"`
	PassRate  float64     `json:"pass_rate"`
	Tokens    TokenTotals `json:"tokens"`
	CostUSD   *float64    `json:"cost_usd,omitempty"`
}

// RunReport is the rendered view of one run directory.
type RunReport struct {
	RunID            string         `json:"run_id"`
	RunStatus        string         `json:"run_status"`
	RunStartedAtUTC  string         `json:"run_started_at_utc"`
	SelectedExamples int            `json:"selected_examples"`
	NumFailures      int            `json:"num_failures"`
	Candidates       []CandidateRow `json:"candidates"`
	JudgeTokens      TokenTotals    `json:"judge_tokens"`
}

func statFloat(stats map[string]any, key string) float64 {
	if v, ok := stats[key].(float64); ok {
		return v
	}
	return 0
}

func statInt(stats map[string]any, key string) int {
	return int(statFloat(stats, key))
}

// LoadRun reads one run's summary, run config, and trace into a
// report. A nil pricing table leaves the cost column empty; so does a
// candidate model the table has no entry for.
func LoadRun(runDir string, table *pricing.Table) (*RunReport, error) {
	outputs := filepath.Join(runDir, "outputs")

	var summary result.Summary
	if err := result.ReadJSON(filepath.Join(outputs, "summary.json"), &summary); err != nil {
		return nil, fmt.Errorf("reading summary for %s: %w", filepath.Base(runDir), err)
	}
	var runConfig result.RunConfig
	if err := result.ReadJSON(filepath.Join(outputs, "run_config.json"), &runConfig); err != nil {
		return nil, fmt.Errorf("reading run config for %s: %w", filepath.Base(runDir), err)
	}
	trace, err := result.ReadJSONL[result.TraceRow](filepath.Join(outputs, "trace.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("reading trace for %s: %w", filepath.Base(runDir), err)
	}

	candidateModels := map[string]*struct{ provider, model string }{}
	for _, c := range runConfig.Candidates {
		candidateModels[c.Name] = &struct{ provider, model string }{c.Provider, c.Model}
	}

	tokensByModel := map[string]*TokenTotals{}
	judgeTokens := TokenTotals{}
	for _, row := range trace {
		usage, ok := row.Response["usage"].(map[string]any)
		if !ok {
			continue
		}
		if _, isCandidate := candidateModels[row.ModelName]; isCandidate && row.Event == "generation_call" {
			totals, ok := tokensByModel[row.ModelName]
			if !ok {
				totals = &TokenTotals{}
				tokensByModel[row.ModelName] = totals
			}
			totals.add(usage)
			continue
		}
		judgeTokens.add(usage)
	}

	names := make([]string, 0, len(summary.Models))
	for name := range summary.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &RunReport{
		RunID:            summary.RunID,
		RunStatus:        summary.RunStatus,
		RunStartedAtUTC:  summary.RunStartedAtUTC,
		SelectedExamples: summary.SelectedExamples,
		NumFailures:      summary.NumFailures,
		JudgeTokens:      judgeTokens,
	}
	for _, name := range names {
		stats := summary.Models[name]
		row := CandidateRow{
			Name:      name,
			Responses: statInt(stats, "responses"),
			Judged:    statInt(stats, "judged"),
			AvgScore:  statFloat(stats, "avg_score"),
			PassRate:  statFloat(stats, "pass_rate"),
		}
		if totals, ok := tokensByModel[name]; ok {
			row.Tokens = *totals
		}
		if ident, ok := candidateModels[name]; ok {
			row.Provider = ident.provider
			row.Model = ident.model
			if price, ok := table.Lookup(ident.provider, ident.model); ok {
				cost := price.Cost(row.Tokens.PromptTokens, row.Tokens.CompletionTokens)
				row.CostUSD = &cost
			}
		}
		report.Candidates = append(report.Candidates, row)
	}
	return report, nil
}

func costCell(cost *float64) string {
	if cost == nil {
		return "-"
	}
	return fmt.Sprintf("$%.4f", *cost)
}

// RenderTable writes reports as an aligned text table.
func RenderTable(w io.Writer, reports []*RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tCANDIDATE\tRESP\tJUDGED\tAVG\tPASS\tPROMPT TOK\tCOMPL TOK\tCOST")
	for _, report := range reports {
		for _, row := range report.Candidates {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.3f\t%.1f%%\t%d\t%d\t%s\n",
				report.RunID, report.RunStatus, row.Name,
				row.Responses, row.Judged, row.AvgScore, row.PassRate*100,
				row.Tokens.PromptTokens, row.Tokens.CompletionTokens, costCell(row.CostUSD))
		}
	}
	return tw.Flush()
}

// RenderMarkdown writes reports as one markdown table per run.
func RenderMarkdown(w io.Writer, reports []*RunReport) error {
	for i, report := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "## %s (%s)\n\n", report.RunID, report.RunStatus)
		fmt.Fprintln(w, "| Candidate | Responses | Judged | Avg score | Pass rate | Prompt tok | Compl tok | Cost |")
		fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
		for _, row := range report.Candidates {
			fmt.Fprintf(w, "| %s | %d | %d | %.3f | %.1f%% | %d | %d | %s |\n",
				row.Name, row.Responses, row.Judged, row.AvgScore, row.PassRate*100,
				row.Tokens.PromptTokens, row.Tokens.CompletionTokens, costCell(row.CostUSD))
		}
		if report.NumFailures > 0 {
			fmt.Fprintf(w, "\n%d failed item(s).\n", report.NumFailures)
		}
	}
	return nil
}

// RenderJSON writes reports as an indented JSON array.
func RenderJSON(w io.Writer, reports []*RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", strings.Repeat(" ", 2))
	return enc.Encode(reports)
}
