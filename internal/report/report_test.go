package report_test

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/pricing"
	"github.com/signalnine/tribunal/internal/report"
	"github.com/signalnine/tribunal/internal/result"
)

func writeRun(t *testing.T, runDir string) {
	t.Helper()
	outputs := filepath.Join(runDir, "outputs")
	if err := os.MkdirAll(outputs, 0o755); err != nil {
		t.Fatal(err)
	}
	summary := &result.Summary{
		Models: map[string]map[string]any{
			"candA": {
				"responses": 2,
				"judged":    2,
				"avg_score": 0.75,
				"pass_rate": 0.5,
			},
		},
		NumResponses:     2,
		NumJudgments:     2,
		RunID:            "run1",
		RunStartedAtUTC:  "2026-01-01T00:00:00Z",
		SelectedExamples: 2,
		RunStatus:        "completed",
	}
	if err := result.WriteJSON(filepath.Join(outputs, "summary.json"), summary); err != nil {
		t.Fatal(err)
	}
	runConfig := &result.RunConfig{
		Candidates: []config.Model{{Name: "candA", Provider: "openai", Model: "gpt-4o"}},
		Judges:     []config.Model{{Name: "judge1", Provider: "openai", Model: "gpt-4o-mini"}},
	}
	if err := result.WriteJSON(filepath.Join(outputs, "run_config.json"), runConfig); err != nil {
		t.Fatal(err)
	}
	usage := func(prompt, completion int) map[string]any {
		return map[string]any{"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
		}}
	}
	trace := []result.TraceRow{
		{Event: "generation_call", ModelName: "candA", Response: usage(1000, 200)},
		{Event: "generation_call", ModelName: "candA", Response: usage(500, 100)},
		{Event: "judge_call", ModelName: "judge1", Response: usage(2000, 50)},
	}
	if err := result.WriteJSONL(filepath.Join(outputs, "trace.jsonl"), trace); err != nil {
		t.Fatal(err)
	}
}

func priceTable(t *testing.T) *pricing.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := "models:\n" +
		"  - provider: openai\n" +
		"    model: gpt-4o\n" +
		"    input_usd_per_million: 2.0\n" +
		"    output_usd_per_million: 10.0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := pricing.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestLoadRunAggregatesTokensAndCost(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run1")
	writeRun(t, runDir)

	loaded, err := report.LoadRun(runDir, priceTable(t))
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.RunID != "run1" || loaded.RunStatus != "completed" {
		t.Errorf("run = %s/%s", loaded.RunID, loaded.RunStatus)
	}
	if len(loaded.Candidates) != 1 {
		t.Fatalf("candidates = %+v", loaded.Candidates)
	}
	row := loaded.Candidates[0]
	if row.Name != "candA" || row.Responses != 2 || row.Judged != 2 {
		t.Errorf("row = %+v", row)
	}
	if row.Tokens.PromptTokens != 1500 || row.Tokens.CompletionTokens != 300 || row.Tokens.Calls != 2 {
		t.Errorf("tokens = %+v", row.Tokens)
	}
	if row.CostUSD == nil {
		t.Fatal("cost not computed")
	}
	want := 1500.0/1e6*2.0 + 300.0/1e6*10.0
	if math.Abs(*row.CostUSD-want) > 1e-9 {
		t.Errorf("cost = %v, want %v", *row.CostUSD, want)
	}
	if loaded.JudgeTokens.PromptTokens != 2000 || loaded.JudgeTokens.Calls != 1 {
		t.Errorf("judge tokens = %+v", loaded.JudgeTokens)
	}
}

func TestLoadRunWithoutPricingLeavesCostEmpty(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run1")
	writeRun(t, runDir)

	loaded, err := report.LoadRun(runDir, nil)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Candidates[0].CostUSD != nil {
		t.Errorf("cost = %v, want nil", *loaded.Candidates[0].CostUSD)
	}
}

func TestRenderTableListsEveryCandidate(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run1")
	writeRun(t, runDir)
	loaded, err := report.LoadRun(runDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := report.RenderTable(&buf, []*report.RunReport{loaded}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"RUN", "candA", "run1", "0.750", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderMarkdownEmitsTable(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run1")
	writeRun(t, runDir)
	loaded, err := report.LoadRun(runDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := report.RenderMarkdown(&buf, []*report.RunReport{loaded}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "## run1 (completed)") {
		t.Errorf("missing heading:\n%s", out)
	}
	if !strings.Contains(out, "| candA | 2 | 2 |") {
		t.Errorf("missing candidate row:\n%s", out)
	}
}

func TestRenderJSONRoundTrips(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run1")
	writeRun(t, runDir)
	loaded, err := report.LoadRun(runDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := report.RenderJSON(&buf, []*report.RunReport{loaded}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"run_id": "run1"`) {
		t.Errorf("json output:\n%s", buf.String())
	}
}
