package reconcile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/reconcile"
	"github.com/signalnine/tribunal/internal/result"
)

func responseRow(dataset, exampleID, candidate, text string) result.ResponseRow {
	return result.ResponseRow{
		RunID:         "base",
		Dataset:       dataset,
		ExampleID:     exampleID,
		CandidateName: candidate,
		ResponseText:  text,
	}
}

func judgmentRow(dataset, exampleID, candidate string, score float64, parseError bool) result.JudgmentRow {
	return result.JudgmentRow{
		RunID:         "base",
		Dataset:       dataset,
		ExampleID:     exampleID,
		CandidateName: candidate,
		JudgeName:     "judge1",
		Score:         score,
		Pass:          score >= 0.7,
		ParseError:    parseError,
	}
}

func TestOverlayRowsPatchWins(t *testing.T) {
	base := []result.ResponseRow{
		responseRow("ds1", "e1", "candA", "old one"),
		responseRow("ds1", "e2", "candA", "old two"),
	}
	patch := []result.ResponseRow{
		responseRow("ds1", "e2", "candA", "new two"),
		responseRow("ds1", "e3", "candA", "new three"),
	}

	merged, replaced := reconcile.OverlayRows(base, patch)
	if replaced != 1 {
		t.Errorf("replaced = %d, want 1", replaced)
	}
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
	wantTexts := []string{"old one", "new two", "new three"}
	for i, row := range merged {
		if row.ResponseText != wantTexts[i] {
			t.Errorf("merged[%d].ResponseText = %q, want %q", i, row.ResponseText, wantTexts[i])
		}
	}
}

func TestOverlayRowsSortsByKey(t *testing.T) {
	base := []result.ResponseRow{
		responseRow("ds2", "e1", "candA", "x"),
		responseRow("ds1", "e2", "candB", "x"),
		responseRow("ds1", "e2", "candA", "x"),
	}
	merged, replaced := reconcile.OverlayRows(base, nil)
	if replaced != 0 {
		t.Errorf("replaced = %d, want 0", replaced)
	}
	want := []result.Key{
		{Dataset: "ds1", ExampleID: "e2", CandidateName: "candA"},
		{Dataset: "ds1", ExampleID: "e2", CandidateName: "candB"},
		{Dataset: "ds2", ExampleID: "e1", CandidateName: "candA"},
	}
	for i, row := range merged {
		if row.Key() != want[i] {
			t.Errorf("merged[%d].Key() = %+v, want %+v", i, row.Key(), want[i])
		}
	}
}

func writeRunOutputs(t *testing.T, runDir string, examples []result.NormalizedRow,
	responses []result.ResponseRow, judgments []result.JudgmentRow,
	summary *result.Summary, runConfig *result.RunConfig) {
	t.Helper()
	outputs := filepath.Join(runDir, "outputs")
	if err := os.MkdirAll(outputs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := result.WriteJSONL(filepath.Join(outputs, "examples.jsonl"), examples); err != nil {
		t.Fatal(err)
	}
	if err := result.WriteJSONL(filepath.Join(outputs, "responses.jsonl"), responses); err != nil {
		t.Fatal(err)
	}
	if err := result.WriteJSONL(filepath.Join(outputs, "judgments.jsonl"), judgments); err != nil {
		t.Fatal(err)
	}
	if err := result.WriteJSONL(filepath.Join(outputs, "trace.jsonl"), []result.TraceRow{}); err != nil {
		t.Fatal(err)
	}
	if summary == nil {
		summary = result.BuildSummary(responses, judgments)
		summary.RunStartedAtUTC = "2026-01-01T00:00:00Z"
	}
	if err := result.WriteJSON(filepath.Join(outputs, "summary.json"), summary); err != nil {
		t.Fatal(err)
	}
	if runConfig == nil {
		runConfig = &result.RunConfig{
			Candidates: []config.Model{{Name: "candA", Provider: "stub", Model: "m1"}},
		}
	}
	if err := result.WriteJSON(filepath.Join(outputs, "run_config.json"), runConfig); err != nil {
		t.Fatal(err)
	}
}

func baseExamples() []result.NormalizedRow {
	return []result.NormalizedRow{
		{Dataset: "ds1", ExampleID: "e1"},
		{Dataset: "ds1", ExampleID: "e2"},
	}
}

func TestMergeRunOutputsRepairsRun(t *testing.T) {
	root := t.TempDir()
	baseDir := filepath.Join(root, "run1")
	patchDir := filepath.Join(root, "run1_backfill_x")
	outDir := filepath.Join(root, "run1_repaired_x")

	writeRunOutputs(t, baseDir, baseExamples(),
		[]result.ResponseRow{responseRow("ds1", "e1", "candA", "fine")},
		[]result.JudgmentRow{judgmentRow("ds1", "e1", "candA", 0.9, false)},
		nil, nil)
	writeRunOutputs(t, patchDir, nil,
		[]result.ResponseRow{responseRow("ds1", "e2", "candA", "repaired")},
		[]result.JudgmentRow{judgmentRow("ds1", "e2", "candA", 0.8, false)},
		nil, nil)

	report, err := reconcile.MergeRunOutputs(baseDir, patchDir, outDir)
	if err != nil {
		t.Fatalf("MergeRunOutputs: %v", err)
	}
	if report.AddedResponses != 1 || report.AddedJudgments != 1 {
		t.Errorf("added = %d/%d, want 1/1", report.AddedResponses, report.AddedJudgments)
	}
	if report.ReplacedResponses != 0 || report.ReplacedJudgments != 0 {
		t.Errorf("replaced = %d/%d, want 0/0", report.ReplacedResponses, report.ReplacedJudgments)
	}
	if report.ExpectedTotalPairs != 2 {
		t.Errorf("expected_total_pairs = %d, want 2", report.ExpectedTotalPairs)
	}
	if report.MissingResponsesAfterMerge != 0 || report.MissingJudgmentsAfterMerge != 0 {
		t.Errorf("missing = %d/%d, want 0/0",
			report.MissingResponsesAfterMerge, report.MissingJudgmentsAfterMerge)
	}

	var summary result.Summary
	if err := result.ReadJSON(filepath.Join(outDir, "outputs", "summary.json"), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.RunStatus != "completed" {
		t.Errorf("run_status = %q, want completed", summary.RunStatus)
	}
	if summary.RunID != "run1_repaired_x" {
		t.Errorf("run_id = %q", summary.RunID)
	}
	if summary.RepairedFromRunID != "run1" || summary.BackfillRunID != "run1_backfill_x" {
		t.Errorf("lineage = %q / %q", summary.RepairedFromRunID, summary.BackfillRunID)
	}
	if summary.NumResponses != 2 || summary.NumJudgments != 2 {
		t.Errorf("counts = %d/%d, want 2/2", summary.NumResponses, summary.NumJudgments)
	}

	scored, err := result.ReadJSONL[result.ScoredRow](filepath.Join(outDir, "outputs", "scored_responses.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(scored) != 2 {
		t.Fatalf("len(scored) = %d, want 2", len(scored))
	}
	for _, row := range scored {
		if row.Grading == nil {
			t.Errorf("scored row %s has no grading", row.ExampleID)
		}
	}
}

func TestMergeRunOutputsFlagsMissingPairs(t *testing.T) {
	root := t.TempDir()
	baseDir := filepath.Join(root, "run1")
	patchDir := filepath.Join(root, "run1_backfill_x")
	outDir := filepath.Join(root, "run1_repaired_x")

	writeRunOutputs(t, baseDir, baseExamples(),
		[]result.ResponseRow{responseRow("ds1", "e1", "candA", "fine")},
		[]result.JudgmentRow{judgmentRow("ds1", "e1", "candA", 0.9, false)},
		nil, nil)
	writeRunOutputs(t, patchDir, nil, nil, nil, nil, nil)

	report, err := reconcile.MergeRunOutputs(baseDir, patchDir, outDir)
	if err != nil {
		t.Fatalf("MergeRunOutputs: %v", err)
	}
	if report.MissingResponsesAfterMerge != 1 || report.MissingJudgmentsAfterMerge != 1 {
		t.Errorf("missing = %d/%d, want 1/1",
			report.MissingResponsesAfterMerge, report.MissingJudgmentsAfterMerge)
	}

	var summary result.Summary
	if err := result.ReadJSON(filepath.Join(outDir, "outputs", "summary.json"), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.RunStatus != "degraded" {
		t.Errorf("run_status = %q, want degraded", summary.RunStatus)
	}
	if summary.NumFailures != 2 || len(summary.FailedItems) != 2 {
		t.Fatalf("failures = %d/%d, want 2", summary.NumFailures, len(summary.FailedItems))
	}
	stages := map[string]bool{}
	for _, item := range summary.FailedItems {
		stages[item.Stage] = true
		if item.ExampleID != "e2" || item.CandidateName != "candA" {
			t.Errorf("failure item = %+v", item)
		}
	}
	if !stages["response_missing_after_merge"] || !stages["judge_missing_after_merge"] {
		t.Errorf("stages = %v", stages)
	}
}

func TestCollectTargetsHonorsSelectors(t *testing.T) {
	root := t.TempDir()
	baseDir := filepath.Join(root, "run1")
	summary := result.BuildSummary(nil, nil)
	summary.FailedItems = []result.FailureItem{
		{Dataset: "ds1", ExampleID: "e1", CandidateName: "candA", Error: "provider timeout"},
	}
	summary.NumFailures = 1
	writeRunOutputs(t, baseDir, baseExamples(),
		[]result.ResponseRow{
			responseRow("ds1", "e2", "candA", "   "),
			responseRow("ds1", "e3", "candA", "fine"),
		},
		[]result.JudgmentRow{
			judgmentRow("ds1", "e3", "candA", 0, true),
			judgmentRow("ds1", "e4", "candA", 0.9, false),
		},
		summary, nil)
	outputs := filepath.Join(baseDir, "outputs")

	targets, err := reconcile.CollectTargets(outputs, reconcile.Selectors{FailedGeneration: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || !targets[result.Key{Dataset: "ds1", ExampleID: "e1", CandidateName: "candA"}] {
		t.Errorf("failed-generation targets = %v", targets)
	}

	targets, err = reconcile.CollectTargets(outputs, reconcile.Selectors{ParseErrors: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || !targets[result.Key{Dataset: "ds1", ExampleID: "e3", CandidateName: "candA"}] {
		t.Errorf("parse-error targets = %v", targets)
	}

	targets, err = reconcile.CollectTargets(outputs, reconcile.Selectors{EmptyResponses: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || !targets[result.Key{Dataset: "ds1", ExampleID: "e2", CandidateName: "candA"}] {
		t.Errorf("empty-response targets = %v", targets)
	}

	targets, err = reconcile.CollectTargets(outputs, reconcile.Selectors{
		FailedGeneration: true, ParseErrors: true, EmptyResponses: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 3 {
		t.Errorf("combined targets = %v", targets)
	}
}
