package result_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/result"
)

func responseRow(dataset, exampleID, candidate string) result.ResponseRow {
	return result.ResponseRow{
		RunID:         "run1",
		Dataset:       dataset,
		ExampleID:     exampleID,
		CandidateName: candidate,
		ResponseText:  "answer",
	}
}

func judgmentRow(dataset, exampleID, candidate string, score float64, pass bool) result.JudgmentRow {
	return result.JudgmentRow{
		RunID:         "run1",
		Dataset:       dataset,
		ExampleID:     exampleID,
		CandidateName: candidate,
		JudgeName:     "judge",
		RequestID:     "req-j",
		CacheKey:      "key-j",
		Score:         score,
		Pass:          pass,
		Criteria:      map[string]float64{"overall": score},
	}
}

func TestBuildSummaryAggregates(t *testing.T) {
	responses := []result.ResponseRow{
		responseRow("ds1", "e1", "modelA"),
		responseRow("ds1", "e2", "modelA"),
		responseRow("ds2", "e3", "modelA"),
	}
	judgments := []result.JudgmentRow{
		judgmentRow("ds1", "e1", "modelA", 1.0, true),
		judgmentRow("ds1", "e2", "modelA", 0.5, false),
	}

	summary := result.BuildSummary(responses, judgments)
	if summary.NumResponses != 3 || summary.NumJudgments != 2 {
		t.Fatalf("counts = %d/%d, want 3/2", summary.NumResponses, summary.NumJudgments)
	}
	stats := summary.Models["modelA"]
	if stats == nil {
		t.Fatal("missing modelA stats")
	}
	if got := stats["avg_score"].(float64); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("avg_score = %v, want 0.75", got)
	}
	if got := stats["pass_rate"].(float64); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("pass_rate = %v, want 0.5", got)
	}
	if _, ok := stats["prbench_avg_points_normalized"]; ok {
		t.Error("weighted rubric averages present without weighted judgments")
	}
	ds2 := summary.ByDataset["ds2"]["modelA"]
	if ds2["responses"].(int) != 1 || ds2["judged"].(int) != 0 {
		t.Errorf("ds2 stats = %v", ds2)
	}
	// avg over max(1, judged) keeps unjudged models at zero, not NaN
	if got := ds2["avg_score"].(float64); got != 0 {
		t.Errorf("unjudged avg_score = %v, want 0", got)
	}
}

func TestBuildSummaryIncludesWeightedAverages(t *testing.T) {
	normalized := 0.8
	clipped := 0.8
	j := judgmentRow("ds1", "e1", "modelA", 0.8, true)
	j.PointsNormalized = &normalized
	j.PointsClipped = &clipped

	summary := result.BuildSummary(
		[]result.ResponseRow{responseRow("ds1", "e1", "modelA")},
		[]result.JudgmentRow{j},
	)
	stats := summary.Models["modelA"]
	if got := stats["prbench_avg_points_normalized"].(float64); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("prbench_avg_points_normalized = %v, want 0.8", got)
	}
	if got := stats["prbench_clipped_count"].(int); got != 1 {
		t.Errorf("prbench_clipped_count = %v, want 1", got)
	}
}

func TestMergeScoredRowsJoinsByKey(t *testing.T) {
	responses := []result.ResponseRow{
		responseRow("ds1", "e1", "modelA"),
		responseRow("ds1", "e2", "modelA"),
	}
	judgments := []result.JudgmentRow{
		judgmentRow("ds1", "e1", "modelA", 1.0, true),
	}

	scored := result.MergeScoredRows(responses, judgments, "2026-01-01T00:00:00Z")
	if len(scored) != 2 {
		t.Fatalf("len(scored) = %d, want 2", len(scored))
	}
	if scored[0].Grading == nil {
		t.Fatal("judged row missing grading")
	}
	if scored[0].Grading.JudgeRequestID != "req-j" || scored[0].Grading.JudgeCacheKey != "key-j" {
		t.Errorf("grading ids = %q/%q", scored[0].Grading.JudgeRequestID, scored[0].Grading.JudgeCacheKey)
	}
	if scored[1].Grading != nil {
		t.Error("unjudged row should have nil grading")
	}
	for _, row := range scored {
		if row.RunStartedAtUTC != "2026-01-01T00:00:00Z" {
			t.Errorf("run_started_at_utc = %q", row.RunStartedAtUTC)
		}
	}
}

func TestJSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	rows := []result.JudgmentRow{
		judgmentRow("ds1", "e1", "modelA", 0.5, false),
		judgmentRow("ds1", "e2", "modelA", 1.0, true),
	}
	if err := result.WriteJSONL(path, rows); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	back, err := result.ReadJSONL[result.JudgmentRow](path)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(back) != 2 || back[1].Score != 1.0 || !back[1].Pass {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestReadJSONLSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	content := "{\"dataset\":\"ds1\",\"example_id\":\"e1\",\"candidate_name\":\"m\"}\n\n{\"dataset\":\"ds1\",\"example_id\":\"e2\",\"candidate_name\":\"m\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := result.ReadJSONL[result.ResponseRow](path)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
}

func TestWriteRunOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Providers: map[string]config.Provider{"openai": {APIKeyEnv: "OPENAI_API_KEY"}},
		Candidates: []config.Model{
			{Name: "modelA", Provider: "openai", Model: "gpt-test"},
		},
		Judges: []config.Model{
			{Name: "judge", Provider: "openai", Model: "gpt-judge"},
		},
	}
	out := &result.RunOutputs{
		RunID:            "run1",
		RunStartedAtUTC:  "2026-01-01T00:00:00Z",
		SelectedExamples: 1,
		Responses:        []result.ResponseRow{responseRow("ds1", "e1", "modelA")},
		Judgments:        []result.JudgmentRow{judgmentRow("ds1", "e1", "modelA", 1.0, true)},
		RunStatus:        "completed",
	}

	summary, err := result.WriteRunOutputs(dir, cfg, out)
	if err != nil {
		t.Fatalf("WriteRunOutputs: %v", err)
	}
	if summary.RunStatus != "completed" || summary.NumFailures != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.InterruptedStage != nil {
		t.Errorf("interrupted_stage = %v, want nil", *summary.InterruptedStage)
	}
	if len(summary.Judges) != 1 || summary.Judges[0].Model != "gpt-judge" {
		t.Errorf("judges = %+v", summary.Judges)
	}

	for _, name := range []string{
		"examples.jsonl", "responses.jsonl", "judgments.jsonl",
		"scored_responses.jsonl", "trace.jsonl", "summary.json", "run_config.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}

	var runConfig result.RunConfig
	if err := result.ReadJSON(filepath.Join(dir, "run_config.json"), &runConfig); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(runConfig.Providers) != 1 || runConfig.Providers[0] != "openai" {
		t.Errorf("providers = %v", runConfig.Providers)
	}

	scored, err := result.ReadJSONL[result.ScoredRow](filepath.Join(dir, "scored_responses.jsonl"))
	if err != nil {
		t.Fatalf("read scored: %v", err)
	}
	if len(scored) != 1 || scored[0].Grading == nil || scored[0].Grading.Score != 1.0 {
		t.Fatalf("scored = %+v", scored)
	}
}
