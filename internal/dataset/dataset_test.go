package dataset_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
)

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

const rubricRow = `{"schema_version":"legal_eval_v1","id":"r1","dataset":"contracts","task_type":"rubric_qa","prompt":"Explain consideration.","rubric":[{"id":"c1","title":"Accuracy","weight":2}]}`
const referenceRow = `{"schema_version":"legal_eval_v1","id":"q1","dataset":"contracts","task_type":"reference_qa","prompt":"Define estoppel.","reference_answers":["A bar against denying a prior representation.","Equitable preclusion."]}`
const mcqRow = `{"schema_version":"legal_eval_v1","id":"m1","dataset":"contracts","task_type":"mcq","prompt":"Which element is required?","choices":[{"id":"A","text":"Offer"},{"id":"B","text":"Silence"}],"correct_choice_ids":["A"]}`

func TestLoadNormalizesRubricRow(t *testing.T) {
	path := writeDataset(t, rubricRow)
	examples, err := dataset.Load(config.Dataset{Name: "contracts", Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("got %d examples, want 1", len(examples))
	}
	e := examples[0]
	if e.JudgeMode != "rubric" {
		t.Errorf("judge mode = %q, want rubric", e.JudgeMode)
	}
	if e.Provenance != "canonical:rubric_qa" {
		t.Errorf("provenance = %q", e.Provenance)
	}
	if len(e.Rubric) != 1 || e.Rubric[0]["id"] != "c1" {
		t.Errorf("rubric not carried: %v", e.Rubric)
	}
	if len(e.Messages) != 1 || e.Messages[0].Role != "user" || e.Messages[0].Content != e.Instructions {
		t.Errorf("messages = %v", e.Messages)
	}
}

func TestLoadJoinsReferenceAnswers(t *testing.T) {
	path := writeDataset(t, referenceRow)
	examples, err := dataset.Load(config.Dataset{Name: "contracts", Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := "A bar against denying a prior representation.\nEquitable preclusion."
	if examples[0].ReferenceAnswer != want {
		t.Errorf("reference answer = %q, want %q", examples[0].ReferenceAnswer, want)
	}
}

func TestLoadBuildsMCQInstructions(t *testing.T) {
	path := writeDataset(t, mcqRow)
	examples, err := dataset.Load(config.Dataset{Name: "contracts", Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e := examples[0]
	if !strings.Contains(e.Instructions, "Choices:\nA. Offer\nB. Silence") {
		t.Errorf("instructions missing choice block:\n%s", e.Instructions)
	}
	if !strings.Contains(e.Instructions, "Answer with the best option") {
		t.Errorf("instructions missing answer instruction:\n%s", e.Instructions)
	}
	if e.ReferenceAnswer != "A. Offer" {
		t.Errorf("derived reference answer = %q, want %q", e.ReferenceAnswer, "A. Offer")
	}
	correct, _ := e.Metadata["correct_choice_ids"].([]string)
	if len(correct) != 1 || correct[0] != "A" {
		t.Errorf("correct_choice_ids metadata = %v", e.Metadata["correct_choice_ids"])
	}
	choices, _ := e.Metadata["choices"].(map[string]string)
	if choices["B"] != "Silence" {
		t.Errorf("choices metadata = %v", e.Metadata["choices"])
	}
}

func TestLoadRejectsInvalidRow(t *testing.T) {
	bad := `{"schema_version":"legal_eval_v1","id":"x","dataset":"contracts","task_type":"rubric_qa","prompt":"p"}`
	path := writeDataset(t, bad)
	_, err := dataset.Load(config.Dataset{Name: "contracts", Path: path})
	if err == nil {
		t.Fatal("expected error for rubric_qa row without rubric")
	}
	if !strings.Contains(err.Error(), "rubric") {
		t.Errorf("error should mention rubric: %v", err)
	}
}

func TestLoadAppliesSplitAndLimit(t *testing.T) {
	a := `{"schema_version":"legal_eval_v1","id":"a","dataset":"d","task_type":"reference_qa","prompt":"p","reference_answers":["x"],"metadata":{"split":"test"}}`
	b := `{"schema_version":"legal_eval_v1","id":"b","dataset":"d","task_type":"reference_qa","prompt":"p","reference_answers":["x"],"metadata":{"split":"train"}}`
	c := `{"schema_version":"legal_eval_v1","id":"c","dataset":"d","task_type":"reference_qa","prompt":"p","reference_answers":["x"],"metadata":{"split":"test"}}`
	path := writeDataset(t, a, b, c)

	examples, err := dataset.Load(config.Dataset{
		Name: "d", Path: path, SplitField: "split", SplitValue: "test",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(examples) != 2 || examples[0].ID != "a" || examples[1].ID != "c" {
		t.Fatalf("split filter kept wrong rows: %v", ids(examples))
	}

	limit := 1
	examples, err = dataset.Load(config.Dataset{
		Name: "d", Path: path, SplitField: "split", SplitValue: "test", Limit: &limit,
	})
	if err != nil {
		t.Fatalf("Load with limit: %v", err)
	}
	if len(examples) != 1 || examples[0].ID != "a" {
		t.Fatalf("limit kept wrong rows: %v", ids(examples))
	}
}

func ids(examples []*dataset.Example) []string {
	out := make([]string, len(examples))
	for i, e := range examples {
		out[i] = e.ID
	}
	return out
}

func TestValidateFileReportsPerRow(t *testing.T) {
	badJSON := `{"schema_version":`
	unknownField := `{"schema_version":"legal_eval_v1","id":"w1","dataset":"d","task_type":"reference_qa","prompt":"p","reference_answers":["x"],"extra":1}`
	path := writeDataset(t, rubricRow, badJSON, unknownField)

	report, err := dataset.ValidateFile(path)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if report.Rows != 3 || report.ValidRows != 2 || report.InvalidRows != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", report.Rows, report.ValidRows, report.InvalidRows)
	}
	if report.WarningRows != 1 {
		t.Fatalf("warning rows = %d, want 1", report.WarningRows)
	}
	if len(report.Errors) != 1 || report.Errors[0].Line != 2 {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if len(report.Warnings) != 1 || report.Warnings[0].ID != "w1" {
		t.Fatalf("warnings = %+v", report.Warnings)
	}
	if !strings.Contains(report.Warnings[0].Warnings[0], "extra") {
		t.Errorf("warning should name the unknown field: %v", report.Warnings[0].Warnings)
	}
}

func TestValidateRowForbidsCrossTaskFields(t *testing.T) {
	row := map[string]any{
		"schema_version":    "legal_eval_v1",
		"id":                "x",
		"dataset":           "d",
		"task_type":         "mcq",
		"prompt":            "p",
		"choices":           []any{map[string]any{"id": "A", "text": "a"}, map[string]any{"id": "B", "text": "b"}},
		"correct_choice_ids": []any{"A"},
		"rubric":            []any{map[string]any{"id": "c", "title": "t"}},
	}
	errs, _ := dataset.ValidateRow(row)
	found := false
	for _, e := range errs {
		if strings.Contains(e, "forbidden for task_type=mcq") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected forbidden-field error, got %v", errs)
	}
}

func TestPolicyForUnknownFallsBack(t *testing.T) {
	p := dataset.PolicyFor("no_such_policy")
	if p.ID != "default_v1" || !p.UseDefaultSystemPrompt {
		t.Fatalf("unexpected fallback policy: %+v", p)
	}
	prbench := dataset.PolicyFor("prbench_v1")
	if prbench.UseDefaultSystemPrompt {
		t.Error("prbench should suppress the default system prompt")
	}
	if prbench.RubricJudgeStyle != dataset.RubricStyleCriterionBinary {
		t.Errorf("prbench style = %q", prbench.RubricJudgeStyle)
	}
}
