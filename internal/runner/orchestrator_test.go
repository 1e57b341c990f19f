package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/result"
)

// fakeChatServer speaks just enough of the chat.completions protocol
// for the OpenAI-compatible adapter, recording the model of each call.
type fakeChatServer struct {
	*httptest.Server
	mu     sync.Mutex
	models []string
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	t.Helper()
	fs := &fakeChatServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.models = append(fs.models, req.Model)
		fs.mu.Unlock()

		content := "The answer is estoppel."
		if req.Model == "judge-model" {
			content = `{"score": 0.9, "pass": true, "rationale": "solid"}`
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		})
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeChatServer) calledModels() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string{}, fs.models...)
}

func writeRunConfig(t *testing.T, serverURL, runsRoot, runID string) *config.Config {
	t.Helper()
	t.Setenv("TRIBUNAL_TEST_KEY", "test-key")

	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "contracts.jsonl")
	row := `{"schema_version":"legal_eval_v1","id":"q1","dataset":"contracts","task_type":"reference_qa","prompt":"Define estoppel.","reference_answers":["Equitable preclusion."]}`
	if err := os.WriteFile(datasetPath, []byte(row+"\n"), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}

	yamlText := fmt.Sprintf(`providers:
  stub:
    base_url: %s
    api_key_env: TRIBUNAL_TEST_KEY
candidates:
  - name: candA
    provider: stub
    model: cand-model
judges:
  - name: judge1
    provider: stub
    model: judge-model
data:
  datasets:
    - name: contracts
      path: %s
retry:
  max_attempts: 1
run:
  run_id: %s
  runs_root: %s
`, serverURL, datasetPath, runID, runsRoot)
	cfgPath := filepath.Join(dir, "tribunal.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlText), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestRunWritesCompletedArtifacts(t *testing.T) {
	server := newFakeChatServer(t)
	runsRoot := t.TempDir()
	cfg := writeRunConfig(t, server.URL, runsRoot, "fullrun")

	outputDir, err := Run(context.Background(), cfg, Options{ProgressMode: ProgressOff})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := filepath.Join(runsRoot, "fullrun", "outputs"); outputDir != want {
		t.Errorf("output dir = %q, want %q", outputDir, want)
	}

	for _, name := range []string{
		"examples.jsonl", "responses.jsonl", "judgments.jsonl",
		"scored_responses.jsonl", "trace.jsonl", "summary.json", "run_config.json",
	} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}

	var summary result.Summary
	if err := result.ReadJSON(filepath.Join(outputDir, "summary.json"), &summary); err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if summary.RunStatus != "completed" {
		t.Errorf("run status = %q, want completed", summary.RunStatus)
	}
	if summary.InterruptedStage != nil {
		t.Errorf("interrupted stage = %v, want nil", *summary.InterruptedStage)
	}
	if summary.NumResponses != 1 || summary.NumJudgments != 1 {
		t.Errorf("responses/judgments = %d/%d, want 1/1", summary.NumResponses, summary.NumJudgments)
	}
	if summary.NumFailures != 0 {
		t.Errorf("failures = %d (%+v)", summary.NumFailures, summary.FailedItems)
	}

	scored, err := result.ReadJSONL[result.ScoredRow](filepath.Join(outputDir, "scored_responses.jsonl"))
	if err != nil {
		t.Fatalf("reading scored rows: %v", err)
	}
	if len(scored) != 1 || scored[0].Grading == nil {
		t.Fatalf("scored rows = %+v", scored)
	}
	if scored[0].Grading.Score != 0.9 || !scored[0].Grading.Pass {
		t.Errorf("grading = %+v", scored[0].Grading)
	}

	// Judging may not start before generation has finished.
	models := server.calledModels()
	if len(models) != 2 || models[0] != "cand-model" || models[1] != "judge-model" {
		t.Errorf("call order = %v, want [cand-model judge-model]", models)
	}
}

func TestRunInterruptedGenerationSkipsJudging(t *testing.T) {
	server := newFakeChatServer(t)
	runsRoot := t.TempDir()
	cfg := writeRunConfig(t, server.URL, runsRoot, "stopped")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outputDir, err := Run(ctx, cfg, Options{ProgressMode: ProgressOff})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var summary result.Summary
	if err := result.ReadJSON(filepath.Join(outputDir, "summary.json"), &summary); err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if summary.RunStatus != "interrupted" {
		t.Errorf("run status = %q, want interrupted", summary.RunStatus)
	}
	if summary.InterruptedStage == nil || *summary.InterruptedStage != "generation" {
		t.Errorf("interrupted stage = %v, want generation", summary.InterruptedStage)
	}
	if summary.NumJudgments != 0 {
		t.Errorf("judgments = %d, want 0", summary.NumJudgments)
	}
	if calls := server.calledModels(); len(calls) != 0 {
		t.Errorf("provider calls = %v, want none", calls)
	}
}
