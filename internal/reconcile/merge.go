package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/signalnine/tribunal/internal/result"
)

// Run artifacts live under <runs_root>/<run_id>/outputs regardless of
// how output_dir was spelled in the producing config.
const outputsDirName = "outputs"

// Report summarizes one merge for reconciliation_report.json.
type Report struct {
	BaseRunID                  string `json:"base_run_id"`
	BackfillRunID              string `json:"backfill_run_id"`
	OutputRunID                string `json:"output_run_id"`
	ReplacedResponses          int    `json:"replaced_responses"`
	ReplacedJudgments          int    `json:"replaced_judgments"`
	AddedResponses             int    `json:"added_responses"`
	AddedJudgments             int    `json:"added_judgments"`
	ExpectedTotalPairs         int    `json:"expected_total_pairs"`
	MissingResponsesAfterMerge int    `json:"missing_responses_after_merge"`
	MissingJudgmentsAfterMerge int    `json:"missing_judgments_after_merge"`
}

// DefaultRepairRunID names a merged run after its base.
func DefaultRepairRunID(baseRunID string) string {
	return fmt.Sprintf("%s_repaired_%s", baseRunID, time.Now().UTC().Format("20060102_150405"))
}

// expectedKeys enumerates every (dataset, example, candidate) pair the
// base run planned, from its normalized examples and its configured
// candidate names.
func expectedKeys(examples []result.NormalizedRow, runConfig result.RunConfig) map[result.Key]bool {
	var candidateNames []string
	for _, c := range runConfig.Candidates {
		if name := strings.TrimSpace(c.Name); name != "" {
			candidateNames = append(candidateNames, name)
		}
	}
	keys := map[result.Key]bool{}
	for _, example := range examples {
		if strings.TrimSpace(example.Dataset) == "" || strings.TrimSpace(example.ExampleID) == "" {
			continue
		}
		for _, name := range candidateNames {
			keys[result.Key{Dataset: example.Dataset, ExampleID: example.ExampleID, CandidateName: name}] = true
		}
	}
	return keys
}

func missingKeys(expected map[result.Key]bool, present map[result.Key]bool) []result.Key {
	var missing []result.Key
	for key := range expected {
		if !present[key] {
			missing = append(missing, key)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Compare(missing[j]) < 0 })
	return missing
}

func missingFailureItems(keys []result.Key, stage, message string) []result.FailureItem {
	items := make([]result.FailureItem, 0, len(keys))
	for _, key := range keys {
		items = append(items, result.FailureItem{
			Dataset:       key.Dataset,
			ExampleID:     key.ExampleID,
			CandidateName: key.CandidateName,
			Stage:         stage,
			Error:         message,
		})
	}
	return items
}

func presentKeys[T result.Keyed](rows []T) map[result.Key]bool {
	present := make(map[result.Key]bool, len(rows))
	for _, row := range rows {
		present[row.Key()] = true
	}
	return present
}

// MergeRunOutputs overlays a backfill run's responses, judgments and
// trace onto a base run and writes the merged run under outRunDir. Any
// planned pair still missing a response or judgment after the overlay
// is recorded as a failure item and degrades the merged run's status.
func MergeRunOutputs(baseRunDir, backfillRunDir, outRunDir string) (*Report, error) {
	baseOutputs := filepath.Join(baseRunDir, outputsDirName)
	patchOutputs := filepath.Join(backfillRunDir, outputsDirName)
	outOutputs := filepath.Join(outRunDir, outputsDirName)
	if err := os.MkdirAll(outOutputs, 0o755); err != nil {
		return nil, fmt.Errorf("creating merged output dir: %w", err)
	}

	baseExamples, err := result.ReadJSONL[result.NormalizedRow](filepath.Join(baseOutputs, "examples.jsonl"))
	if err != nil {
		return nil, err
	}
	baseResponses, err := result.ReadJSONL[result.ResponseRow](filepath.Join(baseOutputs, "responses.jsonl"))
	if err != nil {
		return nil, err
	}
	baseJudgments, err := result.ReadJSONL[result.JudgmentRow](filepath.Join(baseOutputs, "judgments.jsonl"))
	if err != nil {
		return nil, err
	}
	baseTrace, err := result.ReadJSONL[result.TraceRow](filepath.Join(baseOutputs, "trace.jsonl"))
	if err != nil {
		return nil, err
	}
	var baseSummary result.Summary
	if err := result.ReadJSON(filepath.Join(baseOutputs, "summary.json"), &baseSummary); err != nil {
		return nil, err
	}
	var baseRunConfig result.RunConfig
	if err := result.ReadJSON(filepath.Join(baseOutputs, "run_config.json"), &baseRunConfig); err != nil {
		return nil, err
	}

	patchResponses, err := result.ReadJSONL[result.ResponseRow](filepath.Join(patchOutputs, "responses.jsonl"))
	if err != nil {
		return nil, err
	}
	patchJudgments, err := result.ReadJSONL[result.JudgmentRow](filepath.Join(patchOutputs, "judgments.jsonl"))
	if err != nil {
		return nil, err
	}
	patchTrace, err := result.ReadJSONL[result.TraceRow](filepath.Join(patchOutputs, "trace.jsonl"))
	if err != nil {
		return nil, err
	}

	mergedResponses, replacedResponses := OverlayRows(baseResponses, patchResponses)
	mergedJudgments, replacedJudgments := OverlayRows(baseJudgments, patchJudgments)
	mergedTrace := append(append([]result.TraceRow{}, baseTrace...), patchTrace...)

	runStartedAt := baseSummary.RunStartedAtUTC
	if runStartedAt == "" {
		runStartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	mergedScored := result.MergeScoredRows(mergedResponses, mergedJudgments, runStartedAt)

	expected := expectedKeys(baseExamples, baseRunConfig)
	missingResponses := missingKeys(expected, presentKeys(mergedResponses))
	missingJudgments := missingKeys(expected, presentKeys(mergedJudgments))
	failedItems := append(
		missingFailureItems(missingResponses, "response_missing_after_merge", "Missing response row after merge overlay."),
		missingFailureItems(missingJudgments, "judge_missing_after_merge", "Missing judgment row after merge overlay.")...,
	)
	runStatus := "completed"
	if len(failedItems) > 0 {
		runStatus = "degraded"
	}

	summary := result.BuildSummary(mergedResponses, mergedJudgments)
	summary.RunID = filepath.Base(outRunDir)
	summary.RunStartedAtUTC = runStartedAt
	summary.SelectedExamples = baseSummary.SelectedExamples
	summary.Datasets = baseSummary.Datasets
	summary.Judges = baseSummary.Judges
	summary.FailedItems = failedItems
	summary.NumFailures = len(failedItems)
	summary.RunStatus = runStatus
	summary.InterruptedStage = nil
	summary.RepairedFromRunID = filepath.Base(baseRunDir)
	summary.BackfillRunID = filepath.Base(backfillRunDir)

	report := &Report{
		BaseRunID:                  filepath.Base(baseRunDir),
		BackfillRunID:              filepath.Base(backfillRunDir),
		OutputRunID:                filepath.Base(outRunDir),
		ReplacedResponses:          replacedResponses,
		ReplacedJudgments:          replacedJudgments,
		AddedResponses:             len(mergedResponses) - len(baseResponses),
		AddedJudgments:             len(mergedJudgments) - len(baseJudgments),
		ExpectedTotalPairs:         len(expected),
		MissingResponsesAfterMerge: len(missingResponses),
		MissingJudgmentsAfterMerge: len(missingJudgments),
	}

	if err := result.WriteJSONL(filepath.Join(outOutputs, "examples.jsonl"), baseExamples); err != nil {
		return nil, err
	}
	if err := result.WriteJSONL(filepath.Join(outOutputs, "responses.jsonl"), mergedResponses); err != nil {
		return nil, err
	}
	if err := result.WriteJSONL(filepath.Join(outOutputs, "judgments.jsonl"), mergedJudgments); err != nil {
		return nil, err
	}
	if err := result.WriteJSONL(filepath.Join(outOutputs, "scored_responses.jsonl"), mergedScored); err != nil {
		return nil, err
	}
	if err := result.WriteJSONL(filepath.Join(outOutputs, "trace.jsonl"), mergedTrace); err != nil {
		return nil, err
	}
	if err := result.WriteJSON(filepath.Join(outOutputs, "summary.json"), summary); err != nil {
		return nil, err
	}
	if err := result.WriteJSON(filepath.Join(outOutputs, "run_config.json"), baseRunConfig); err != nil {
		return nil, err
	}
	if err := result.WriteJSON(filepath.Join(outOutputs, "reconciliation_report.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}
