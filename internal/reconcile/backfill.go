package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/result"
	"github.com/signalnine/tribunal/internal/runner"
)

// ErrNoTargets means the requested selectors matched nothing in the
// base run, so there is nothing to re-run.
var ErrNoTargets = errors.New("no affected items found for the requested selectors")

// Selectors choose which items of a base run get re-run.
type Selectors struct {
	FailedGeneration bool
	ParseErrors      bool
	EmptyResponses   bool
}

func (s Selectors) Any() bool {
	return s.FailedGeneration || s.ParseErrors || s.EmptyResponses
}

// BackfillResult reports what a backfill run covered.
type BackfillResult struct {
	RunID         string
	OutputDir     string
	TargetedItems int
	Candidates    int
	ExampleIDs    int
}

// DefaultBackfillRunID names a backfill run after its base.
func DefaultBackfillRunID(baseRunID string) string {
	return fmt.Sprintf("%s_backfill_%s", baseRunID, time.Now().UTC().Format("20060102_150405"))
}

// CollectTargets scans a base run's artifacts for the items the
// selectors describe: failed items from the summary, judgments with
// parse errors, and responses with empty text.
func CollectTargets(baseOutputsDir string, sel Selectors) (map[result.Key]bool, error) {
	targets := map[result.Key]bool{}

	if sel.FailedGeneration {
		var summary result.Summary
		if err := result.ReadJSON(filepath.Join(baseOutputsDir, "summary.json"), &summary); err != nil {
			return nil, err
		}
		for _, item := range summary.FailedItems {
			if item.Dataset == "" || item.ExampleID == "" || item.CandidateName == "" {
				continue
			}
			targets[result.Key{Dataset: item.Dataset, ExampleID: item.ExampleID, CandidateName: item.CandidateName}] = true
		}
	}

	if sel.ParseErrors {
		judgments, err := result.ReadJSONL[result.JudgmentRow](filepath.Join(baseOutputsDir, "judgments.jsonl"))
		if err != nil {
			return nil, err
		}
		for _, row := range judgments {
			if row.ParseError {
				targets[row.Key()] = true
			}
		}
	}

	if sel.EmptyResponses {
		responses, err := result.ReadJSONL[result.ResponseRow](filepath.Join(baseOutputsDir, "responses.jsonl"))
		if err != nil {
			return nil, err
		}
		for _, row := range responses {
			if strings.TrimSpace(row.ResponseText) == "" {
				targets[row.Key()] = true
			}
		}
	}

	return targets, nil
}

func targetsByDataset(targets map[result.Key]bool) map[string]map[string]bool {
	byDataset := map[string]map[string]bool{}
	for key := range targets {
		ids, ok := byDataset[key.Dataset]
		if !ok {
			ids = map[string]bool{}
			byDataset[key.Dataset] = ids
		}
		ids[key.ExampleID] = true
	}
	return byDataset
}

func targetCandidates(targets map[result.Key]bool) []string {
	names := map[string]bool{}
	for key := range targets {
		names[key.CandidateName] = true
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// filterDatasets writes per-dataset files holding only the targeted
// example ids and returns matching dataset configs pointing at them.
// Datasets with no surviving rows are dropped.
func filterDatasets(datasets []config.Dataset, wanted map[string]map[string]bool, outputDir string) ([]config.Dataset, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	var filtered []config.Dataset
	for _, ds := range datasets {
		wantedIDs := wanted[ds.Name]
		if len(wantedIDs) == 0 {
			continue
		}
		data, err := os.ReadFile(ds.Path)
		if err != nil {
			return nil, fmt.Errorf("reading dataset %s: %w", ds.Name, err)
		}

		outPath := filepath.Join(outputDir, ds.Name+".jsonl")
		var lines []string
		selected := 0
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var row map[string]any
			if err := json.Unmarshal([]byte(line), &row); err != nil {
				continue
			}
			if id, ok := row["id"].(string); ok && wantedIDs[id] {
				lines = append(lines, line)
				selected++
			}
		}
		if selected == 0 {
			continue
		}
		if err := os.WriteFile(outPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("writing filtered dataset %s: %w", ds.Name, err)
		}

		enabled := true
		cfg := ds
		cfg.Path = outPath
		cfg.Enabled = &enabled
		cfg.Limit = nil
		filtered = append(filtered, cfg)
	}
	return filtered, nil
}

// RunBackfill re-runs only the selected items of a prior run, writing
// a new run whose outputs can be merged back with MergeRunOutputs. The
// candidate set and dataset rows are narrowed to exactly the targeted
// pairs; everything else comes from the current config.
func RunBackfill(ctx context.Context, cfg *config.Config, baseRunID string, sel Selectors, progressMode string) (*BackfillResult, error) {
	if !sel.Any() {
		return nil, errors.New("no backfill selectors provided; set at least one include flag")
	}

	baseOutputs := filepath.Join(cfg.Run.RunsRoot, baseRunID, outputsDirName)
	var baseRunConfig result.RunConfig
	if err := result.ReadJSON(filepath.Join(baseOutputs, "run_config.json"), &baseRunConfig); err != nil {
		return nil, fmt.Errorf("reading base run config: %w", err)
	}

	targets, err := CollectTargets(baseOutputs, sel)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	byDataset := targetsByDataset(targets)
	candidates := targetCandidates(targets)
	runID := DefaultBackfillRunID(baseRunID)

	tmpDir, err := os.MkdirTemp("", "tribunal-backfill-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	filtered, err := filterDatasets(baseRunConfig.Datasets, byDataset, filepath.Join(tmpDir, "datasets"))
	if err != nil {
		return nil, err
	}
	if len(filtered) == 0 {
		return nil, errors.New("no targeted examples matched the source datasets; nothing to run")
	}

	selected := map[string]bool{}
	for _, name := range candidates {
		selected[name] = true
	}
	backfillCfg := *cfg
	backfillCfg.Candidates = nil
	for _, c := range cfg.Candidates {
		if selected[c.Name] {
			backfillCfg.Candidates = append(backfillCfg.Candidates, c)
		}
	}
	if len(backfillCfg.Candidates) == 0 {
		return nil, errors.New("none of the targeted candidates exist in the current config")
	}
	backfillCfg.Data.Datasets = filtered
	backfillCfg.Run.RunID = runID
	if baseRunConfig.Run.RunsRoot != "" {
		backfillCfg.Run.RunsRoot = baseRunConfig.Run.RunsRoot
	}
	if baseRunConfig.Run.OutputDir != "" {
		backfillCfg.Run.OutputDir = baseRunConfig.Run.OutputDir
	}

	outputDir, err := runner.Run(ctx, &backfillCfg, runner.Options{ProgressMode: progressMode})
	if err != nil {
		return nil, err
	}

	exampleIDs := 0
	for _, ids := range byDataset {
		exampleIDs += len(ids)
	}
	return &BackfillResult{
		RunID:         runID,
		OutputDir:     outputDir,
		TargetedItems: len(targets),
		Candidates:    len(candidates),
		ExampleIDs:    exampleIDs,
	}, nil
}
