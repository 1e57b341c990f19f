package result

import (
	"path/filepath"
	"sort"

	"github.com/signalnine/tribunal/internal/config"
)

// ModelStats accumulates per-candidate scoring totals.
type ModelStats struct {
	Responses int
	Judged    int
	ScoreSum  float64
	PassCount int

	normalizedSum   float64
	normalizedCount int
	clippedSum      float64
	clippedCount    int
}

func (s *ModelStats) AddResponse() {
	s.Responses++
}

func (s *ModelStats) AddJudgment(score float64, passed bool, normalized, clipped *float64) {
	s.Judged++
	s.ScoreSum += score
	if passed {
		s.PassCount++
	}
	if normalized != nil {
		s.normalizedSum += *normalized
		s.normalizedCount++
	}
	if clipped != nil {
		s.clippedSum += *clipped
		s.clippedCount++
	}
}

// ToMap renders the stats for summary.json. Weighted-rubric averages are
// included only when at least one judgment carried them.
func (s *ModelStats) ToMap() map[string]any {
	judged := s.Judged
	if judged < 1 {
		judged = 1
	}
	out := map[string]any{
		"responses":  s.Responses,
		"judged":     s.Judged,
		"score_sum":  s.ScoreSum,
		"pass_count": s.PassCount,
		"avg_score":  s.ScoreSum / float64(judged),
		"pass_rate":  float64(s.PassCount) / float64(judged),
	}
	if s.normalizedCount > 0 {
		out["prbench_normalized_sum"] = s.normalizedSum
		out["prbench_normalized_count"] = s.normalizedCount
		out["prbench_avg_points_normalized"] = s.normalizedSum / float64(s.normalizedCount)
	}
	if s.clippedCount > 0 {
		out["prbench_clipped_sum"] = s.clippedSum
		out["prbench_clipped_count"] = s.clippedCount
		out["prbench_avg_points_clipped"] = s.clippedSum / float64(s.clippedCount)
	}
	return out
}

// Summary is the run-level rollup written to summary.json.
type Summary struct {
	Models            map[string]map[string]any            `json:"models"`
	ByDataset         map[string]map[string]map[string]any `json:"by_dataset"`
	NumResponses      int                                  `json:"num_responses"`
	NumJudgments      int                                  `json:"num_judgments"`
	RunID             string                               `json:"run_id"`
	RunStartedAtUTC   string                               `json:"run_started_at_utc"`
	SelectedExamples  int                                  `json:"selected_examples"`
	Datasets          []DatasetStat                        `json:"datasets"`
	Judges            []JudgeDescriptor                    `json:"judges"`
	FailedItems       []FailureItem                        `json:"failed_items"`
	NumFailures       int                                  `json:"num_failures"`
	RunStatus         string                               `json:"run_status"`
	InterruptedStage  *string                              `json:"interrupted_stage"`
	RepairedFromRunID string                               `json:"repaired_from_run_id,omitempty"`
	BackfillRunID     string                               `json:"backfill_run_id,omitempty"`
}

// BuildSummary aggregates per-model and per-dataset stats from the row
// sets. Callers fill in the run-level fields afterwards.
func BuildSummary(responses []ResponseRow, judgments []JudgmentRow) *Summary {
	byModel := map[string]*ModelStats{}
	byDatasetModel := map[string]map[string]*ModelStats{}

	stats := func(dataset, model string) (*ModelStats, *ModelStats) {
		m, ok := byModel[model]
		if !ok {
			m = &ModelStats{}
			byModel[model] = m
		}
		dm, ok := byDatasetModel[dataset]
		if !ok {
			dm = map[string]*ModelStats{}
			byDatasetModel[dataset] = dm
		}
		d, ok := dm[model]
		if !ok {
			d = &ModelStats{}
			dm[model] = d
		}
		return m, d
	}

	for _, r := range responses {
		m, d := stats(r.Dataset, r.CandidateName)
		m.AddResponse()
		d.AddResponse()
	}
	for _, j := range judgments {
		m, d := stats(j.Dataset, j.CandidateName)
		m.AddJudgment(j.Score, j.Pass, j.PointsNormalized, j.PointsClipped)
		d.AddJudgment(j.Score, j.Pass, j.PointsNormalized, j.PointsClipped)
	}

	models := map[string]map[string]any{}
	for name, s := range byModel {
		models[name] = s.ToMap()
	}
	byDataset := map[string]map[string]map[string]any{}
	for dataset, dm := range byDatasetModel {
		out := map[string]map[string]any{}
		for name, s := range dm {
			out[name] = s.ToMap()
		}
		byDataset[dataset] = out
	}
	return &Summary{
		Models:       models,
		ByDataset:    byDataset,
		NumResponses: len(responses),
		NumJudgments: len(judgments),
	}
}

// MergeScoredRows left-joins judgments onto responses by row key and
// stamps every row with the run start time.
func MergeScoredRows(responses []ResponseRow, judgments []JudgmentRow, runStartedAtUTC string) []ScoredRow {
	byKey := make(map[Key]JudgmentRow, len(judgments))
	for _, j := range judgments {
		byKey[j.Key()] = j
	}
	merged := make([]ScoredRow, 0, len(responses))
	for _, r := range responses {
		row := ScoredRow{ResponseRow: r}
		row.RunStartedAtUTC = runStartedAtUTC
		if j, ok := byKey[r.Key()]; ok {
			row.Grading = &Grading{
				JudgeName:        j.JudgeName,
				JudgeProvider:    j.JudgeProvider,
				JudgeModel:       j.JudgeModel,
				JudgeSettings:    j.JudgeSettings,
				JudgeRequestID:   j.RequestID,
				JudgeCacheKey:    j.CacheKey,
				JudgeCacheHit:    j.CacheHit,
				Score:            j.Score,
				Pass:             j.Pass,
				Rationale:        j.Rationale,
				Criteria:         j.Criteria,
				ParseError:       j.ParseError,
				WeightedRaw:      j.WeightedRaw,
				PointsNormalized: j.PointsNormalized,
				PointsClipped:    j.PointsClipped,
				RawJudge:         j.RawJudge,
			}
		}
		merged = append(merged, row)
	}
	return merged
}

// DescribeJudge renders a judge model for the summary's judges list.
func DescribeJudge(m config.Model) JudgeDescriptor {
	return JudgeDescriptor{
		Name:     m.Name,
		Provider: m.Provider,
		Model:    m.Model,
		Settings: m.Settings(),
	}
}

// RunConfig is the resolved configuration snapshot written next to the
// run outputs so a run can be reproduced or repaired later.
type RunConfig struct {
	Providers  []string         `json:"providers"`
	Candidates []config.Model   `json:"candidates"`
	Judges     []config.Model   `json:"judges"`
	Datasets   []config.Dataset `json:"datasets"`
	Retry      config.Retry     `json:"retry"`
	Cache      config.Cache     `json:"cache"`
	Run        config.Run       `json:"run"`
}

// NewRunConfig snapshots cfg for run_config.json.
func NewRunConfig(cfg *config.Config) RunConfig {
	providers := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return RunConfig{
		Providers:  providers,
		Candidates: cfg.Candidates,
		Judges:     cfg.Judges,
		Datasets:   cfg.Data.Datasets,
		Retry:      cfg.Retry,
		Cache:      cfg.Cache,
		Run:        cfg.Run,
	}
}

// RunOutputs bundles everything a finished (or interrupted) run writes.
type RunOutputs struct {
	RunID            string
	RunStartedAtUTC  string
	SelectedExamples int
	NormalizedRows   []NormalizedRow
	Responses        []ResponseRow
	Judgments        []JudgmentRow
	Trace            []TraceRow
	DatasetStats     []DatasetStat
	FailedItems      []FailureItem
	RunStatus        string
	InterruptedStage *string
}

// WriteRunOutputs writes the five row files plus summary.json and
// run_config.json into outputDir, returning the summary.
func WriteRunOutputs(outputDir string, cfg *config.Config, out *RunOutputs) (*Summary, error) {
	if err := WriteJSONL(filepath.Join(outputDir, "examples.jsonl"), out.NormalizedRows); err != nil {
		return nil, err
	}
	if err := WriteJSONL(filepath.Join(outputDir, "responses.jsonl"), out.Responses); err != nil {
		return nil, err
	}
	if err := WriteJSONL(filepath.Join(outputDir, "judgments.jsonl"), out.Judgments); err != nil {
		return nil, err
	}
	scored := MergeScoredRows(out.Responses, out.Judgments, out.RunStartedAtUTC)
	if err := WriteJSONL(filepath.Join(outputDir, "scored_responses.jsonl"), scored); err != nil {
		return nil, err
	}
	if err := WriteJSONL(filepath.Join(outputDir, "trace.jsonl"), out.Trace); err != nil {
		return nil, err
	}

	summary := BuildSummary(out.Responses, out.Judgments)
	summary.RunID = out.RunID
	summary.RunStartedAtUTC = out.RunStartedAtUTC
	summary.SelectedExamples = out.SelectedExamples
	summary.Datasets = out.DatasetStats
	if summary.Datasets == nil {
		summary.Datasets = []DatasetStat{}
	}
	judges := make([]JudgeDescriptor, 0, len(cfg.Judges))
	for _, j := range cfg.Judges {
		judges = append(judges, DescribeJudge(j))
	}
	summary.Judges = judges
	summary.FailedItems = out.FailedItems
	if summary.FailedItems == nil {
		summary.FailedItems = []FailureItem{}
	}
	summary.NumFailures = len(summary.FailedItems)
	summary.RunStatus = out.RunStatus
	summary.InterruptedStage = out.InterruptedStage

	if err := WriteJSON(filepath.Join(outputDir, "summary.json"), summary); err != nil {
		return nil, err
	}
	if err := WriteJSON(filepath.Join(outputDir, "run_config.json"), NewRunConfig(cfg)); err != nil {
		return nil, err
	}
	return summary, nil
}
