// Package result defines the durable row formats written under a run's
// output directory and the summary statistics derived from them.
package result

import (
	"strings"

	"github.com/signalnine/tribunal/internal/provider"
)

// Key identifies one candidate's answer to one example. Responses and
// judgments sharing a Key describe the same unit of work.
type Key struct {
	Dataset       string
	ExampleID     string
	CandidateName string
}

// Compare orders keys by dataset, then example, then candidate.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Dataset, o.Dataset); c != 0 {
		return c
	}
	if c := strings.Compare(k.ExampleID, o.ExampleID); c != 0 {
		return c
	}
	return strings.Compare(k.CandidateName, o.CandidateName)
}

// Keyed is any row addressable by a Key.
type Keyed interface {
	Key() Key
}

// NormalizedRow is one loaded example as written to examples.jsonl.
type NormalizedRow struct {
	ExampleID       string             `json:"example_id"`
	Dataset         string             `json:"dataset"`
	Provenance      string             `json:"provenance"`
	JudgeMode       string             `json:"judge_mode"`
	Instructions    string             `json:"instructions"`
	Context         string             `json:"context"`
	Messages        []provider.Message `json:"messages,omitempty"`
	ReferenceAnswer string             `json:"reference_answer"`
	Metadata        map[string]any     `json:"metadata"`
}

// ResponseRow is one candidate answer as written to responses.jsonl.
type ResponseRow struct {
	RunID             string             `json:"run_id"`
	RunStartedAtUTC   string             `json:"run_started_at_utc"`
	Dataset           string             `json:"dataset"`
	Provenance        string             `json:"provenance"`
	JudgeMode         string             `json:"judge_mode"`
	ExampleID         string             `json:"example_id"`
	CandidateName     string             `json:"candidate_name"`
	CandidateProvider string             `json:"candidate_provider"`
	CandidateModel    string             `json:"candidate_model"`
	CandidateSettings map[string]any     `json:"candidate_settings"`
	RequestID         string             `json:"request_id"`
	CacheKey          string             `json:"cache_key"`
	CacheHit          bool               `json:"cache_hit"`
	ResponseSource    string             `json:"response_source"`
	PromptMessages    []provider.Message `json:"prompt_messages"`
	ResponseText      string             `json:"response_text"`
	Usage             provider.Usage     `json:"usage"`
	LatencyS          *float64           `json:"latency_s"`
	Metadata          map[string]any     `json:"metadata"`
	ReferenceAnswer   string             `json:"reference_answer"`
}

func (r ResponseRow) Key() Key {
	return Key{Dataset: r.Dataset, ExampleID: r.ExampleID, CandidateName: r.CandidateName}
}

// JudgmentRow is one graded answer as written to judgments.jsonl. The
// prbench_* fields carry the weighted rubric aggregation when it applied
// and stay null otherwise.
type JudgmentRow struct {
	RunID            string             `json:"run_id"`
	RunStartedAtUTC  string             `json:"run_started_at_utc"`
	Dataset          string             `json:"dataset"`
	Provenance       string             `json:"provenance"`
	JudgeMode        string             `json:"judge_mode"`
	ExampleID        string             `json:"example_id"`
	CandidateName    string             `json:"candidate_name"`
	JudgeName        string             `json:"judge_name"`
	JudgeProvider    string             `json:"judge_provider"`
	JudgeModel       string             `json:"judge_model"`
	JudgeSettings    map[string]any     `json:"judge_settings"`
	RequestID        string             `json:"request_id"`
	CacheKey         string             `json:"cache_key"`
	CacheHit         bool               `json:"cache_hit"`
	Score            float64            `json:"score"`
	Pass             bool               `json:"pass"`
	Rationale        string             `json:"rationale"`
	Criteria         map[string]float64 `json:"criteria"`
	ParseError       bool               `json:"parse_error"`
	WeightedRaw      *float64           `json:"prbench_weighted_raw"`
	PointsNormalized *float64           `json:"prbench_points_normalized"`
	PointsClipped    *float64           `json:"prbench_points_clipped"`
	RawJudge         map[string]any     `json:"raw_judge"`
}

func (r JudgmentRow) Key() Key {
	return Key{Dataset: r.Dataset, ExampleID: r.ExampleID, CandidateName: r.CandidateName}
}

// TraceRow is one upstream call record. TraceID is unique per call so
// retries of the same request id stay distinguishable. Criterion fields
// are set only for per-criterion judge calls.
type TraceRow struct {
	TraceID        string         `json:"trace_id"`
	RunID          string         `json:"run_id"`
	Event          string         `json:"event"`
	Dataset        string         `json:"dataset"`
	ExampleID      string         `json:"example_id"`
	ModelName      string         `json:"model_name"`
	Provider       string         `json:"provider"`
	RequestID      string         `json:"request_id"`
	CacheKey       string         `json:"cache_key"`
	CacheHit       bool           `json:"cache_hit"`
	Request        map[string]any `json:"request"`
	Response       map[string]any `json:"response"`
	CriterionID    string         `json:"criterion_id,omitempty"`
	CriterionIndex int            `json:"criterion_index,omitempty"`
}

// FailureItem records one unit of work that could not be completed.
type FailureItem struct {
	DisplayIndex  int    `json:"display_index,omitempty"`
	CandidateName string `json:"candidate_name"`
	ExampleID     string `json:"example_id"`
	Dataset       string `json:"dataset"`
	Stage         string `json:"stage,omitempty"`
	JudgeMode     string `json:"judge_mode,omitempty"`
	CriterionID   string `json:"criterion_id,omitempty"`
	JudgeProvider string `json:"judge_provider,omitempty"`
	JudgeModel    string `json:"judge_model,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Error         string `json:"error"`
}

// Grading is the judgment block embedded in a scored response row.
type Grading struct {
	JudgeName        string             `json:"judge_name"`
	JudgeProvider    string             `json:"judge_provider"`
	JudgeModel       string             `json:"judge_model"`
	JudgeSettings    map[string]any     `json:"judge_settings"`
	JudgeRequestID   string             `json:"judge_request_id"`
	JudgeCacheKey    string             `json:"judge_cache_key"`
	JudgeCacheHit    bool               `json:"judge_cache_hit"`
	Score            float64            `json:"score"`
	Pass             bool               `json:"pass"`
	Rationale        string             `json:"rationale"`
	Criteria         map[string]float64 `json:"criteria"`
	ParseError       bool               `json:"parse_error"`
	WeightedRaw      *float64           `json:"prbench_weighted_raw"`
	PointsNormalized *float64           `json:"prbench_points_normalized"`
	PointsClipped    *float64           `json:"prbench_points_clipped"`
	RawJudge         map[string]any     `json:"raw_judge"`
}

// ScoredRow is a response joined with its judgment, or grading=null when
// the answer was never judged.
type ScoredRow struct {
	ResponseRow
	Grading *Grading `json:"grading"`
}

// DatasetStat summarizes how many examples a dataset contributed.
type DatasetStat struct {
	Dataset          string `json:"dataset"`
	Path             string `json:"path"`
	SelectedExamples int    `json:"selected_examples"`
}

// JudgeDescriptor names a configured judge in the run summary.
type JudgeDescriptor struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Settings map[string]any `json:"settings"`
}
