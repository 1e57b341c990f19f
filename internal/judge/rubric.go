package judge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/signalnine/tribunal/internal/dataset"
)

var nonAlnumPattern = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeKey lowercases and collapses punctuation so judge-returned
// criterion names match ids and titles loosely.
func normalizeKey(text string) string {
	return strings.TrimSpace(nonAlnumPattern.ReplaceAllString(strings.ToLower(text), " "))
}

// prbench-style annotation keys carrying a criterion weight, checked in
// priority order when no plain weight field is present.
var annotationWeightKeys = []string{
	"critically_important_weight",
	"important_weight",
	"slightly_important_weight",
	"critically_detrimental_weight",
	"detrimental_weight",
	"slightly_detrimental_weight",
}

// CriterionWeight reads a criterion's weight, defaulting to 1.0.
func CriterionWeight(criterion map[string]any) float64 {
	if w, ok := toFloat(criterion["weight"]); ok {
		if _, isString := criterion["weight"].(string); !isString {
			return w
		}
	}
	if annotations, ok := criterion["annotations"].(map[string]any); ok {
		for _, key := range annotationWeightKeys {
			if v, present := annotations[key]; present {
				if _, isString := v.(string); isString {
					continue
				}
				if w, ok := toFloat(v); ok {
					return w
				}
			}
		}
	}
	return 1.0
}

func criterionID(criterion map[string]any, index int) string {
	if id, ok := criterion["id"].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return fmt.Sprintf("criterion_%d", index)
}

func criterionTitle(criterion map[string]any, index int) string {
	if title, ok := criterion["title"].(string); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	return fmt.Sprintf("Criterion %d", index)
}

// RubricForPrompt renders the whole rubric as prompt lines.
func RubricForPrompt(rubric []map[string]any) string {
	if len(rubric) == 0 {
		return "No rubric provided."
	}
	lines := make([]string, 0, len(rubric))
	for i, item := range rubric {
		lines = append(lines, CriterionForPrompt(item, i+1))
	}
	return strings.Join(lines, "\n")
}

// CriterionForPrompt renders one rubric criterion as a prompt line.
func CriterionForPrompt(criterion map[string]any, index int) string {
	return fmt.Sprintf("- %s: %s (weight_hint=%g)",
		criterionID(criterion, index), criterionTitle(criterion, index), CriterionWeight(criterion))
}

func criterionAliases(criterion map[string]any, index int) []string {
	return []string{
		normalizeKey(criterionID(criterion, index)),
		normalizeKey(criterionTitle(criterion, index)),
		normalizeKey(fmt.Sprintf("criterion_%d", index)),
		normalizeKey(fmt.Sprintf("criterion %d", index)),
	}
}

// ResolveCriterionScore finds the judge-returned score for one rubric
// criterion by alias matching, falling back when no alias matches. The
// bool reports whether a real match was found.
func ResolveCriterionScore(criteria map[string]float64, criterion map[string]any, index int, fallback float64) (float64, bool) {
	if len(criteria) == 0 {
		return clamp01(fallback), false
	}
	normalized := make(map[string]float64, len(criteria))
	for key, value := range criteria {
		normalized[normalizeKey(key)] = value
	}
	for _, alias := range criterionAliases(criterion, index) {
		if alias == "" {
			continue
		}
		if score, ok := normalized[alias]; ok {
			return clamp01(score), true
		}
	}
	return clamp01(fallback), false
}

// AggregationDetail records the deterministic rubric aggregation applied
// to a judgment, kept in the judgment's raw output for audit.
type AggregationDetail struct {
	Applied          bool    `json:"applied"`
	MatchedCriteria  int     `json:"matched_criteria"`
	TotalCriteria    int     `json:"total_criteria"`
	RawSum           float64 `json:"raw_sum"`
	MinRaw           float64 `json:"min_raw"`
	MaxRaw           float64 `json:"max_raw"`
	NormalizedPoints float64 `json:"normalized_points"`
	ClippedPoints    float64 `json:"clipped_points"`
}

// ApplyWeightedRubricScore replaces the judge's overall score with the
// deterministic weighted aggregate of its per-criterion scores:
// raw = Σ w·s over the rubric, normalized against the attainable
// [Σ min(0,w), Σ max(0,w)] range, then clipped to [0,1]. Skipped when
// the example is not rubric-mode, the rubric is empty, no criteria came
// back, or no returned criterion could be matched to the rubric.
func ApplyWeightedRubricScore(parsed Result, example *dataset.Example, passThreshold float64) Result {
	if example.JudgeMode != "rubric" || len(example.Rubric) == 0 || len(parsed.Criteria) == 0 {
		return parsed
	}

	type weightedItem struct{ weight, score float64 }
	var items []weightedItem
	matched := 0
	for i, criterion := range example.Rubric {
		score, wasMatched := ResolveCriterionScore(parsed.Criteria, criterion, i+1, 0)
		if wasMatched {
			matched++
		}
		items = append(items, weightedItem{weight: CriterionWeight(criterion), score: score})
	}
	if len(items) == 0 || matched == 0 {
		return parsed
	}

	var rawSum, minRaw, maxRaw float64
	for _, item := range items {
		rawSum += item.weight * item.score
		minRaw += min(0, item.weight)
		maxRaw += max(0, item.weight)
	}

	var normalized float64
	if maxRaw <= minRaw {
		normalized = parsed.Score
	} else {
		normalized = (rawSum - minRaw) / (maxRaw - minRaw)
	}
	clipped := clamp01(normalized)

	raw := make(map[string]any, len(parsed.Raw)+1)
	for k, v := range parsed.Raw {
		raw[k] = v
	}
	raw["deterministic_rubric_aggregation"] = AggregationDetail{
		Applied:          true,
		MatchedCriteria:  matched,
		TotalCriteria:    len(items),
		RawSum:           rawSum,
		MinRaw:           minRaw,
		MaxRaw:           maxRaw,
		NormalizedPoints: normalized,
		ClippedPoints:    clipped,
	}

	parsed.Score = clipped
	parsed.Passed = clipped >= passThreshold
	parsed.Raw = raw
	return parsed
}
