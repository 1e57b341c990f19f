// Package judge turns raw judge-model output into structured judgments
// and aggregates multi-criterion rubric scores.
package judge

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Result is one parsed judgment. ParseError marks output that did not
// match any accepted shape; fail-closed handling forces such results to
// score 0 / pass false before they are recorded.
type Result struct {
	Score      float64
	Passed     bool
	Rationale  string
	Criteria   map[string]float64
	Raw        map[string]any
	ParseError bool
}

var errNoJSONObject = errors.New("response did not contain a JSON object")

// ExtractJSONObject parses the first JSON object in text: direct parse
// first, then the outermost brace pair so markdown fences and extra
// prose around the object still parse.
func ExtractJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, errNoJSONObject
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case bool:
		if value {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// binaryScore maps a grade/result/criteria_met value onto 0 or 1.
func binaryScore(v any) float64 {
	switch value := v.(type) {
	case bool:
		if value {
			return 1
		}
		return 0
	case float64:
		if value >= 0.5 {
			return 1
		}
		return 0
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "met":
			return 1
		default:
			return 0
		}
	}
	return 0
}

func stringValue(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// ParseOutput interprets raw judge text. Accepted shapes: the strict
// {score, pass, rationale, criteria} schema, binary {grade, ...},
// {result, reason} and {criteria_met, explanation}. Anything else is a
// parse error.
func ParseOutput(rawText string, fallbackPassThreshold float64) Result {
	obj, err := ExtractJSONObject(rawText)
	if err != nil {
		return Result{
			Rationale:  "Failed to parse judge JSON output.",
			Criteria:   map[string]float64{"overall": 0},
			Raw:        map[string]any{},
			ParseError: true,
		}
	}

	var score float64
	parseError := false
	if raw, present := obj["score"]; present {
		score, _ = toFloat(raw)
	} else if raw, present := obj["grade"]; present {
		score = binaryScore(raw)
	} else if raw, present := obj["result"]; present {
		score = binaryScore(raw)
	} else if raw, present := obj["criteria_met"]; present {
		score = binaryScore(raw)
	} else {
		parseError = true
	}
	score = clamp01(score)

	passed, hasPass := obj["pass"].(bool)
	if !hasPass {
		passed = score >= fallbackPassThreshold
	}
	if parseError {
		passed = false
	}

	criteria := map[string]float64{}
	if rawCriteria, ok := obj["criteria"].(map[string]any); ok {
		for key, value := range rawCriteria {
			if f, ok := toFloat(value); ok {
				criteria[key] = clamp01(f)
			}
		}
	}
	if len(criteria) == 0 {
		criteria = map[string]float64{"overall": score}
	}

	return Result{
		Score:      score,
		Passed:     passed,
		Rationale:  stringValue(obj, "rationale", "reasoning", "reason", "explanation"),
		Criteria:   criteria,
		Raw:        obj,
		ParseError: parseError,
	}
}

// ErrorResult builds the fail-closed judgment recorded when a judge call
// itself failed.
func ErrorResult(errorMessage, context string) Result {
	prefix := "Judge call failed: "
	if context != "" {
		prefix = "Judge call failed for " + context + ": "
	}
	return Result{
		Rationale:  prefix + errorMessage,
		Criteria:   map[string]float64{},
		Raw:        map[string]any{"error": errorMessage},
		ParseError: true,
	}
}

// EnforceFailClosed zeroes the score and pass flag of any result that
// carries a parse error.
func EnforceFailClosed(result Result) Result {
	if !result.ParseError {
		return result
	}
	result.Score = 0
	result.Passed = false
	return result
}
