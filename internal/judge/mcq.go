package judge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/signalnine/tribunal/internal/dataset"
)

var (
	choiceLeadingJunk  = regexp.MustCompile(`^[^A-Za-z0-9_]*`)
	choiceTrailingJunk = regexp.MustCompile(`[^A-Za-z0-9_].*$`)
)

// normalizeChoiceID strips decoration around a choice id ("(b)." -> "B")
// so formatting differences never fail an otherwise correct answer.
func normalizeChoiceID(value string) string {
	value = strings.TrimSpace(value)
	value = choiceLeadingJunk.ReplaceAllString(value, "")
	value = choiceTrailingJunk.ReplaceAllString(value, "")
	return strings.ToUpper(value)
}

func parseMCQAnswer(rawText string) (answer, reasoning string, parseError bool, obj map[string]any) {
	obj, err := ExtractJSONObject(rawText)
	if err != nil {
		return "", "Failed to parse JSON candidate answer.", true, map[string]any{}
	}

	reasoning, _ = obj["reasoning"].(string)
	reasoning = strings.TrimSpace(reasoning)

	switch raw := obj["answer"].(type) {
	case string:
		answer = strings.TrimSpace(raw)
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				answer = strings.TrimSpace(s)
				break
			}
		}
	}
	return answer, reasoning, false, obj
}

// ExpectedChoiceIDs reads the correct choice ids an MCQ example was
// normalized with. Missing ids are a dataset defect, not a judge miss.
func ExpectedChoiceIDs(example *dataset.Example) ([]string, error) {
	var out []string
	switch vals := example.Metadata["correct_choice_ids"].(type) {
	case []string:
		for _, v := range vals {
			if strings.TrimSpace(v) != "" {
				out = append(out, strings.TrimSpace(v))
			}
		}
	case []any:
		for _, v := range vals {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("MCQ example %q is missing metadata correct_choice_ids; rebuild canonical dataset inputs before running", example.ID)
	}
	return out, nil
}

// GradeMCQ grades a candidate's answer deterministically against the
// expected choice ids; no judge model is involved.
func GradeMCQ(example *dataset.Example, candidateText string, passThreshold float64) (Result, error) {
	expectedIDs, err := ExpectedChoiceIDs(example)
	if err != nil {
		return Result{}, err
	}
	expectedNorm := make(map[string]string, len(expectedIDs))
	for _, id := range expectedIDs {
		expectedNorm[normalizeChoiceID(id)] = id
	}

	answerRaw, reasoning, parseError, parsedObj := parseMCQAnswer(candidateText)
	var selectedID string
	if answerRaw != "" {
		if canonical, ok := expectedNorm[normalizeChoiceID(answerRaw)]; ok {
			selectedID = canonical
		} else {
			selectedID = answerRaw
		}
	}

	exactMatch := 0.0
	for _, id := range expectedIDs {
		if selectedID == id {
			exactMatch = 1.0
			break
		}
	}

	var rationaleParts []string
	if reasoning != "" {
		rationaleParts = append(rationaleParts, reasoning)
	}
	selected := selectedID
	if selected == "" {
		selected = "(none)"
	}
	rationaleParts = append(rationaleParts, fmt.Sprintf("Selected=%s; expected=%v", selected, expectedIDs))
	if parseError {
		rationaleParts = append(rationaleParts, "Parse error: candidate output was not valid JSON.")
	}

	return Result{
		Score:     exactMatch,
		Passed:    exactMatch >= passThreshold,
		Rationale: strings.Join(rationaleParts, " | "),
		Criteria:  map[string]float64{"exact_match": exactMatch},
		Raw: map[string]any{
			"parsed_candidate":    parsedObj,
			"selected_answer":     selectedID,
			"expected_choice_ids": expectedIDs,
			"parse_error":         parseError,
		},
		ParseError: parseError,
	}, nil
}
