package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// SchemaVersion is the canonical row schema every dataset file must declare.
const SchemaVersion = "legal_eval_v1"

// Task types supported by the canonical schema.
const (
	TaskRubricQA    = "rubric_qa"
	TaskReferenceQA = "reference_qa"
	TaskMCQ         = "mcq"
)

var requiredFields = []string{"schema_version", "id", "dataset", "task_type", "prompt"}

var allowedFields = map[string]bool{
	"schema_version":     true,
	"id":                 true,
	"dataset":            true,
	"task_type":          true,
	"prompt":             true,
	"context":            true,
	"messages":           true,
	"attachments":        true,
	"metadata":           true,
	"rubric":             true,
	"reference_answers":  true,
	"choices":            true,
	"correct_choice_ids": true,
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, int, int64, json.Number:
		return true
	}
	return false
}

func validateAttachments(attachments any, errs *[]string) {
	if attachments == nil {
		return
	}
	list, ok := attachments.([]any)
	if !ok {
		*errs = append(*errs, "`attachments` must be an array when provided.")
		return
	}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("`attachments[%d]` must be an object.", i))
			continue
		}
		if _, ok := nonEmptyString(obj["path"]); !ok {
			*errs = append(*errs, fmt.Sprintf("`attachments[%d].path` must be a non-empty string.", i))
		}
		for _, key := range []string{"kind", "title"} {
			if v, present := obj[key]; present {
				if _, ok := v.(string); !ok {
					*errs = append(*errs, fmt.Sprintf("`attachments[%d].%s` must be a string when provided.", i, key))
				}
			}
		}
	}
}

func validateMessages(messages any, errs *[]string) {
	if messages == nil {
		return
	}
	list, ok := messages.([]any)
	if !ok {
		*errs = append(*errs, "`messages` must be an array when provided.")
		return
	}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("`messages[%d]` must be an object.", i))
			continue
		}
		role, roleOK := nonEmptyString(obj["role"])
		if !roleOK {
			*errs = append(*errs, fmt.Sprintf("`messages[%d].role` must be a non-empty string.", i))
		} else if role != "user" && role != "assistant" && role != "system" {
			*errs = append(*errs, fmt.Sprintf("`messages[%d].role` must be one of: assistant, system, user.", i))
		}
		if _, ok := nonEmptyString(obj["content"]); !ok {
			*errs = append(*errs, fmt.Sprintf("`messages[%d].content` must be a non-empty string.", i))
		}
	}
}

func validateRubric(rubric any, errs *[]string) {
	list, ok := rubric.([]any)
	if !ok || len(list) == 0 {
		*errs = append(*errs, "`rubric` must be a non-empty array.")
		return
	}
	for i, item := range list {
		criterion, ok := item.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("`rubric[%d]` must be an object.", i))
			continue
		}
		if _, ok := nonEmptyString(criterion["id"]); !ok {
			*errs = append(*errs, fmt.Sprintf("`rubric[%d].id` must be a non-empty string.", i))
		}
		if _, ok := nonEmptyString(criterion["title"]); !ok {
			*errs = append(*errs, fmt.Sprintf("`rubric[%d].title` must be a non-empty string.", i))
		}
		if v, present := criterion["description"]; present {
			if _, ok := v.(string); !ok {
				*errs = append(*errs, fmt.Sprintf("`rubric[%d].description` must be a string when provided.", i))
			}
		}
		if v, present := criterion["weight"]; present && !isNumber(v) {
			*errs = append(*errs, fmt.Sprintf("`rubric[%d].weight` must be a number when provided.", i))
		}
	}
}

func validateReferenceAnswers(answers any, errs *[]string) {
	list, ok := answers.([]any)
	if !ok || len(list) == 0 {
		*errs = append(*errs, "`reference_answers` must be a non-empty array.")
		return
	}
	for i, v := range list {
		if _, ok := nonEmptyString(v); !ok {
			*errs = append(*errs, fmt.Sprintf("`reference_answers[%d]` must be a non-empty string.", i))
		}
	}
}

func validateMCQFields(choices, correctIDs any, errs *[]string) {
	list, ok := choices.([]any)
	if !ok || len(list) < 2 {
		*errs = append(*errs, "`choices` must be an array with at least 2 elements.")
		return
	}

	seen := map[string]bool{}
	for i, item := range list {
		choice, ok := item.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("`choices[%d]` must be an object.", i))
			continue
		}
		id, idOK := nonEmptyString(choice["id"])
		if !idOK {
			*errs = append(*errs, fmt.Sprintf("`choices[%d].id` must be a non-empty string.", i))
		} else if seen[id] {
			*errs = append(*errs, fmt.Sprintf("`choices[%d].id` must be unique; duplicate `%s`.", i, id))
		} else {
			seen[id] = true
		}
		if _, ok := nonEmptyString(choice["text"]); !ok {
			*errs = append(*errs, fmt.Sprintf("`choices[%d].text` must be a non-empty string.", i))
		}
	}

	correct, ok := correctIDs.([]any)
	if !ok || len(correct) == 0 {
		*errs = append(*errs, "`correct_choice_ids` must be a non-empty array.")
		return
	}
	seenCorrect := map[string]bool{}
	for i, v := range correct {
		id, idOK := nonEmptyString(v)
		if !idOK {
			*errs = append(*errs, fmt.Sprintf("`correct_choice_ids[%d]` must be a non-empty string.", i))
			continue
		}
		if seenCorrect[id] {
			*errs = append(*errs, fmt.Sprintf("`correct_choice_ids[%d]` duplicates choice id `%s`.", i, id))
			continue
		}
		seenCorrect[id] = true
		if !seen[id] {
			*errs = append(*errs, fmt.Sprintf("`correct_choice_ids[%d]` references unknown choice id `%s`.", i, id))
		}
	}
}

// ValidateRow checks one canonical row and returns the fatal errors and
// non-fatal warnings found.
func ValidateRow(row map[string]any) (errs, warnings []string) {
	var missing []string
	for _, field := range requiredFields {
		if _, present := row[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return []string{fmt.Sprintf("Missing required fields: %s.", strings.Join(missing, ", "))}, nil
	}

	if row["schema_version"] != SchemaVersion {
		errs = append(errs, fmt.Sprintf("`schema_version` must be `%s`.", SchemaVersion))
	}
	for _, field := range []string{"id", "dataset", "prompt"} {
		if _, ok := nonEmptyString(row[field]); !ok {
			errs = append(errs, fmt.Sprintf("`%s` must be a non-empty string.", field))
		}
	}

	taskType, _ := row["task_type"].(string)
	if taskType != TaskRubricQA && taskType != TaskReferenceQA && taskType != TaskMCQ {
		errs = append(errs, "`task_type` must be one of: rubric_qa, reference_qa, mcq.")
		return errs, warnings
	}

	if v, present := row["context"]; present {
		if _, ok := v.(string); !ok {
			errs = append(errs, "`context` must be a string when provided.")
		}
	}
	if v, present := row["metadata"]; present {
		if _, ok := v.(map[string]any); !ok {
			errs = append(errs, "`metadata` must be an object when provided.")
		}
	}

	validateMessages(row["messages"], &errs)
	validateAttachments(row["attachments"], &errs)

	var unknown []string
	for key := range row {
		if !allowedFields[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		warnings = append(warnings, "Unknown top-level fields present (consider moving into `metadata`): "+strings.Join(unknown, ", ")+".")
	}

	switch taskType {
	case TaskRubricQA:
		validateRubric(row["rubric"], &errs)
		if answers, present := row["reference_answers"]; present {
			list, ok := answers.([]any)
			if !ok {
				errs = append(errs, "`reference_answers` must be an array when provided.")
			} else {
				for i, v := range list {
					if _, ok := nonEmptyString(v); !ok {
						errs = append(errs, fmt.Sprintf("`reference_answers[%d]` must be a non-empty string.", i))
					}
				}
			}
		}
		for _, forbidden := range []string{"choices", "correct_choice_ids"} {
			if _, present := row[forbidden]; present {
				errs = append(errs, fmt.Sprintf("`%s` is forbidden for task_type=rubric_qa.", forbidden))
			}
		}
	case TaskReferenceQA:
		validateReferenceAnswers(row["reference_answers"], &errs)
		for _, forbidden := range []string{"rubric", "choices", "correct_choice_ids"} {
			if _, present := row[forbidden]; present {
				errs = append(errs, fmt.Sprintf("`%s` is forbidden for task_type=reference_qa.", forbidden))
			}
		}
	case TaskMCQ:
		validateMCQFields(row["choices"], row["correct_choice_ids"], &errs)
		for _, forbidden := range []string{"rubric", "reference_answers"} {
			if _, present := row[forbidden]; present {
				errs = append(errs, fmt.Sprintf("`%s` is forbidden for task_type=mcq.", forbidden))
			}
		}
	}

	return errs, warnings
}

// RowIssue records the validation outcome for one line of a dataset file.
type RowIssue struct {
	Line     int      `json:"line"`
	ID       string   `json:"id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// FileReport summarizes validation of an entire dataset file.
type FileReport struct {
	Path        string     `json:"path"`
	Rows        int        `json:"rows"`
	ValidRows   int        `json:"valid_rows"`
	InvalidRows int        `json:"invalid_rows"`
	WarningRows int        `json:"warning_rows"`
	Errors      []RowIssue `json:"errors"`
	Warnings    []RowIssue `json:"warnings"`
}

// scanLines walks a JSONL file and calls fn with each non-blank line's
// number and parsed object, or a parse error description.
func scanLines(path string, fn func(line int, row map[string]any, parseErr string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			if err := fn(lineNo, nil, "JSON parse error: "+err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := fn(lineNo, row, ""); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ValidateFile checks every row of a JSONL dataset file against the
// canonical schema and returns a per-row report.
func ValidateFile(path string) (*FileReport, error) {
	report := &FileReport{
		Path:     path,
		Errors:   []RowIssue{},
		Warnings: []RowIssue{},
	}
	err := scanLines(path, func(line int, row map[string]any, parseErr string) error {
		report.Rows++
		if parseErr != "" {
			report.InvalidRows++
			report.Errors = append(report.Errors, RowIssue{Line: line, Errors: []string{parseErr}})
			return nil
		}
		errs, warnings := ValidateRow(row)
		id, _ := row["id"].(string)
		if len(errs) > 0 {
			report.InvalidRows++
			report.Errors = append(report.Errors, RowIssue{Line: line, ID: id, Errors: errs})
		} else {
			report.ValidRows++
		}
		if len(warnings) > 0 {
			report.WarningRows++
			report.Warnings = append(report.Warnings, RowIssue{Line: line, ID: id, Warnings: warnings})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
