package dataset

import (
	"fmt"
	"os"
	"strings"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/provider"
)

// Example is a dataset row normalized for the run engine: provider-ready
// messages plus everything judging needs.
type Example struct {
	ID              string
	Dataset         string
	Provenance      string
	JudgeMode       string // rubric, reference or mcq
	Instructions    string
	Context         string
	ReferenceAnswer string
	Rubric          []map[string]any
	Metadata        map[string]any
	Messages        []provider.Message
}

// PolicyID reads the dataset policy id from row metadata, empty when unset.
func (e *Example) PolicyID() string {
	id, _ := e.Metadata["policy_id"].(string)
	return strings.TrimSpace(id)
}

var judgeModes = map[string]string{
	TaskRubricQA:    "rubric",
	TaskReferenceQA: "reference",
	TaskMCQ:         "mcq",
}

func normalizeRow(row map[string]any, ds config.Dataset) (*Example, error) {
	errs, _ := ValidateRow(row)
	if len(errs) > 0 {
		id, _ := row["id"].(string)
		return nil, fmt.Errorf("invalid canonical row for dataset=%q, id=%q: %s",
			ds.Name, id, strings.Join(errs, "; "))
	}

	taskType, _ := row["task_type"].(string)
	prompt := strings.TrimSpace(stringField(row, "prompt"))
	context := strings.TrimSpace(stringField(row, "context"))

	var rubric []map[string]any
	if list, ok := row["rubric"].([]any); ok {
		for _, item := range list {
			if criterion, ok := item.(map[string]any); ok {
				rubric = append(rubric, criterion)
			}
		}
	}

	var referenceAnswer string
	if list, ok := row["reference_answers"].([]any); ok {
		var vals []string
		for _, v := range list {
			if s, ok := nonEmptyString(v); ok {
				vals = append(vals, strings.TrimSpace(s))
			}
		}
		referenceAnswer = strings.Join(vals, "\n")
	}

	metadata := map[string]any{}
	if meta, ok := row["metadata"].(map[string]any); ok {
		for k, v := range meta {
			metadata[k] = v
		}
	}
	if attachments, ok := row["attachments"].([]any); ok {
		metadata["attachments"] = attachments
		if policyID, _ := metadata["policy_id"].(string); strings.TrimSpace(policyID) == "apexv1_extended_v1" {
			metadata["attachment_contents"] = extractAttachmentContents(attachments, ds.Path)
		}
	}

	instructions := prompt
	if taskType == TaskMCQ {
		choiceMap := map[string]string{}
		var choiceLines []string
		if choices, ok := row["choices"].([]any); ok {
			for _, item := range choices {
				choice, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id := strings.TrimSpace(stringField(choice, "id"))
				text := strings.TrimSpace(stringField(choice, "text"))
				if id == "" || text == "" {
					continue
				}
				choiceMap[id] = text
				choiceLines = append(choiceLines, fmt.Sprintf("%s. %s", id, text))
			}
		}
		if len(choiceLines) > 0 {
			instructions = prompt + "\n\nChoices:\n" + strings.Join(choiceLines, "\n") +
				"\n\nAnswer with the best option and brief reasoning."
		}

		if correctIDs, ok := row["correct_choice_ids"].([]any); ok {
			var clean []string
			for _, v := range correctIDs {
				if s, ok := nonEmptyString(v); ok {
					clean = append(clean, strings.TrimSpace(s))
				}
			}
			metadata["correct_choice_ids"] = clean
			if len(clean) > 0 {
				parts := make([]string, 0, len(clean))
				for _, cid := range clean {
					parts = append(parts, strings.TrimSpace(fmt.Sprintf("%s. %s", cid, choiceMap[cid])))
				}
				referenceAnswer = strings.TrimSpace(strings.Join(parts, "\n"))
			}
		}
		metadata["choices"] = choiceMap
	}

	return &Example{
		ID:              stringField(row, "id"),
		Dataset:         ds.Name,
		Provenance:      "canonical:" + taskType,
		JudgeMode:       judgeModes[taskType],
		Instructions:    instructions,
		Context:         context,
		ReferenceAnswer: referenceAnswer,
		Rubric:          rubric,
		Metadata:        metadata,
		Messages:        []provider.Message{{Role: "user", Content: instructions}},
	}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Load reads one dataset file into normalized examples, applying the
// dataset's split filter and limit. Any invalid row fails the load.
func Load(ds config.Dataset) ([]*Example, error) {
	if _, err := os.Stat(ds.Path); err != nil {
		return nil, fmt.Errorf("dataset not found: %s", ds.Path)
	}

	var examples []*Example
	err := scanLines(ds.Path, func(line int, row map[string]any, parseErr string) error {
		if parseErr != "" {
			return fmt.Errorf("invalid JSON in dataset file %q at line %d: %s", ds.Path, line, parseErr)
		}
		example, err := normalizeRow(row, ds)
		if err != nil {
			return fmt.Errorf("%w (dataset file %q, line %d)", err, ds.Path, line)
		}
		examples = append(examples, example)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ds.SplitField != "" && ds.SplitValue != "" {
		var filtered []*Example
		for _, e := range examples {
			if fmt.Sprint(e.Metadata[ds.SplitField]) == ds.SplitValue {
				filtered = append(filtered, e)
			}
		}
		examples = filtered
	}
	if ds.Limit != nil {
		limit := max(0, *ds.Limit)
		if limit < len(examples) {
			examples = examples[:limit]
		}
	}
	return examples, nil
}

// LoadAll loads every enabled dataset in config order, concatenated.
func LoadAll(datasets []config.Dataset) ([]*Example, error) {
	var all []*Example
	for _, ds := range datasets {
		if !ds.IsEnabled() {
			continue
		}
		examples, err := Load(ds)
		if err != nil {
			return nil, err
		}
		all = append(all, examples...)
	}
	return all, nil
}
