package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
)

// responseKey addresses one precomputed response.
type responseKey struct {
	ExampleID     string
	CandidateName string
}

type mappingRow struct {
	ExampleID     string `json:"example_id"`
	CandidateName string `json:"candidate_name"`
	ResponseText  any    `json:"response_text"`
}

func addMappingRow(out map[responseKey]string, row mappingRow, position string, label string) error {
	exampleID := strings.TrimSpace(row.ExampleID)
	candidateName := strings.TrimSpace(row.CandidateName)
	if exampleID == "" || candidateName == "" {
		return fmt.Errorf("invalid %s row at %s: `example_id` and `candidate_name` are required", label, position)
	}
	text, ok := row.ResponseText.(string)
	if !ok {
		return fmt.Errorf("invalid %s row at %s: `response_text` must be a string", label, position)
	}
	key := responseKey{ExampleID: exampleID, CandidateName: candidateName}
	if _, exists := out[key]; exists {
		return fmt.Errorf("duplicate %s for example_id=%s, candidate_name=%s at %s",
			label, exampleID, candidateName, position)
	}
	out[key] = text
	return nil
}

func loadMappingJSONL(path, label string) (map[responseKey]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[responseKey]string{}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row mappingRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s file at line %d: %v", label, i+1, err)
		}
		if err := addMappingRow(out, row, fmt.Sprintf("line %d", i+1), label); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadMappingJSON(path, label string, candidateNames []string) (map[responseKey]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	out := map[responseKey]string{}
	var rows []mappingRow
	if err := json.Unmarshal(data, &rows); err == nil {
		for i, row := range rows {
			if err := addMappingRow(out, row, fmt.Sprintf("index %d", i+1), label); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	// Previous-output files may also be a flat task_id -> response_text
	// mapping, which only makes sense with a single candidate.
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err == nil && label == "previous output" {
		if len(candidateNames) != 1 {
			return nil, fmt.Errorf("ambiguous previous output JSON mapping: " +
				"task_id->response_text can only be used with exactly one configured candidate")
		}
		for exampleID, text := range flat {
			out[responseKey{ExampleID: exampleID, CandidateName: candidateNames[0]}] = text
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported %s JSON format in %s: expected a list of objects "+
		"with example_id/candidate_name/response_text", label, path)
}

func loadResponseMapping(path, label string, candidateNames []string) (map[responseKey]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s file not found: %s", label, path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return loadMappingJSONL(path, label)
	case ".json":
		return loadMappingJSON(path, label, candidateNames)
	default:
		return nil, fmt.Errorf("unsupported %s file extension %q: expected .jsonl or .json",
			label, filepath.Ext(path))
	}
}

// loadResponseSource resolves the configured response source up front.
// For sampled runs it returns nil; otherwise it loads the mapping and
// verifies it covers every planned (example, candidate) pair, so a
// partial file fails before any work starts.
func loadResponseSource(cfg *config.Config, examples []*dataset.Example) (map[responseKey]string, error) {
	var (
		mapping map[responseKey]string
		label   string
		err     error
	)
	switch cfg.Run.ResponseSource {
	case config.SourceSampled, "":
		return nil, nil
	case config.SourcePrefilled:
		label = "prefilled response"
		mapping, err = loadResponseMapping(cfg.Run.PrefilledPath, label, nil)
	case config.SourcePartOfConversation:
		label = "previous output"
		names := make([]string, 0, len(cfg.Candidates))
		for _, c := range cfg.Candidates {
			names = append(names, c.Name)
		}
		mapping, err = loadResponseMapping(cfg.Run.PreviousOutputPath, label, names)
	default:
		return nil, fmt.Errorf("unknown response_source %q", cfg.Run.ResponseSource)
	}
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, candidate := range cfg.Candidates {
		for _, example := range examples {
			key := responseKey{ExampleID: example.ID, CandidateName: candidate.Name}
			if _, ok := mapping[key]; !ok {
				missing = append(missing, fmt.Sprintf("example_id=%s candidate=%s", example.ID, candidate.Name))
			}
		}
	}
	if len(missing) > 0 {
		detail := missing
		if len(detail) > 5 {
			detail = detail[:5]
		}
		return nil, fmt.Errorf("%s mapping does not cover %d planned item(s): %s",
			label, len(missing), strings.Join(detail, "; "))
	}
	return mapping, nil
}
