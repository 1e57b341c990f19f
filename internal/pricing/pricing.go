// Package pricing loads a per-model price table used to estimate run
// costs from recorded token usage.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPrice is the USD price of one model per million tokens. An
// entry with an empty provider matches that model under any provider.
type ModelPrice struct {
	Provider            string  `yaml:"provider"`
	Model               string  `yaml:"model"`
	InputUSDPerMillion  float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion float64 `yaml:"output_usd_per_million"`
}

// Cost estimates the USD cost of a call mix under this price.
func (p ModelPrice) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1e6*p.InputUSDPerMillion +
		float64(completionTokens)/1e6*p.OutputUSDPerMillion
}

// Table is a loaded price list.
type Table struct {
	Models []ModelPrice `yaml:"models"`
}

// Load reads a pricing YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing table %s: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing pricing table %s: %w", path, err)
	}
	for i, entry := range table.Models {
		if strings.TrimSpace(entry.Model) == "" {
			return nil, fmt.Errorf("pricing table %s: entry %d has no model", path, i+1)
		}
	}
	return &table, nil
}

// Lookup finds the price for a model, preferring an exact
// provider+model entry over a provider-agnostic one.
func (t *Table) Lookup(provider, model string) (ModelPrice, bool) {
	if t == nil {
		return ModelPrice{}, false
	}
	var fallback *ModelPrice
	for i, entry := range t.Models {
		if entry.Model != model {
			continue
		}
		if entry.Provider == provider {
			return entry, true
		}
		if entry.Provider == "" && fallback == nil {
			fallback = &t.Models[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return ModelPrice{}, false
}
