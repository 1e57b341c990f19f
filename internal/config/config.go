// Package config loads and validates the tribunal YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxResponseRPM is the hard ceiling on the global response rate limit.
const MaxResponseRPM = 50

// Response source modes for the generation phase.
const (
	SourceSampled            = "sampled"
	SourcePrefilled          = "prefilled"
	SourcePartOfConversation = "part_of_conversation"
)

// GoogleProviderNames are the provider ids served by the native Gemini
// adapter; the judge-stage rate limiter applies only to these.
var GoogleProviderNames = map[string]bool{
	"google_genai": true,
	"google-genai": true,
	"gemini":       true,
}

type Config struct {
	Providers  map[string]Provider `yaml:"providers"`
	Candidates []Model             `yaml:"candidates"`
	Judges     []Model             `yaml:"judges"`
	Data       Data                `yaml:"data"`
	Retry      Retry               `yaml:"retry"`
	Cache      Cache               `yaml:"cache"`
	Run        Run                 `yaml:"run"`

	// Judge is a legacy single-judge key; configs must use judges.
	Judge *Model `yaml:"judge"`
}

type Provider struct {
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	TimeoutS  int    `yaml:"timeout_s"`
	Project   string `yaml:"project"`
	Location  string `yaml:"location"`
}

type Model struct {
	Name             string         `yaml:"name" json:"name"`
	Provider         string         `yaml:"provider" json:"provider"`
	Model            string         `yaml:"model" json:"model"`
	Temperature      float64        `yaml:"temperature" json:"temperature"`
	TopP             *float64       `yaml:"top_p" json:"top_p"`
	FrequencyPenalty *float64       `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  *float64       `yaml:"presence_penalty" json:"presence_penalty"`
	MaxTokens        *int           `yaml:"max_tokens" json:"max_tokens"`
	Seed             *int           `yaml:"seed" json:"seed"`
	ReasoningEffort  string         `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`
	ThinkingBudget   *int           `yaml:"thinking_budget" json:"thinking_budget"`
	ExtraBody        map[string]any `yaml:"extra_body" json:"extra_body"`
}

// Settings returns the sampling parameters recorded on rows and traces.
func (m *Model) Settings() map[string]any {
	return map[string]any{
		"temperature":       m.Temperature,
		"top_p":             m.TopP,
		"frequency_penalty": m.FrequencyPenalty,
		"presence_penalty":  m.PresencePenalty,
		"max_tokens":        m.MaxTokens,
		"seed":              m.Seed,
		"reasoning_effort":  m.ReasoningEffort,
		"thinking_budget":   m.ThinkingBudget,
		"extra_body":        m.ExtraBody,
	}
}

type Data struct {
	Datasets []Dataset `yaml:"datasets"`
}

type Dataset struct {
	Name       string `yaml:"name" json:"name"`
	Path       string `yaml:"path" json:"path"`
	Enabled    *bool  `yaml:"enabled" json:"enabled"`
	SplitField string `yaml:"split_field" json:"split_field,omitempty"`
	SplitValue string `yaml:"split_value" json:"split_value,omitempty"`
	Limit      *int   `yaml:"limit" json:"limit"`
}

// IsEnabled treats an absent enabled key as true.
func (d *Dataset) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type Retry struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayS  float64 `yaml:"base_delay_s" json:"base_delay_s"`
	MaxDelayS   float64 `yaml:"max_delay_s" json:"max_delay_s"`
}

// BaseDelay returns base_delay_s as a duration.
func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayS * float64(time.Second))
}

// MaxDelay returns max_delay_s as a duration.
func (r Retry) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayS * float64(time.Second))
}

type Cache struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

func (c *Cache) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type Run struct {
	RunID               string         `yaml:"run_id" json:"run_id"`
	RunsRoot            string         `yaml:"runs_root" json:"runs_root"`
	OutputDir           string         `yaml:"output_dir" json:"output_dir"`
	DefaultSystemPrompt string         `yaml:"default_system_prompt" json:"default_system_prompt"`
	ResponseSource      string         `yaml:"response_source" json:"response_source"`
	PrefilledPath       string         `yaml:"prefilled_responses_path" json:"prefilled_responses_path,omitempty"`
	PreviousOutputPath  string         `yaml:"previous_output_path" json:"previous_output_path,omitempty"`
	PassThreshold       *float64       `yaml:"judge_pass_threshold" json:"judge_pass_threshold"`
	ResponseWorkers     int            `yaml:"response_parallel_workers" json:"response_parallel_workers"`
	ResponseRPM         int            `yaml:"response_rate_limit_rpm" json:"response_rate_limit_rpm"`
	ProviderResponseRPM map[string]int `yaml:"provider_response_rate_limit_rpm" json:"provider_response_rate_limit_rpm,omitempty"`
	JudgeWorkers        int            `yaml:"judge_parallel_workers" json:"judge_parallel_workers"`
	JudgeRPM            *int           `yaml:"judge_rate_limit_rpm" json:"judge_rate_limit_rpm"`
	IncludeRaw          bool           `yaml:"include_raw_provider_response" json:"include_raw_provider_response"`
}

// JudgePassThreshold returns the configured threshold or the 0.7 default.
func (r *Run) JudgePassThreshold() float64 {
	if r.PassThreshold != nil {
		return *r.PassThreshold
	}
	return 0.7
}

// JudgeRateLimitRPM returns the configured judge rpm or the 12 default.
func (r *Run) JudgeRateLimitRPM() int {
	if r.JudgeRPM != nil {
		return *r.JudgeRPM
	}
	return 12
}

// PrimaryJudge is the judge used for single-judge grading.
func (c *Config) PrimaryJudge() *Model {
	return &c.Judges[0]
}

// RequiredProviderNames lists every provider a run will instantiate:
// all judge providers, plus candidate providers when responses are
// sampled live.
func (c *Config) RequiredProviderNames() map[string]bool {
	names := make(map[string]bool)
	for _, j := range c.Judges {
		names[j.Provider] = true
	}
	if c.Run.ResponseSource == SourceSampled {
		for _, m := range c.Candidates {
			names[m.Provider] = true
		}
	}
	return names
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelayS == 0 {
		cfg.Retry.BaseDelayS = 1.0
	}
	if cfg.Retry.MaxDelayS == 0 {
		cfg.Retry.MaxDelayS = 30.0
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "cache"
	}
	if cfg.Run.RunsRoot == "" {
		cfg.Run.RunsRoot = "data/runs"
	}
	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = "outputs"
	}
	if cfg.Run.DefaultSystemPrompt == "" {
		cfg.Run.DefaultSystemPrompt = "You are a careful legal reasoning assistant. " +
			"Answer clearly and concisely, state uncertainty when needed, and avoid fabrication."
	}
	if cfg.Run.ResponseSource == "" {
		cfg.Run.ResponseSource = SourceSampled
	}
	if cfg.Run.ResponseWorkers == 0 {
		cfg.Run.ResponseWorkers = 8
	}
	if cfg.Run.ResponseRPM == 0 {
		cfg.Run.ResponseRPM = 50
	}
	if cfg.Run.JudgeWorkers == 0 {
		cfg.Run.JudgeWorkers = 4
	}
}

func validate(cfg *Config) error {
	if cfg.Judge != nil {
		return fmt.Errorf("the single 'judge' key is no longer supported; use the 'judges' list")
	}
	if len(cfg.Candidates) == 0 {
		return fmt.Errorf("no candidates defined")
	}
	if len(cfg.Judges) == 0 {
		return fmt.Errorf("at least one judge model must be defined in 'judges'")
	}
	if len(cfg.Data.Datasets) == 0 {
		return fmt.Errorf("no datasets defined in data.datasets")
	}

	for i, m := range cfg.Candidates {
		if err := validateModel(&m, fmt.Sprintf("candidate %d", i)); err != nil {
			return err
		}
	}
	for i, m := range cfg.Judges {
		if err := validateModel(&m, fmt.Sprintf("judge %d", i)); err != nil {
			return err
		}
	}

	for _, m := range append(append([]Model{}, cfg.Candidates...), cfg.Judges...) {
		if _, ok := cfg.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", m.Name, m.Provider)
		}
	}

	if dupes := duplicateNames(cfg.Candidates); len(dupes) > 0 {
		return fmt.Errorf("duplicate candidate name(s): %v", dupes)
	}
	if dupes := duplicateNames(cfg.Judges); len(dupes) > 0 {
		return fmt.Errorf("duplicate judge name(s): %v", dupes)
	}

	enabled := 0
	for _, ds := range cfg.Data.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("dataset entries require a name")
		}
		if !ds.IsEnabled() {
			continue
		}
		enabled++
		if _, err := os.Stat(ds.Path); err != nil {
			return fmt.Errorf("dataset %q path does not exist: %s", ds.Name, ds.Path)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one dataset must have enabled=true")
	}

	if cfg.Run.ResponseRPM <= 0 {
		return fmt.Errorf("run.response_rate_limit_rpm must be a positive integer")
	}
	if cfg.Run.ResponseRPM > MaxResponseRPM {
		return fmt.Errorf("run.response_rate_limit_rpm must be <= %d", MaxResponseRPM)
	}
	for name, rpm := range cfg.Run.ProviderResponseRPM {
		if _, ok := cfg.Providers[name]; !ok {
			return fmt.Errorf("run.provider_response_rate_limit_rpm references unknown provider %q", name)
		}
		if rpm <= 0 {
			return fmt.Errorf("run.provider_response_rate_limit_rpm[%q] must be a positive integer", name)
		}
		if rpm > MaxResponseRPM {
			return fmt.Errorf("run.provider_response_rate_limit_rpm[%q] must be <= %d", name, MaxResponseRPM)
		}
	}
	if cfg.Run.JudgeWorkers <= 0 {
		return fmt.Errorf("run.judge_parallel_workers must be a positive integer")
	}
	if cfg.Run.JudgeRateLimitRPM() < 0 {
		return fmt.Errorf("run.judge_rate_limit_rpm must be >= 0")
	}

	switch cfg.Run.ResponseSource {
	case SourceSampled:
	case SourcePrefilled:
		if cfg.Run.PrefilledPath == "" {
			return fmt.Errorf("run.prefilled_responses_path must be set when run.response_source=prefilled")
		}
		if _, err := os.Stat(cfg.Run.PrefilledPath); err != nil {
			return fmt.Errorf("run.prefilled_responses_path does not exist: %s", cfg.Run.PrefilledPath)
		}
	case SourcePartOfConversation:
		if cfg.Run.PreviousOutputPath == "" {
			return fmt.Errorf("run.previous_output_path must be set when run.response_source=part_of_conversation")
		}
		if _, err := os.Stat(cfg.Run.PreviousOutputPath); err != nil {
			return fmt.Errorf("run.previous_output_path does not exist: %s", cfg.Run.PreviousOutputPath)
		}
	default:
		return fmt.Errorf("run.response_source must be one of: sampled, prefilled, part_of_conversation")
	}

	threshold := cfg.Run.JudgePassThreshold()
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("run.judge_pass_threshold must be in [0, 1]")
	}
	return nil
}

func validateModel(m *Model, label string) error {
	if m.Name == "" {
		return fmt.Errorf("%s: name is required", label)
	}
	if m.Provider == "" {
		return fmt.Errorf("%s (%q): provider is required", label, m.Name)
	}
	if m.Model == "" {
		return fmt.Errorf("%s (%q): model is required", label, m.Name)
	}
	if m.MaxTokens != nil && *m.MaxTokens <= 0 {
		return fmt.Errorf("model %q has max_tokens=%d; must be > 0 when set", m.Name, *m.MaxTokens)
	}
	if m.ThinkingBudget != nil && *m.ThinkingBudget < 0 {
		return fmt.Errorf("model %q has thinking_budget=%d; must be >= 0 when set", m.Name, *m.ThinkingBudget)
	}
	return nil
}

func duplicateNames(models []Model) []string {
	seen := make(map[string]int)
	for _, m := range models {
		seen[m.Name]++
	}
	var dupes []string
	for name, n := range seen {
		if n > 1 {
			dupes = append(dupes, name)
		}
	}
	return dupes
}
