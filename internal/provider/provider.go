// Package provider wraps the upstream LLM SDKs behind one Generate
// interface so the run phases stay provider-agnostic.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/signalnine/tribunal/internal/config"
)

// Message is one turn of a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token counts as reported by the upstream. Nil fields
// mean the provider did not report the count.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

// NewUsage builds a Usage, deriving the total when either side is known.
func NewUsage(promptTokens, completionTokens *int) Usage {
	u := Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens}
	if promptTokens != nil || completionTokens != nil {
		total := 0
		if promptTokens != nil {
			total += *promptTokens
		}
		if completionTokens != nil {
			total += *completionTokens
		}
		u.TotalTokens = &total
	}
	return u
}

// Request is one upstream call: messages plus sampling parameters.
type Request struct {
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Temperature      float64        `json:"temperature"`
	TopP             *float64       `json:"top_p"`
	FrequencyPenalty *float64       `json:"frequency_penalty"`
	PresencePenalty  *float64       `json:"presence_penalty"`
	MaxTokens        *int           `json:"max_tokens"`
	Seed             *int           `json:"seed"`
	ReasoningEffort  string         `json:"reasoning_effort,omitempty"`
	ThinkingBudget   *int           `json:"thinking_budget"`
	ExtraBody        map[string]any `json:"extra_body"`
	RequestID        string         `json:"request_id"`
	IncludeRaw       bool           `json:"-"`
}

// BuildRequest assembles a Request from a configured model.
func BuildRequest(m *config.Model, messages []Message, requestID string) *Request {
	return &Request{
		Provider:         m.Provider,
		Model:            m.Model,
		Messages:         messages,
		Temperature:      m.Temperature,
		TopP:             m.TopP,
		FrequencyPenalty: m.FrequencyPenalty,
		PresencePenalty:  m.PresencePenalty,
		MaxTokens:        m.MaxTokens,
		Seed:             m.Seed,
		ReasoningEffort:  m.ReasoningEffort,
		ThinkingBudget:   m.ThinkingBudget,
		ExtraBody:        m.ExtraBody,
		RequestID:        requestID,
	}
}

// Response is the normalized result of one upstream call.
type Response struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Text      string          `json:"text"`
	Usage     Usage           `json:"usage"`
	LatencyS  float64         `json:"latency_s"`
	RequestID string          `json:"request_id"`
	Raw       json.RawMessage `json:"raw_response,omitempty"`
}

// Provider is one upstream adapter.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Build constructs the adapter for a configured provider name: Google
// names get the native Gemini adapter, "anthropic" the native Anthropic
// adapter, and everything else the OpenAI-compatible adapter (OpenAI
// itself plus any base_url override).
func Build(ctx context.Context, name string, cfg config.Provider) (Provider, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	switch {
	case config.GoogleProviderNames[name]:
		return newGemini(ctx, name, cfg, apiKey)
	case name == "anthropic":
		return newAnthropic(name, cfg, apiKey), nil
	default:
		return newOpenAICompatible(name, cfg, apiKey), nil
	}
}

// BuildAll constructs every adapter named in required, keyed by name.
func BuildAll(ctx context.Context, cfg *config.Config, required map[string]bool) (map[string]Provider, error) {
	providers := make(map[string]Provider, len(required))
	for name := range required {
		pcfg, ok := cfg.Providers[name]
		if !ok {
			closeAll(providers)
			return nil, fmt.Errorf("provider %q is referenced by a model but missing from providers config", name)
		}
		p, err := Build(ctx, name, pcfg)
		if err != nil {
			closeAll(providers)
			return nil, fmt.Errorf("building provider %q: %w", name, err)
		}
		providers[name] = p
	}
	return providers, nil
}

func closeAll(providers map[string]Provider) {
	for _, p := range providers {
		p.Close()
	}
}
