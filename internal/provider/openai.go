package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/signalnine/tribunal/internal/config"
)

// openAICompatible serves OpenAI itself and any endpoint speaking the
// chat.completions protocol via a base_url override.
type openAICompatible struct {
	name   string
	client openai.Client
}

func newOpenAICompatible(name string, cfg config.Provider, apiKey string) *openAICompatible {
	var opts []openaiopt.RequestOption
	if apiKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutS > 0 {
		opts = append(opts, openaiopt.WithRequestTimeout(time.Duration(cfg.TimeoutS)*time.Second))
	}
	return &openAICompatible{name: name, client: openai.NewClient(opts...)}
}

func (p *openAICompatible) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = openai.Int(int64(*req.Seed))
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}

	var callOpts []openaiopt.RequestOption
	for key, value := range req.ExtraBody {
		callOpts = append(callOpts, openaiopt.WithJSONSet(key, value))
	}

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, params, callOpts...)
	latency := time.Since(start).Seconds()
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &Error{Provider: p.name, Message: "empty response text: no choices returned"}
	}

	resp := &Response{
		Provider:  p.name,
		Model:     completion.Model,
		Text:      completion.Choices[0].Message.Content,
		LatencyS:  latency,
		RequestID: req.RequestID,
	}
	prompt := int(completion.Usage.PromptTokens)
	out := int(completion.Usage.CompletionTokens)
	resp.Usage = NewUsage(&prompt, &out)
	if req.IncludeRaw {
		resp.Raw = json.RawMessage(completion.RawJSON())
	}
	return resp, nil
}

func (p *openAICompatible) wrapError(err error) error {
	wrapped := &Error{Provider: p.name, Message: err.Error(), Err: err}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		wrapped.Code = apierr.StatusCode
		if d, ok := retryAfterFromHeader(apierr.Response); ok {
			wrapped.RetryAfter = d
			wrapped.HasHint = true
		}
	}
	return wrapped
}

func (p *openAICompatible) Close() error { return nil }
