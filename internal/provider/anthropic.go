package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/signalnine/tribunal/internal/config"
)

// anthropicProvider talks to the Anthropic Messages API. Max tokens is
// mandatory there, so an unset value gets a generous default.
const anthropicDefaultMaxTokens = 4096

type anthropicProvider struct {
	name   string
	client anthropic.Client
}

func newAnthropic(name string, cfg config.Provider, apiKey string) *anthropicProvider {
	var opts []anthropicopt.RequestOption
	if apiKey != "" {
		opts = append(opts, anthropicopt.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutS > 0 {
		opts = append(opts, anthropicopt.WithRequestTimeout(time.Duration(cfg.TimeoutS)*time.Second))
	}
	return &anthropicProvider{name: name, client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params.Messages = messages

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	latency := time.Since(start).Seconds()
	if err != nil {
		return nil, p.wrapError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	resp := &Response{
		Provider:  p.name,
		Model:     string(msg.Model),
		Text:      text,
		LatencyS:  latency,
		RequestID: req.RequestID,
	}
	prompt := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	resp.Usage = NewUsage(&prompt, &out)
	if req.IncludeRaw {
		resp.Raw = json.RawMessage(msg.RawJSON())
	}
	return resp, nil
}

func (p *anthropicProvider) wrapError(err error) error {
	wrapped := &Error{Provider: p.name, Message: err.Error(), Err: err}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		wrapped.Code = apierr.StatusCode
		if d, ok := retryAfterFromHeader(apierr.Response); ok {
			wrapped.RetryAfter = d
			wrapped.HasHint = true
		}
	}
	return wrapped
}

func (p *anthropicProvider) Close() error { return nil }
