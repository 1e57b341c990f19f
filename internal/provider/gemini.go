package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/genai"

	"github.com/signalnine/tribunal/internal/config"
)

type gemini struct {
	name   string
	client *genai.Client
}

func newGemini(ctx context.Context, name string, cfg config.Provider, apiKey string) (*gemini, error) {
	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" {
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	} else {
		cc.APIKey = apiKey
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, &Error{Provider: name, Message: "create client: " + err.Error(), Err: err}
	}
	return &gemini{name: name, client: client}, nil
}

func (p *gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.TopP != nil {
		gc.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens != nil {
		gc.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if req.Seed != nil {
		gc.Seed = genai.Ptr(int32(*req.Seed))
	}
	if req.ThinkingBudget != nil {
		gc.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(*req.ThinkingBudget)),
		}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			gc.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
			}
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	start := time.Now()
	result, err := p.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	latency := time.Since(start).Seconds()
	if err != nil {
		return nil, p.wrapError(err)
	}

	resp := &Response{
		Provider:  p.name,
		Model:     req.Model,
		Text:      result.Text(),
		LatencyS:  latency,
		RequestID: req.RequestID,
	}
	if result.UsageMetadata != nil {
		prompt := int(result.UsageMetadata.PromptTokenCount)
		out := int(result.UsageMetadata.CandidatesTokenCount)
		resp.Usage = NewUsage(&prompt, &out)
	}
	if req.IncludeRaw {
		if raw, merr := json.Marshal(result); merr == nil {
			resp.Raw = raw
		}
	}
	return resp, nil
}

func (p *gemini) wrapError(err error) error {
	wrapped := &Error{Provider: p.name, Message: err.Error(), Err: err}
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		wrapped.Code = apierr.Code
		wrapped.Status = apierr.Status
	}
	return wrapped
}

func (p *gemini) Close() error { return nil }
