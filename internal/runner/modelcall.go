package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/signalnine/tribunal/internal/cache"
	"github.com/signalnine/tribunal/internal/log"
	"github.com/signalnine/tribunal/internal/provider"
	"github.com/signalnine/tribunal/internal/retry"
)

// errEmptyResponse marks a response-stage call that returned no usable
// text. The message matches the retry policy's transient markers, so an
// empty response is retried like any other transient failure.
var errEmptyResponse = errors.New("empty response text")

// CallPayload is the cached form of one upstream call result.
type CallPayload struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Text      string          `json:"text"`
	Usage     provider.Usage  `json:"usage"`
	LatencyS  *float64        `json:"latency_s"`
	RequestID string          `json:"request_id"`
	Raw       json.RawMessage `json:"raw_response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func cacheKeyPayload(req *provider.Request, stage string) map[string]any {
	return map[string]any{
		"stage":             stage,
		"provider":          req.Provider,
		"model":             req.Model,
		"messages":          req.Messages,
		"temperature":       req.Temperature,
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
		"max_tokens":        req.MaxTokens,
		"seed":              req.Seed,
		"reasoning_effort":  req.ReasoningEffort,
		"thinking_budget":   req.ThinkingBudget,
		"extra_body":        req.ExtraBody,
	}
}

func emptyText(text string) bool {
	return strings.TrimSpace(text) == ""
}

// runModelCall resolves one upstream request through the cache, the
// retry policy, and the provider. Response-stage cache entries with
// empty text are evicted and re-fetched live rather than served; a live
// empty response raises a retryable error and is never cached.
// beforeAttempt fires before every live attempt, including the first,
// so rate limiting covers retries.
func (rc *runContext) runModelCall(ctx context.Context, p provider.Provider, req *provider.Request, stage string, beforeAttempt func(attempt int)) (*CallPayload, bool, string, error) {
	key, err := cache.Key(cacheKeyPayload(req, stage))
	if err != nil {
		return nil, false, "", err
	}

	if raw, ok := rc.cache.Get(key); ok {
		var cached CallPayload
		if err := json.Unmarshal(raw, &cached); err != nil {
			rc.cache.Delete(key)
		} else if stage == stageResponse && emptyText(cached.Text) {
			rc.cache.Delete(key)
		} else {
			return &cached, true, key, nil
		}
	}

	var resp *provider.Response
	err = retry.Do(rc.retryCfg, beforeAttempt, func() error {
		r, genErr := p.Generate(ctx, req)
		if genErr != nil {
			return genErr
		}
		if stage == stageResponse && emptyText(r.Text) {
			return errEmptyResponse
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, false, key, err
	}

	latency := resp.LatencyS
	payload := &CallPayload{
		Provider:  resp.Provider,
		Model:     resp.Model,
		Text:      resp.Text,
		Usage:     resp.Usage,
		LatencyS:  &latency,
		RequestID: resp.RequestID,
		Raw:       resp.Raw,
	}
	if err := rc.cache.Set(key, payload); err != nil {
		log.Warnf("caching %s payload for key %s: %v", stage, key, err)
	}
	return payload, false, key, nil
}
