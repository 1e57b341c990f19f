package runner

import (
	"github.com/signalnine/tribunal/internal/cache"
	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/judge"
	"github.com/signalnine/tribunal/internal/provider"
	"github.com/signalnine/tribunal/internal/ratelimit"
	"github.com/signalnine/tribunal/internal/result"
	"github.com/signalnine/tribunal/internal/retry"
)

// runContext carries the per-run wiring shared by both phases.
type runContext struct {
	cfg          *config.Config
	runID        string
	startedAt    string
	providers    map[string]provider.Provider
	cache        *cache.Disk
	retryCfg     retry.Config
	progressMode string

	responseLimiter  ratelimit.Waiter
	providerLimiters map[string]ratelimit.Waiter
	// judgeLimiter is nil unless a Google-family judge is configured
	// with a positive judge rpm.
	judgeLimiter ratelimit.Waiter
}

func (rc *runContext) threshold() float64 {
	return rc.cfg.Run.JudgePassThreshold()
}

func (rc *runContext) responseRow(example *dataset.Example, candidate *config.Model, payload *CallPayload, reqID, cacheKey string, cacheHit bool, source string, messages []provider.Message) result.ResponseRow {
	requestID := payload.RequestID
	if requestID == "" {
		requestID = reqID
	}
	return result.ResponseRow{
		RunID:             rc.runID,
		RunStartedAtUTC:   rc.startedAt,
		Dataset:           example.Dataset,
		Provenance:        example.Provenance,
		JudgeMode:         example.JudgeMode,
		ExampleID:         example.ID,
		CandidateName:     candidate.Name,
		CandidateProvider: candidate.Provider,
		CandidateModel:    candidate.Model,
		CandidateSettings: candidate.Settings(),
		RequestID:         requestID,
		CacheKey:          cacheKey,
		CacheHit:          cacheHit,
		ResponseSource:    source,
		PromptMessages:    messages,
		ResponseText:      payload.Text,
		Usage:             payload.Usage,
		LatencyS:          payload.LatencyS,
		Metadata:          example.Metadata,
		ReferenceAnswer:   example.ReferenceAnswer,
	}
}

func modelTraceRequest(m *config.Model, messages []provider.Message) map[string]any {
	return map[string]any{
		"messages":          messages,
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

func (rc *runContext) generationTrace(example *dataset.Example, candidate *config.Model, row result.ResponseRow, messages []provider.Message) result.TraceRow {
	return result.TraceRow{
		TraceID:   newTraceID(),
		RunID:     rc.runID,
		Event:     "generation_call",
		Dataset:   example.Dataset,
		ExampleID: example.ID,
		ModelName: candidate.Name,
		Provider:  candidate.Provider,
		RequestID: row.RequestID,
		CacheKey:  row.CacheKey,
		CacheHit:  row.CacheHit,
		Request:   modelTraceRequest(candidate, messages),
		Response: map[string]any{
			"text":      row.ResponseText,
			"usage":     row.Usage,
			"latency_s": row.LatencyS,
		},
	}
}

// aggregationPoints extracts the weighted-rubric aggregation numbers
// from a judge result, nil when the aggregation did not apply.
func aggregationPoints(res judge.Result) (rawSum, normalized, clipped *float64) {
	detail, ok := res.Raw["deterministic_rubric_aggregation"].(judge.AggregationDetail)
	if !ok {
		return nil, nil, nil
	}
	r, n, c := detail.RawSum, detail.NormalizedPoints, detail.ClippedPoints
	return &r, &n, &c
}

func (rc *runContext) judgmentRow(example *dataset.Example, candidateName, judgeName, judgeProvider, judgeModel string, judgeSettings map[string]any, requestID, cacheKey string, cacheHit bool, res judge.Result) result.JudgmentRow {
	rawSum, normalized, clipped := aggregationPoints(res)
	return result.JudgmentRow{
		RunID:            rc.runID,
		RunStartedAtUTC:  rc.startedAt,
		Dataset:          example.Dataset,
		Provenance:       example.Provenance,
		JudgeMode:        example.JudgeMode,
		ExampleID:        example.ID,
		CandidateName:    candidateName,
		JudgeName:        judgeName,
		JudgeProvider:    judgeProvider,
		JudgeModel:       judgeModel,
		JudgeSettings:    judgeSettings,
		RequestID:        requestID,
		CacheKey:         cacheKey,
		CacheHit:         cacheHit,
		Score:            res.Score,
		Pass:             res.Passed,
		Rationale:        res.Rationale,
		Criteria:         res.Criteria,
		ParseError:       res.ParseError,
		WeightedRaw:      rawSum,
		PointsNormalized: normalized,
		PointsClipped:    clipped,
		RawJudge:         res.Raw,
	}
}

type judgeTraceExtras struct {
	criterionID    string
	criterionIndex int
	criterionScore *float64
	errorMessage   string
}

func (rc *runContext) judgeTrace(example *dataset.Example, judgeModel *config.Model, requestID, cacheKey string, cacheHit bool, messages []provider.Message, payload *CallPayload, parsed judge.Result, extras judgeTraceExtras) result.TraceRow {
	response := map[string]any{
		"text":        payload.Text,
		"usage":       payload.Usage,
		"latency_s":   payload.LatencyS,
		"parse_error": parsed.ParseError,
	}
	if extras.errorMessage != "" {
		response["error"] = extras.errorMessage
	} else if payload.Error != "" {
		response["error"] = payload.Error
	}
	if extras.criterionScore != nil {
		response["criterion_score"] = *extras.criterionScore
	}
	return result.TraceRow{
		TraceID:        newTraceID(),
		RunID:          rc.runID,
		Event:          "judge_call",
		Dataset:        example.Dataset,
		ExampleID:      example.ID,
		ModelName:      judgeModel.Name,
		Provider:       judgeModel.Provider,
		RequestID:      requestID,
		CacheKey:       cacheKey,
		CacheHit:       cacheHit,
		Request:        modelTraceRequest(judgeModel, messages),
		Response:       response,
		CriterionID:    extras.criterionID,
		CriterionIndex: extras.criterionIndex,
	}
}

func (rc *runContext) mcqTrace(example *dataset.Example, requestID, responseText string, parsed judge.Result) result.TraceRow {
	return result.TraceRow{
		TraceID:   newTraceID(),
		RunID:     rc.runID,
		Event:     "mcq_grade",
		Dataset:   example.Dataset,
		ExampleID: example.ID,
		ModelName: "deterministic_mcq",
		Provider:  "programmatic",
		RequestID: requestID,
		Request: map[string]any{
			"expected_choice_ids": example.Metadata["correct_choice_ids"],
		},
		Response: map[string]any{
			"candidate_text": responseText,
			"parse_error":    parsed.ParseError,
			"score":          parsed.Score,
			"criteria":       parsed.Criteria,
		},
	}
}

func newRetryConfig(r config.Retry) retry.Config {
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay(),
		MaxDelay:    r.MaxDelay(),
	}
}
