package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/judge"
	"github.com/signalnine/tribunal/internal/provider"
	"github.com/signalnine/tribunal/internal/result"
)

type judgeItemResult struct {
	Judgment result.JudgmentRow
	Trace    []result.TraceRow
	Failed   []result.FailureItem
}

type judgePhase struct {
	Judgments   []result.JudgmentRow
	Trace       []result.TraceRow
	FailedItems []result.FailureItem
	Interrupted bool
}

type judgeCall struct {
	payload  *CallPayload
	cacheHit bool
	cacheKey string
	parsed   judge.Result
	errMsg   string
}

// runJudgeCall executes one judge request and parses its output. Call
// failures never propagate: they become an error judgment result so the
// item still produces a row.
func (rc *runContext) runJudgeCall(ctx context.Context, judgeModel *config.Model, reqID string, messages []provider.Message, errContext string) judgeCall {
	req := provider.BuildRequest(judgeModel, messages, reqID)
	req.IncludeRaw = rc.cfg.Run.IncludeRaw

	if rc.judgeLimiter != nil && config.GoogleProviderNames[judgeModel.Provider] {
		rc.judgeLimiter.Wait()
	}
	payload, cacheHit, cacheKey, err := rc.runModelCall(ctx, rc.providers[judgeModel.Provider], req, stageJudge, nil)
	if err != nil {
		msg := err.Error()
		return judgeCall{
			payload:  &CallPayload{RequestID: reqID, Error: msg},
			cacheKey: cacheKey,
			parsed:   judge.ErrorResult(msg, errContext),
			errMsg:   msg,
		}
	}
	return judgeCall{
		payload:  payload,
		cacheHit: cacheHit,
		cacheKey: cacheKey,
		parsed:   judge.ParseOutput(payload.Text, rc.threshold()),
	}
}

func judgeFailureItem(item *GenerationItem, errMsg, criterionID string, judgeModel *config.Model, requestID string) result.FailureItem {
	failure := result.FailureItem{
		DisplayIndex:  item.DisplayIndex,
		CandidateName: item.Candidate.Name,
		ExampleID:     item.Example.ID,
		Dataset:       item.Example.Dataset,
		Stage:         "judge",
		JudgeMode:     item.Example.JudgeMode,
		CriterionID:   criterionID,
		RequestID:     requestID,
		Error:         errMsg,
	}
	if judgeModel != nil {
		failure.JudgeProvider = judgeModel.Provider
		failure.JudgeModel = judgeModel.Model
	}
	return failure
}

func (rc *runContext) judgeMCQ(item *GenerationItem) judgeItemResult {
	example := item.Example
	parsed, err := judge.GradeMCQ(example, item.ResponseRow.ResponseText, rc.threshold())
	if err != nil {
		return rc.unexpectedJudgeResult(item, err.Error())
	}
	parsed = judge.EnforceFailClosed(parsed)
	reqID := RequestID(rc.runID, "deterministic_mcq", example.ID+":"+item.Candidate.Name, stageJudge)

	row := rc.judgmentRow(example, item.Candidate.Name,
		"deterministic_mcq", "programmatic", "exact_match_v1", map[string]any{},
		reqID, "", false, parsed)
	return judgeItemResult{
		Judgment: row,
		Trace:    []result.TraceRow{rc.mcqTrace(example, reqID, item.ResponseRow.ResponseText, parsed)},
	}
}

func criterionIDOf(criterion map[string]any, index int) string {
	if v, ok := criterion["id"]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return fmt.Sprintf("criterion_%d", index)
}

type criterionJudgeResult struct {
	criterionID string
	index       int
	judgeModel  *config.Model
	messages    []provider.Message
	reqID       string
	call        judgeCall
	score       float64
}

func (rc *runContext) runCriterion(ctx context.Context, item *GenerationItem, handler judge.PolicyHandler, criterion map[string]any, index int) criterionJudgeResult {
	example := item.Example
	criterionID := criterionIDOf(criterion, index)
	judges := rc.cfg.Judges
	judgeModel := &judges[(index-1)%len(judges)]
	reqID := RequestID(rc.runID, judgeModel.Name,
		fmt.Sprintf("%s:%s:%s", example.ID, item.Candidate.Name, criterionID), stageJudge)
	messages := handler.BuildCriterionMessages(example, item.ResponseRow.ResponseText, criterion, index, rc.threshold())

	call := rc.runJudgeCall(ctx, judgeModel, reqID, messages, fmt.Sprintf("criterion '%s'", criterionID))
	score, _ := judge.ResolveCriterionScore(call.parsed.Criteria, criterion, index, call.parsed.Score)

	return criterionJudgeResult{
		criterionID: criterionID,
		index:       index,
		judgeModel:  judgeModel,
		messages:    messages,
		reqID:       reqID,
		call:        call,
		score:       score,
	}
}

func (rc *runContext) judgeRubricMultiJudge(ctx context.Context, item *GenerationItem, handler judge.PolicyHandler, criterionWorkers int) judgeItemResult {
	example := item.Example
	rubric := example.Rubric

	results := make([]criterionJudgeResult, len(rubric))
	var g errgroup.Group
	g.SetLimit(min(max(1, criterionWorkers), len(rubric)))
	for i, criterion := range rubric {
		g.Go(func() error {
			results[i] = rc.runCriterion(ctx, item, handler, criterion, i+1)
			return nil
		})
	}
	g.Wait()

	criterionScores := map[string]float64{}
	type rationaleEntry struct{ id, text string }
	var (
		rationales     []rationaleEntry
		callDetails    []map[string]any
		traceRows      []result.TraceRow
		failed         []result.FailureItem
		anyParseError  bool
		anyCacheHit    bool
		firstRequestID string
	)
	for _, res := range results {
		parsed := res.call.parsed
		requestID := res.call.payload.RequestID
		if requestID == "" {
			requestID = res.reqID
		}
		criterionScores[res.criterionID] = res.score
		rationales = append(rationales, rationaleEntry{id: res.criterionID, text: parsed.Rationale})
		anyParseError = anyParseError || parsed.ParseError
		anyCacheHit = anyCacheHit || res.call.cacheHit
		if firstRequestID == "" {
			firstRequestID = requestID
		}

		descriptor := result.DescribeJudge(*res.judgeModel)
		callDetails = append(callDetails, map[string]any{
			"criterion_id":    res.criterionID,
			"criterion_index": res.index,
			"judge":           descriptor,
			"request_id":      requestID,
			"cache_key":       res.call.cacheKey,
			"cache_hit":       res.call.cacheHit,
			"score":           res.score,
			"raw_score":       parsed.Score,
			"rationale":       parsed.Rationale,
			"parse_error":     parsed.ParseError,
			"raw":             parsed.Raw,
			"error":           res.call.errMsg,
		})

		score := res.score
		traceRows = append(traceRows, rc.judgeTrace(example, res.judgeModel, requestID,
			res.call.cacheKey, res.call.cacheHit, res.messages, res.call.payload, parsed,
			judgeTraceExtras{
				criterionID:    res.criterionID,
				criterionIndex: res.index,
				criterionScore: &score,
				errorMessage:   res.call.errMsg,
			}))

		if res.call.errMsg != "" {
			failed = append(failed, judgeFailureItem(item, res.call.errMsg, res.criterionID, res.judgeModel, requestID))
		}
	}

	var rationaleParts []string
	for _, entry := range rationales {
		if entry.text != "" {
			rationaleParts = append(rationaleParts, entry.id+": "+entry.text)
		}
	}
	aggregate := judge.Result{
		Rationale: strings.Join(rationaleParts, "\n\n"),
		Criteria:  criterionScores,
		Raw: map[string]any{
			"mode":       "per_criterion_judges",
			"assignment": "round_robin",
			"calls":      callDetails,
		},
		ParseError: anyParseError,
	}
	aggregate = judge.ApplyWeightedRubricScore(aggregate, example, rc.threshold())
	aggregate = judge.EnforceFailClosed(aggregate)

	judgeProvider, judgeModelName := "mixed", "mixed"
	if len(results) > 0 {
		distinct := map[string]bool{}
		for _, res := range results {
			distinct[res.judgeModel.Provider+"\x00"+res.judgeModel.Model] = true
		}
		if len(distinct) == 1 {
			judgeProvider = results[0].judgeModel.Provider
			judgeModelName = results[0].judgeModel.Model
		}
	}

	judgeDescriptors := make([]result.JudgeDescriptor, 0, len(rc.cfg.Judges))
	for _, j := range rc.cfg.Judges {
		judgeDescriptors = append(judgeDescriptors, result.DescribeJudge(j))
	}
	requestID := firstRequestID
	if requestID == "" {
		requestID = RequestID(rc.runID, "rubric_multi_judge", example.ID+":"+item.Candidate.Name, stageJudge)
	}

	row := rc.judgmentRow(example, item.Candidate.Name,
		"rubric_multi_judge", judgeProvider, judgeModelName,
		map[string]any{"assignment": "round_robin", "judges": judgeDescriptors},
		requestID, "", anyCacheHit, aggregate)
	return judgeItemResult{Judgment: row, Trace: traceRows, Failed: failed}
}

func (rc *runContext) judgeSingle(ctx context.Context, item *GenerationItem, handler judge.PolicyHandler) judgeItemResult {
	example := item.Example
	judgeModel := rc.cfg.PrimaryJudge()
	messages := handler.BuildJudgeMessages(example, item.ResponseRow.ResponseText, rc.threshold())
	reqID := RequestID(rc.runID, judgeModel.Name, example.ID+":"+item.Candidate.Name, stageJudge)

	call := rc.runJudgeCall(ctx, judgeModel, reqID, messages, "")
	parsed := judge.ApplyWeightedRubricScore(call.parsed, example, rc.threshold())
	parsed = handler.Postprocess(parsed, example, rc.threshold())
	parsed = judge.EnforceFailClosed(parsed)

	requestID := call.payload.RequestID
	if requestID == "" {
		requestID = reqID
	}
	row := rc.judgmentRow(example, item.Candidate.Name,
		judgeModel.Name, judgeModel.Provider, judgeModel.Model, judgeModel.Settings(),
		requestID, call.cacheKey, call.cacheHit, parsed)
	trace := rc.judgeTrace(example, judgeModel, requestID, call.cacheKey, call.cacheHit,
		messages, call.payload, parsed, judgeTraceExtras{})

	var failed []result.FailureItem
	if call.errMsg != "" {
		failed = append(failed, judgeFailureItem(item, call.errMsg, "", judgeModel, requestID))
	}
	return judgeItemResult{Judgment: row, Trace: []result.TraceRow{trace}, Failed: failed}
}

// unexpectedJudgeResult turns an item-boundary failure into an error
// judgment row so the item is never silently dropped.
func (rc *runContext) unexpectedJudgeResult(item *GenerationItem, errMsg string) judgeItemResult {
	example := item.Example
	parsed := judge.EnforceFailClosed(judge.ErrorResult(errMsg, "judge dispatch"))
	judgeModel := rc.cfg.PrimaryJudge()
	requestID := RequestID(rc.runID, "judge_phase_error", example.ID+":"+item.Candidate.Name, stageJudge)
	payload := &CallPayload{RequestID: requestID, Error: errMsg}

	row := rc.judgmentRow(example, item.Candidate.Name,
		"judge_phase_error", "internal", "internal", map[string]any{},
		requestID, "", false, parsed)
	trace := rc.judgeTrace(example, judgeModel, requestID, "", false, nil, payload, parsed,
		judgeTraceExtras{errorMessage: errMsg})
	return judgeItemResult{
		Judgment: row,
		Trace:    []result.TraceRow{trace},
		Failed:   []result.FailureItem{judgeFailureItem(item, errMsg, "", judgeModel, requestID)},
	}
}

func judgeStrategy(example *dataset.Example) string {
	if example.JudgeMode == "mcq" {
		return "mcq"
	}
	if example.JudgeMode == "rubric" && len(example.Rubric) > 0 {
		return "rubric_multi_judge"
	}
	return "single_judge"
}

func (rc *runContext) judgeItem(ctx context.Context, item *GenerationItem, criterionWorkers int) (res judgeItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res = rc.unexpectedJudgeResult(item, fmt.Sprintf("panic: %v", r))
		}
	}()

	handler := judge.HandlerFor(item.Example.PolicyID())
	switch judgeStrategy(item.Example) {
	case "mcq":
		return rc.judgeMCQ(item)
	case "rubric_multi_judge":
		return rc.judgeRubricMultiJudge(ctx, item, handler, criterionWorkers)
	default:
		return rc.judgeSingle(ctx, item, handler)
	}
}

func (rc *runContext) runJudging(ctx context.Context, items []*GenerationItem, total int) *judgePhase {
	rc.emit(kv{"stage", "judge_phase_start"}, kv{"total_items", total})

	phase := &judgePhase{}
	itemWorkers := min(max(1, rc.cfg.Run.JudgeWorkers), max(1, len(items)))
	criterionWorkers := max(1, rc.cfg.Run.JudgeWorkers/itemWorkers)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = map[int]judgeItemResult{}
	)
	callCtx := context.WithoutCancel(ctx)

	pool, err := ants.NewPoolWithFunc(itemWorkers, func(arg any) {
		defer wg.Done()
		item := arg.(*GenerationItem)
		res := rc.judgeItem(callCtx, item, criterionWorkers)
		mu.Lock()
		results[item.DisplayIndex] = res
		mu.Unlock()
	})
	if err != nil {
		phase.FailedItems = append(phase.FailedItems, result.FailureItem{
			Stage: "judge",
			Error: fmt.Sprintf("starting judge pool: %v", err),
		})
		return phase
	}
	defer pool.Release()

	for _, item := range items {
		if ctx.Err() != nil {
			phase.Interrupted = true
			break
		}
		wg.Add(1)
		if err := pool.Invoke(item); err != nil {
			wg.Done()
			mu.Lock()
			phase.FailedItems = append(phase.FailedItems,
				judgeFailureItem(item, fmt.Sprintf("submitting judge task: %v", err), "", nil, ""))
			mu.Unlock()
		}
	}
	wg.Wait()

	if phase.Interrupted {
		rc.emit(
			kv{"stage", "judge_phase_interrupted"},
			kv{"total_items", total},
			kv{"completed_items", len(results)},
		)
	}

	ordered := make([]*GenerationItem, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DisplayIndex < ordered[j].DisplayIndex })

	for _, item := range ordered {
		res, ok := results[item.DisplayIndex]
		if !ok {
			continue
		}
		phase.Judgments = append(phase.Judgments, res.Judgment)
		phase.Trace = append(phase.Trace, res.Trace...)
		phase.FailedItems = append(phase.FailedItems, res.Failed...)
		rc.emit(
			kv{"item", fmt.Sprintf("%d/%d", item.DisplayIndex, total)},
			kv{"stage", "judge_done"},
			kv{"candidate", item.Candidate.Name},
			kv{"dataset", item.Example.Dataset},
			kv{"example", item.Example.ID},
			kv{"judge_mode", item.Example.JudgeMode},
			kv{"score", res.Judgment.Score},
			kv{"passed", res.Judgment.Pass},
			kv{"parse_error", res.Judgment.ParseError},
		)
	}

	if !phase.Interrupted {
		rc.emit(kv{"stage", "judge_phase_done"}, kv{"total_items", total})
	}
	return phase
}
