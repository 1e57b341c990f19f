package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/log"
	"github.com/signalnine/tribunal/internal/prompt"
	"github.com/signalnine/tribunal/internal/provider"
	"github.com/signalnine/tribunal/internal/result"
)

const skippedCandidateReason = "Skipped due to earlier fatal provider error for this candidate."

// isCandidateFatal reports whether an error is an upstream capacity or
// misconfiguration signature that will fail every remaining task for
// the same candidate, so retrying them is pointless.
func isCandidateFatal(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "on-demand throughput isn’t supported") ||
		strings.Contains(msg, "on-demand throughput isn't supported") {
		return true
	}
	return strings.Contains(msg, "inference profile") && strings.Contains(msg, "bedrockexception")
}

type generationTask struct {
	displayIndex int
	candidate    *config.Model
	example      *dataset.Example
}

// GenerationItem is one completed generation task, kept in memory for
// the judging phase.
type GenerationItem struct {
	DisplayIndex int
	Candidate    *config.Model
	Example      *dataset.Example
	ResponseRow  result.ResponseRow
	CacheHit     bool
	Trace        *result.TraceRow
}

type generationPhase struct {
	Items       []*GenerationItem
	Responses   []result.ResponseRow
	Trace       []result.TraceRow
	FailedItems []result.FailureItem
	Interrupted bool
}

func buildGenerationTasks(candidates []config.Model, examples []*dataset.Example) []generationTask {
	tasks := make([]generationTask, 0, len(candidates)*len(examples))
	displayIndex := 0
	for i := range candidates {
		for _, example := range examples {
			displayIndex++
			tasks = append(tasks, generationTask{
				displayIndex: displayIndex,
				candidate:    &candidates[i],
				example:      example,
			})
		}
	}
	return tasks
}

func (rc *runContext) generateOne(ctx context.Context, task generationTask, total int) (*GenerationItem, error) {
	candidate, example := task.candidate, task.example
	messages := prompt.BuildCandidateMessages(example, rc.cfg.Run.DefaultSystemPrompt)
	reqID := RequestID(rc.runID, candidate.Name, example.ID, stageResponse)
	req := provider.BuildRequest(candidate, messages, reqID)
	req.IncludeRaw = rc.cfg.Run.IncludeRaw

	rc.emit(
		kv{"item", fmt.Sprintf("%d/%d", task.displayIndex, total)},
		kv{"stage", "response_started"},
		kv{"candidate", candidate.Name},
		kv{"dataset", example.Dataset},
		kv{"example", example.ID},
	)

	beforeAttempt := func(int) {
		rc.responseLimiter.Wait()
		if limiter := rc.providerLimiters[candidate.Provider]; limiter != nil {
			limiter.Wait()
		}
	}
	payload, cacheHit, cacheKey, err := rc.runModelCall(ctx, rc.providers[candidate.Provider], req, stageResponse, beforeAttempt)
	if err != nil {
		return nil, err
	}

	row := rc.responseRow(example, candidate, payload, reqID, cacheKey, cacheHit, config.SourceSampled, messages)
	trace := rc.generationTrace(example, candidate, row, messages)
	return &GenerationItem{
		DisplayIndex: task.displayIndex,
		Candidate:    candidate,
		Example:      example,
		ResponseRow:  row,
		CacheHit:     cacheHit,
		Trace:        &trace,
	}, nil
}

// prefilledItem builds a response row from a precomputed mapping entry
// without touching any provider.
func (rc *runContext) prefilledItem(task generationTask, text, source string) *GenerationItem {
	candidate, example := task.candidate, task.example
	messages := prompt.BuildCandidateMessages(example, rc.cfg.Run.DefaultSystemPrompt)
	reqID := RequestID(rc.runID, candidate.Name, example.ID, stageResponse)
	payload := &CallPayload{Text: text, RequestID: reqID}
	row := rc.responseRow(example, candidate, payload, reqID, "", false, source, messages)
	return &GenerationItem{
		DisplayIndex: task.displayIndex,
		Candidate:    candidate,
		Example:      example,
		ResponseRow:  row,
	}
}

func (rc *runContext) runGeneration(ctx context.Context, examples []*dataset.Example, sourceMapping map[responseKey]string) (*generationPhase, error) {
	tasks := buildGenerationTasks(rc.cfg.Candidates, examples)
	total := len(tasks)
	workerCount := min(max(1, rc.cfg.Run.ResponseWorkers), max(1, len(tasks)))

	rc.emit(
		kv{"stage", "response_phase_start"},
		kv{"total_items", total},
		kv{"workers", workerCount},
		kv{"rpm", rc.cfg.Run.ResponseRPM},
	)

	phase := &generationPhase{}
	source := rc.cfg.Run.ResponseSource
	if sourceMapping != nil {
		for _, task := range tasks {
			if ctx.Err() != nil {
				phase.Interrupted = true
				break
			}
			text := sourceMapping[responseKey{ExampleID: task.example.ID, CandidateName: task.candidate.Name}]
			phase.Items = append(phase.Items, rc.prefilledItem(task, text, source))
		}
		rc.finishGeneration(phase, total)
		return phase, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		blocked = map[string]bool{}
	)
	// Started tasks drain even after an interrupt; only submission stops.
	callCtx := context.WithoutCancel(ctx)

	pool, err := ants.NewPoolWithFunc(workerCount, func(arg any) {
		defer wg.Done()
		task := arg.(generationTask)
		item, genErr := rc.generateOne(callCtx, task, total)

		mu.Lock()
		defer mu.Unlock()
		if genErr != nil {
			log.Errorf("generation failed for candidate=%s dataset=%s example=%s: %v",
				task.candidate.Name, task.example.Dataset, task.example.ID, genErr)
			phase.FailedItems = append(phase.FailedItems, result.FailureItem{
				DisplayIndex:  task.displayIndex,
				CandidateName: task.candidate.Name,
				ExampleID:     task.example.ID,
				Dataset:       task.example.Dataset,
				Error:         genErr.Error(),
			})
			if isCandidateFatal(genErr) && !blocked[task.candidate.Name] {
				blocked[task.candidate.Name] = true
				log.Warnf("disabling remaining tasks for candidate=%s after fatal provider configuration error",
					task.candidate.Name)
			}
			return
		}
		phase.Items = append(phase.Items, item)
	})
	if err != nil {
		return nil, fmt.Errorf("starting generation pool: %w", err)
	}
	defer pool.Release()

	for _, task := range tasks {
		if ctx.Err() != nil {
			phase.Interrupted = true
			break
		}
		mu.Lock()
		skip := blocked[task.candidate.Name]
		mu.Unlock()
		if skip {
			rc.emit(
				kv{"item", fmt.Sprintf("%d/%d", task.displayIndex, total)},
				kv{"stage", "response_skipped"},
				kv{"candidate", task.candidate.Name},
				kv{"dataset", task.example.Dataset},
				kv{"example", task.example.ID},
				kv{"reason", skippedCandidateReason},
			)
			mu.Lock()
			phase.FailedItems = append(phase.FailedItems, result.FailureItem{
				DisplayIndex:  task.displayIndex,
				CandidateName: task.candidate.Name,
				ExampleID:     task.example.ID,
				Dataset:       task.example.Dataset,
				Error:         skippedCandidateReason,
			})
			mu.Unlock()
			continue
		}

		rc.emit(
			kv{"item", fmt.Sprintf("%d/%d", task.displayIndex, total)},
			kv{"stage", "response_queued"},
			kv{"candidate", task.candidate.Name},
			kv{"dataset", task.example.Dataset},
			kv{"example", task.example.ID},
		)
		wg.Add(1)
		if err := pool.Invoke(task); err != nil {
			wg.Done()
			return nil, fmt.Errorf("submitting generation task: %w", err)
		}
	}
	wg.Wait()

	rc.finishGeneration(phase, total)
	return phase, nil
}

// finishGeneration orders the collected results, emits their completion
// lines, and flattens rows for the artifact writer.
func (rc *runContext) finishGeneration(phase *generationPhase, total int) {
	items := phase.Items
	sort.Slice(items, func(i, j int) bool { return items[i].DisplayIndex < items[j].DisplayIndex })

	for _, item := range items {
		phase.Responses = append(phase.Responses, item.ResponseRow)
		var latency any
		if item.ResponseRow.LatencyS != nil {
			latency = *item.ResponseRow.LatencyS
		}
		rc.emit(
			kv{"item", fmt.Sprintf("%d/%d", item.DisplayIndex, total)},
			kv{"stage", "response_done"},
			kv{"candidate", item.Candidate.Name},
			kv{"dataset", item.Example.Dataset},
			kv{"example", item.Example.ID},
			kv{"cache_hit", item.CacheHit},
			kv{"latency_s", latency},
		)
		if item.Trace != nil {
			phase.Trace = append(phase.Trace, *item.Trace)
		}
	}

	if phase.Interrupted {
		rc.emit(
			kv{"stage", "response_phase_interrupted"},
			kv{"total_items", total},
			kv{"completed_items", len(phase.Items) + len(phase.FailedItems)},
		)
		return
	}
	rc.emit(kv{"stage", "response_phase_done"}, kv{"total_items", total})
}
