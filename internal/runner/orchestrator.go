package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/tribunal/internal/cache"
	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/provider"
	"github.com/signalnine/tribunal/internal/ratelimit"
	"github.com/signalnine/tribunal/internal/result"
)

// Options tunes one orchestrated run.
type Options struct {
	// LimitOverride caps the selected examples across all datasets.
	LimitOverride *int
	// ProgressMode is ProgressLog or ProgressOff.
	ProgressMode string
}

func newRunID() string {
	var token [2]byte
	if _, err := rand.Read(token[:]); err != nil {
		// crypto/rand failure leaves the timestamp alone; collisions
		// within one second are the caller's problem at that point.
		return time.Now().UTC().Format("20060102_150405")
	}
	return time.Now().UTC().Format("20060102_150405") + "_" + hex.EncodeToString(token[:])
}

// validateCanonicalInputs fails fast when any enabled dataset file has
// rows the canonical schema rejects.
func validateCanonicalInputs(cfg *config.Config) error {
	var problems []string
	for _, ds := range cfg.Data.Datasets {
		if !ds.IsEnabled() {
			continue
		}
		report, err := dataset.ValidateFile(ds.Path)
		if err != nil {
			return fmt.Errorf("validating dataset %q: %w", ds.Name, err)
		}
		if report.InvalidRows <= 0 {
			continue
		}
		issues := report.Errors
		if len(issues) > 5 {
			issues = issues[:5]
		}
		var details []string
		for _, issue := range issues {
			details = append(details, fmt.Sprintf("line=%d, id=%s: %s",
				issue.Line, issue.ID, strings.Join(issue.Errors, "; ")))
		}
		detailText := "(no details)"
		if len(details) > 0 {
			detailText = strings.Join(details, "\n      ")
		}
		problems = append(problems, fmt.Sprintf("- dataset=%q path=%q invalid_rows=%d/%d\n      %s",
			ds.Name, ds.Path, report.InvalidRows, report.Rows, detailText))
	}
	if len(problems) > 0 {
		return fmt.Errorf("canonical input validation failed for %s; fix the dataset files before running:\n%s",
			dataset.SchemaVersion, strings.Join(problems, "\n"))
	}
	return nil
}

func loadAllExamples(cfg *config.Config) ([]*dataset.Example, []result.DatasetStat, error) {
	var (
		examples []*dataset.Example
		stats    []result.DatasetStat
	)
	for _, ds := range cfg.Data.Datasets {
		if !ds.IsEnabled() {
			continue
		}
		rows, err := dataset.Load(ds)
		if err != nil {
			return nil, nil, err
		}
		examples = append(examples, rows...)
		stats = append(stats, result.DatasetStat{
			Dataset:          ds.Name,
			Path:             ds.Path,
			SelectedExamples: len(rows),
		})
	}
	return examples, stats, nil
}

func normalizedRows(examples []*dataset.Example) []result.NormalizedRow {
	rows := make([]result.NormalizedRow, 0, len(examples))
	for _, example := range examples {
		rows = append(rows, result.NormalizedRow{
			ExampleID:       example.ID,
			Dataset:         example.Dataset,
			Provenance:      example.Provenance,
			JudgeMode:       example.JudgeMode,
			Instructions:    example.Instructions,
			Context:         example.Context,
			Messages:        example.Messages,
			ReferenceAnswer: example.ReferenceAnswer,
			Metadata:        example.Metadata,
		})
	}
	return rows
}

func judgeUsesGoogle(cfg *config.Config) bool {
	for _, j := range cfg.Judges {
		if config.GoogleProviderNames[j.Provider] {
			return true
		}
	}
	return false
}

// Run executes one full evaluation run: generation, then judging, then
// the artifact write. A canceled ctx interrupts the current phase
// cooperatively; partial rows are still written with run_status
// "interrupted". Returns the run's output directory.
func Run(ctx context.Context, cfg *config.Config, opts Options) (string, error) {
	startedAt := time.Now().UTC().Format(time.RFC3339Nano)
	runID := cfg.Run.RunID
	if runID == "" {
		runID = newRunID()
	}

	if err := validateCanonicalInputs(cfg); err != nil {
		return "", err
	}
	examples, datasetStats, err := loadAllExamples(cfg)
	if err != nil {
		return "", err
	}
	if opts.LimitOverride != nil {
		limit := max(0, *opts.LimitOverride)
		if limit < len(examples) {
			examples = examples[:limit]
		}
	}
	if len(examples) == 0 {
		return "", errors.New("no examples selected after dataset filtering")
	}

	sourceMapping, err := loadResponseSource(cfg, examples)
	if err != nil {
		return "", err
	}

	runDir := filepath.Join(cfg.Run.RunsRoot, runID)
	outputDir := filepath.Join(runDir, filepath.Base(cfg.Run.OutputDir))
	cacheDir := filepath.Join(runDir, filepath.Base(cfg.Cache.Dir))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run output dir: %w", err)
	}

	diskCache, err := cache.New(cacheDir, cfg.Cache.IsEnabled())
	if err != nil {
		return "", err
	}
	providers, err := provider.BuildAll(ctx, cfg, cfg.RequiredProviderNames())
	if err != nil {
		return "", err
	}
	defer func() {
		for _, p := range providers {
			p.Close()
		}
	}()

	providerLimiters := make(map[string]ratelimit.Waiter, len(cfg.Run.ProviderResponseRPM))
	for name, rpm := range cfg.Run.ProviderResponseRPM {
		providerLimiters[name] = ratelimit.NewPerMinute(rpm)
	}
	var judgeLimiter ratelimit.Waiter
	if judgeUsesGoogle(cfg) && cfg.Run.JudgeRateLimitRPM() > 0 {
		judgeLimiter = ratelimit.NewPerMinute(cfg.Run.JudgeRateLimitRPM())
	}

	rc := &runContext{
		cfg:              cfg,
		runID:            runID,
		startedAt:        startedAt,
		providers:        providers,
		cache:            diskCache,
		retryCfg:         newRetryConfig(cfg.Retry),
		progressMode:     opts.ProgressMode,
		responseLimiter:  ratelimit.NewPerMinute(cfg.Run.ResponseRPM),
		providerLimiters: providerLimiters,
		judgeLimiter:     judgeLimiter,
	}

	totalItems := len(cfg.Candidates) * len(examples)
	rc.emit(
		kv{"stage", "start"},
		kv{"run_id", runID},
		kv{"examples", len(examples)},
		kv{"candidates", len(cfg.Candidates)},
		kv{"total_items", totalItems},
	)

	generation, err := rc.runGeneration(ctx, examples, sourceMapping)
	if err != nil {
		return "", err
	}

	judging := &judgePhase{}
	if !generation.Interrupted {
		judging = rc.runJudging(ctx, generation.Items, totalItems)
	}

	runStatus := "completed"
	var interruptedStage *string
	if generation.Interrupted {
		runStatus = "interrupted"
		stage := "generation"
		interruptedStage = &stage
	} else if judging.Interrupted {
		runStatus = "interrupted"
		stage := "judging"
		interruptedStage = &stage
	}

	failedItems := append([]result.FailureItem{}, generation.FailedItems...)
	failedItems = append(failedItems, judging.FailedItems...)

	outputs := &result.RunOutputs{
		RunID:            runID,
		RunStartedAtUTC:  startedAt,
		SelectedExamples: len(examples),
		NormalizedRows:   normalizedRows(examples),
		Responses:        generation.Responses,
		Judgments:        judging.Judgments,
		Trace:            append(generation.Trace, judging.Trace...),
		DatasetStats:     datasetStats,
		FailedItems:      failedItems,
		RunStatus:        runStatus,
		InterruptedStage: interruptedStage,
	}
	if _, err := result.WriteRunOutputs(outputDir, cfg, outputs); err != nil {
		return "", err
	}
	return outputDir, nil
}
