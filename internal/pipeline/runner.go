package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/metrics"
)

// ProgressFunc receives progress updates: a 0-100 percentage, the current
// step name, and a human-readable message. It is invoked at least twice per
// step (start and end) and must never block materially.
type ProgressFunc func(percent int, stepName, message string)

// RunResult aggregates a complete pipeline run.
type RunResult struct {
	Dataset          *dataset.Dataset
	StepResults      []StepResult
	TotalRowsBefore  int
	TotalRowsAfter   int
	TotalRowsRemoved int
	StepsExecuted    int
	StepsSkipped     int
	Warnings         []string
	Duration         time.Duration
}

// Runner executes an ordered list of step specs against a dataset. A single
// step's failure or an unknown step name never aborts the run: the step is
// recorded as skipped with a warning and the last known-good dataset flows
// on to the next step.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a runner over an explicit registry.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run executes all steps in order and returns the aggregate result.
func (r *Runner) Run(
	ctx context.Context,
	ds *dataset.Dataset,
	steps []StepSpec,
	jobID string,
	progress ProgressFunc,
) *RunResult {
	start := time.Now()
	totalBefore := ds.NumRows()
	current := ds.Clone()
	results := make([]StepResult, 0, len(steps))
	var warnings []string
	total := len(steps)

	for i, spec := range steps {
		name := spec.Step
		if name == "" {
			name = "unknown"
		}
		cfg := spec.Config
		if cfg == nil {
			cfg = StepConfig{}
		}

		baseProgress := int(float64(i) / float64(total) * 100)
		stepProgress := int(float64(i+1) / float64(total) * 100)

		r.logger.Info("Starting pipeline step",
			"job_id", jobID,
			"step", name,
			"position", fmt.Sprintf("%d/%d", i+1, total))

		if progress != nil {
			progress(baseProgress, name, fmt.Sprintf("Starting %s...", name))
		}

		step, ok := r.registry.Lookup(name)
		if !ok {
			warning := fmt.Sprintf("Unknown step '%s' — skipped", name)
			r.logger.Warn("Unknown step", "job_id", jobID, "step", name)
			warnings = append(warnings, warning)
			results = append(results, skippedResult(name, current, "unknown step", warning))
			if progress != nil {
				progress(stepProgress, name, fmt.Sprintf("%s: SKIPPED (unknown step)", name))
			}
			continue
		}

		stepStart := time.Now()
		result, err := r.executeStep(ctx, step, current, cfg)
		if err != nil {
			warning := fmt.Sprintf("Step '%s' failed: %v", name, err)
			r.logger.Error("Step failed", "job_id", jobID, "step", name, "error", err)
			warnings = append(warnings, warning)
			results = append(results, skippedResult(name, current, err.Error(), warning))
			metrics.ObserveStep(name, "failed", time.Since(stepStart), 0)
			if progress != nil {
				progress(stepProgress, name, fmt.Sprintf("%s: SKIPPED (%v)", name, err))
			}
			continue
		}

		result.StepName = name
		results = append(results, *result)
		current = result.Dataset
		warnings = append(warnings, result.Warnings...)
		metrics.ObserveStep(name, "completed", time.Since(stepStart), result.RowsRemoved)

		r.logger.Info("Pipeline step complete",
			"job_id", jobID,
			"step", name,
			"summary", result.Summary())

		if progress != nil {
			progress(stepProgress, name, fmt.Sprintf("%s: %s", name, result.Summary()))
		}
	}

	skipped := 0
	for i := range results {
		if results[i].Skipped() {
			skipped++
		}
	}

	duration := time.Since(start)
	metrics.ObserveRun("common", duration)

	return &RunResult{
		Dataset:          current,
		StepResults:      results,
		TotalRowsBefore:  totalBefore,
		TotalRowsAfter:   current.NumRows(),
		TotalRowsRemoved: totalBefore - current.NumRows(),
		StepsExecuted:    len(results),
		StepsSkipped:     skipped,
		Warnings:         warnings,
		Duration:         duration,
	}
}

// executeStep validates and runs one step. A panicking step must not abort
// the run, so panics are converted to errors here.
func (r *Runner) executeStep(
	ctx context.Context,
	step Step,
	ds *dataset.Dataset,
	cfg StepConfig,
) (result *StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()

	if err := step.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return step.Run(ctx, ds, cfg)
}

func skippedResult(name string, ds *dataset.Dataset, reason, warning string) StepResult {
	return StepResult{
		StepName:    name,
		Dataset:     ds,
		RowsBefore:  ds.NumRows(),
		RowsAfter:   ds.NumRows(),
		RowsRemoved: 0,
		Metadata:    map[string]any{"skipped": true, "reason": reason},
		Warnings:    []string{warning},
	}
}
