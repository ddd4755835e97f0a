package finetune

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/metrics"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// A100-class throughput assumption used for the training time estimate.
const estimateTokensPerSecond = 5000

// Result aggregates a complete fine-tune pipeline run.
type Result struct {
	Train                 *dataset.Dataset
	Val                   *dataset.Dataset
	OutputFormat          string
	TotalExamples         int
	TrainExamples         int
	ValExamples           int
	AvgTokens             float64
	EstimatedTrainingTime string
	OutputFiles           map[string]string
	StepResults           []pipeline.StepResult
	Warnings              []string
	Duration              time.Duration
}

// Runner executes the fine-tune preparation pipeline: common preprocessing,
// formatting, response-quality filtering, optional balancing and
// augmentation, train/val split, and export.
type Runner struct {
	registry *pipeline.Registry
	logger   *slog.Logger
}

// NewRunner creates a fine-tune runner. The registry must hold the common
// cleaning steps.
func NewRunner(registry *pipeline.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run executes the full fine-tune pipeline and writes the export files into
// outputDir.
func (r *Runner) Run(
	ctx context.Context,
	ds *dataset.Dataset,
	cfg Config,
	jobID string,
	outputDir string,
	progress pipeline.ProgressFunc,
) (*Result, error) {
	start := time.Now()
	r.logger.Info("Starting fine-tune pipeline", "job_id", jobID, "rows", ds.NumRows())

	// Library callers may construct Config directly; fill unset toggles
	// before they are dereferenced.
	cfg.ApplyDefaults()

	if progress == nil {
		progress = func(int, string, string) {}
	}

	var stepResults []pipeline.StepResult
	var warnings []string
	current := ds.Clone()

	// Common preprocessing occupies the 10-40% progress band.
	commonSpecs := commonSteps(cfg)
	if len(commonSpecs) > 0 {
		progress(10, "common", "Running common preprocessing...")
		commonRunner := pipeline.NewRunner(r.registry, r.logger)
		commonResult := commonRunner.Run(ctx, current, commonSpecs, jobID, func(p int, step, msg string) {
			progress(10+p*30/100, step, msg)
		})
		current = commonResult.Dataset
		stepResults = append(stepResults, commonResult.StepResults...)
		warnings = append(warnings, commonResult.Warnings...)
	}

	// The fine-tune stages share the 40-80% band.
	fineSteps := 1
	if *cfg.RunResponseQuality {
		fineSteps++
	}
	if cfg.RunBalancer {
		fineSteps++
	}
	if cfg.RunAugmentation {
		fineSteps++
	}
	progressPerStep := 40 / fineSteps
	currProg := 40

	// Formatting always runs: it produces the formatted_text and token_count
	// columns everything downstream depends on.
	currProg += progressPerStep
	progress(currProg, "finetune_formatter", fmt.Sprintf("Formatting to %s schema...", cfg.OutputFormat))
	formatterCfg := pipeline.StepConfig{
		"output_format":          cfg.OutputFormat,
		"system_prompt":          cfg.SystemPrompt,
		"max_tokens_per_example": cfg.MaxTokensPerExample,
		"tokenizer":              cfg.Tokenizer,
	}
	fmtResult := r.runStep(ctx, NewFormatterStep(r.logger), current, formatterCfg, &warnings)
	stepResults = append(stepResults, *fmtResult)
	current = fmtResult.Dataset

	avgTokens, _ := fmtResult.Metadata["avg_token_count"].(float64)

	if *cfg.RunResponseQuality && current.NumRows() > 0 {
		currProg += progressPerStep
		progress(currProg, "response_quality", "Filtering low quality responses...")
		res := r.runStep(ctx, NewResponseQualityStep(r.logger), current, cfg.ResponseQualityConfig, &warnings)
		stepResults = append(stepResults, *res)
		current = res.Dataset
	}

	stratifyCol := ""
	if cfg.RunBalancer && current.NumRows() > 0 {
		currProg += progressPerStep
		progress(currProg, "category_balancer", "Balancing categories...")
		res := r.runStep(ctx, NewBalancerStep(r.logger), current, cfg.BalancerConfig, &warnings)
		stepResults = append(stepResults, *res)
		current = res.Dataset
		if col, ok := res.Metadata["category_column"].(string); ok {
			stratifyCol = col
		}
	}

	if cfg.RunAugmentation && current.NumRows() > 0 {
		currProg += progressPerStep
		progress(currProg, "data_augmentor", "Augmenting dataset...")
		res := r.runStep(ctx, NewAugmentorStep(r.logger), current, cfg.AugmentationConfig, &warnings)
		stepResults = append(stepResults, *res)
		current = res.Dataset
	}

	progress(85, "split", "Splitting dataset into train/val...")
	train, val := Split(current, cfg.TrainSplit, cfg.ValSplit, *cfg.Shuffle, cfg.Seed, stratifyCol)

	total := train.NumRows() + val.NumRows()
	estimate := estimateTrainingTime(total, avgTokens)

	progress(90, "export", "Exporting target formats...")
	outputFiles := make(map[string]string)
	exporter := &Exporter{}

	trainPath := filepath.Join(outputDir, "train.jsonl")
	if err := exporter.Export(train, cfg.OutputFormat, trainPath); err != nil {
		return nil, fmt.Errorf("failed to export train split: %w", err)
	}
	outputFiles["train"] = trainPath

	if val.NumRows() > 0 {
		valPath := filepath.Join(outputDir, "val.jsonl")
		if err := exporter.Export(val, cfg.OutputFormat, valPath); err != nil {
			return nil, fmt.Errorf("failed to export val split: %w", err)
		}
		outputFiles["val"] = valPath
	}

	cfgPath := filepath.Join(outputDir, "training_config.json")
	if err := exporter.GenerateTrainingConfig(total, avgTokens, cfg.OutputFormat, cfgPath); err != nil {
		return nil, fmt.Errorf("failed to write training config: %w", err)
	}
	outputFiles["config"] = cfgPath

	duration := time.Since(start)
	metrics.ObserveRun("finetune", duration)
	progress(100, "done", fmt.Sprintf("Fine-tune pipeline complete: %d train / %d val examples", train.NumRows(), val.NumRows()))

	r.logger.Info("Fine-tune pipeline complete",
		"job_id", jobID,
		"train_examples", train.NumRows(),
		"val_examples", val.NumRows(),
		"avg_tokens", avgTokens,
		"duration", duration)

	return &Result{
		Train:                 train,
		Val:                   val,
		OutputFormat:          cfg.OutputFormat,
		TotalExamples:         total,
		TrainExamples:         train.NumRows(),
		ValExamples:           val.NumRows(),
		AvgTokens:             avgTokens,
		EstimatedTrainingTime: estimate,
		OutputFiles:           outputFiles,
		StepResults:           stepResults,
		Warnings:              warnings,
		Duration:              duration,
	}, nil
}

// runStep executes one fine-tune stage with the same failure isolation as
// the common runner: a failing stage is skipped with a warning and the
// prior dataset flows on.
func (r *Runner) runStep(
	ctx context.Context,
	step pipeline.Step,
	ds *dataset.Dataset,
	cfg pipeline.StepConfig,
	warnings *[]string,
) *pipeline.StepResult {
	if cfg == nil {
		cfg = pipeline.StepConfig{}
	}
	stepStart := time.Now()

	result, err := func() (res *pipeline.StepResult, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				res = nil
				err = fmt.Errorf("step panicked: %v", rec)
			}
		}()
		if err := step.ValidateConfig(cfg); err != nil {
			return nil, err
		}
		return step.Run(ctx, ds, cfg)
	}()

	if err != nil {
		warning := fmt.Sprintf("Step '%s' failed: %v", step.Name(), err)
		r.logger.Error("Fine-tune step failed", "step", step.Name(), "error", err)
		*warnings = append(*warnings, warning)
		metrics.ObserveStep(step.Name(), "failed", time.Since(stepStart), 0)
		return &pipeline.StepResult{
			StepName:   step.Name(),
			Dataset:    ds,
			RowsBefore: ds.NumRows(),
			RowsAfter:  ds.NumRows(),
			Metadata:   map[string]any{"skipped": true, "reason": err.Error()},
			Warnings:   []string{warning},
		}
	}

	result.StepName = step.Name()
	*warnings = append(*warnings, result.Warnings...)
	metrics.ObserveStep(step.Name(), "completed", time.Since(stepStart), result.RowsRemoved)
	return result
}

// commonSteps maps the config toggles to the common cleaning step specs.
func commonSteps(cfg Config) []pipeline.StepSpec {
	var specs []pipeline.StepSpec
	if *cfg.RunDeduplication {
		specs = append(specs, pipeline.StepSpec{Step: "deduplication", Config: cfg.DeduplicationConfig})
	}
	if *cfg.RunNoiseRemoval {
		specs = append(specs, pipeline.StepSpec{Step: "noise_removal", Config: cfg.NoiseConfig})
	}
	if *cfg.RunPIIScrubbing {
		specs = append(specs, pipeline.StepSpec{Step: "pii_scrubbing", Config: cfg.PIIConfig})
	}
	if *cfg.RunQualityScoring {
		specs = append(specs, pipeline.StepSpec{Step: "quality_scorer", Config: cfg.QualityConfig})
	}
	return specs
}

// estimateTrainingTime gives a rough wall-clock estimate for 3 epochs.
func estimateTrainingTime(totalExamples int, avgTokens float64) string {
	hrs := float64(totalExamples) * avgTokens * 3 / estimateTokensPerSecond / 3600
	if hrs >= 0.1 {
		return fmt.Sprintf("~%.1f hours", hrs)
	}
	return "< 6 mins"
}
