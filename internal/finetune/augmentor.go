package finetune

import (
	"context"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// AugmentorStep is a placeholder for AI-backed dataset augmentation. The
// generation worker is not part of the synchronous pipeline, so the step
// passes the dataset through unchanged and records a warning.
type AugmentorStep struct {
	logger *slog.Logger
}

func NewAugmentorStep(logger *slog.Logger) *AugmentorStep {
	return &AugmentorStep{logger: logger}
}

func (s *AugmentorStep) Name() string { return "data_augmentor" }

func (s *AugmentorStep) Description() string {
	return "Increase training examples using AI generation or heuristic alterations"
}

func (s *AugmentorStep) ValidateConfig(cfg pipeline.StepConfig) error { return nil }

func (s *AugmentorStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	if rowsBefore == 0 {
		return &pipeline.StepResult{Dataset: ds.Clone(), Metadata: map[string]any{}}, nil
	}

	warning := "Data augmentation requires the async AI generation worker. Dataset passed through unchanged."
	s.logger.Warn(warning)

	return &pipeline.StepResult{
		Dataset:    ds.Clone(),
		RowsBefore: rowsBefore,
		RowsAfter:  rowsBefore,
		Metadata: map[string]any{
			"synthetic_examples_added": 0,
			"original_preserved":       cfg.Bool("preserve_originals", true),
			"strategy":                 cfg.String("strategy", "generate_similar"),
		},
		Warnings: []string{warning},
	}, nil
}
