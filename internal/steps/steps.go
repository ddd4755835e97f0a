// Package steps implements the common dataset cleaning steps: deduplication,
// noise removal, PII scrubbing, language filtering, and quality scoring.
//
// Optional heavy collaborators (embedding service, AI scorer, NER detector)
// are injected as interfaces; every step has a built-in fallback so an
// absent collaborator degrades the step with a warning instead of failing.
package steps

import (
	"context"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/pipeline"
)

// ScoredText is one scoring outcome from a batch scorer.
type ScoredText struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// BatchScorer scores a batch of texts 0-10. May fail or rate-limit; the
// quality step treats failures as recoverable.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, texts []string) ([]ScoredText, error)
}

// Embedder produces embedding vectors for texts, used by semantic dedup.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Entity is one PII span found by a detector.
type Entity struct {
	Type  string
	Start int
	End   int
}

// EntityDetector is a high-precision PII detector. The scrubber falls back
// to its regex table when none is wired.
type EntityDetector interface {
	Detect(text string, entities []string) []Entity
}

// Deps carries the optional collaborators for step construction. Any field
// may be nil.
type Deps struct {
	Scorer   BatchScorer
	Embedder Embedder
	Detector EntityDetector
	Logger   *slog.Logger
}

// RegisterAll wires the five common steps into a registry.
func RegisterAll(reg *pipeline.Registry, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	all := []pipeline.Step{
		NewDeduplicationStep(deps.Embedder, logger),
		NewNoiseRemovalStep(logger),
		NewPIIScrubberStep(deps.Detector, logger),
		NewLanguageFilterStep(logger),
		NewQualityScorerStep(deps.Scorer, logger),
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
