package steps

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/metrics"
	"github.com/calder-labs/dataforge/internal/pipeline"
	"github.com/calder-labs/dataforge/internal/util"
)

const (
	defaultAIBatchSize = 20
	// AI-scored texts are truncated so a full batch fits in one request.
	aiTextLimit = 2000
)

var sentenceSplitRegex = regexp.MustCompile(`[.!?]+`)

// QualityScorerStep scores each row 0-10 using heuristic signals, an AI
// scorer, or the averaged blend of both, then optionally filters or flags
// rows below a threshold.
type QualityScorerStep struct {
	scorer BatchScorer
	logger *slog.Logger
}

func NewQualityScorerStep(scorer BatchScorer, logger *slog.Logger) *QualityScorerStep {
	return &QualityScorerStep{scorer: scorer, logger: logger}
}

func (s *QualityScorerStep) Name() string { return "quality_scorer" }

func (s *QualityScorerStep) Description() string {
	return "Score each row 0-10 for quality using heuristics and optional AI"
}

func (s *QualityScorerStep) ValidateConfig(cfg pipeline.StepConfig) error {
	method := cfg.String("method", "heuristic")
	switch method {
	case "heuristic", "ai", "both":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid method %q: use 'heuristic', 'ai', or 'both'", method)
	}
	action := cfg.String("action", "score_only")
	switch action {
	case "score_only", "filter", "flag":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid action %q: use 'score_only', 'filter', or 'flag'", action)
	}
	return nil
}

func (s *QualityScorerStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	method := cfg.String("method", "heuristic")
	action := cfg.String("action", "score_only")
	threshold := cfg.Float("threshold", 0)
	scoreCol := cfg.String("score_column_name", "quality_score")
	reasonCol := cfg.String("reason_column_name", "quality_reason")

	var textCols []string
	if cfg.Has("text_columns") && cfg.String("text_columns", "") != "auto" {
		textCols = existingColumns(ds, cfg.StringSlice("text_columns"))
	} else {
		textCols = ds.TextColumns()
	}

	if len(textCols) == 0 {
		warnings = append(warnings, "No text columns found for quality scoring.")
		n := ds.NumRows()
		scores := make([]any, n)
		reasons := make([]any, n)
		for i := 0; i < n; i++ {
			scores[i] = 5.0
			reasons[i] = "No text columns"
		}
		result := ds.WithColumn(scoreCol, scores).WithColumn(reasonCol, reasons)
		return &pipeline.StepResult{
			Dataset:    result,
			RowsBefore: rowsBefore,
			RowsAfter:  rowsBefore,
			Metadata:   map[string]any{},
			Warnings:   warnings,
		}, nil
	}

	texts := make([]string, ds.NumRows())
	for i := range texts {
		texts[i] = rowText(ds, i, textCols)
	}

	var scores []float64
	var reasons []string

	if method == "heuristic" || method == "both" {
		scores = make([]float64, len(texts))
		reasons = make([]string, len(texts))
		for i, t := range texts {
			scores[i], reasons[i] = heuristicScore(t)
		}
	}

	if method == "ai" || method == "both" {
		aiScores, aiReasons, aiWarnings := s.aiScoreBatches(ctx, texts, cfg)
		warnings = append(warnings, aiWarnings...)
		if method == "ai" {
			scores, reasons = aiScores, aiReasons
		} else if len(aiScores) == len(scores) {
			for i := range scores {
				scores[i] = (scores[i] + aiScores[i]) / 2
				reasons[i] = fmt.Sprintf("H: %s | AI: %s", reasons[i], aiReasons[i])
			}
		}
	}

	if len(scores) == 0 {
		scores = make([]float64, len(texts))
		reasons = make([]string, len(texts))
		for i := range scores {
			scores[i] = 5.0
			reasons[i] = "Scoring unavailable"
		}
	}

	scoreVals := make([]any, len(scores))
	reasonVals := make([]any, len(scores))
	for i := range scores {
		scoreVals[i] = scores[i]
		reasonVals[i] = reasons[i]
	}
	result := ds.WithColumn(scoreCol, scoreVals).WithColumn(reasonCol, reasonVals)

	rowsFiltered := 0
	if action == "filter" && threshold > 0 {
		before := result.NumRows()
		result = result.FilterRows(func(row int) bool {
			return scores[row] >= threshold
		})
		rowsFiltered = before - result.NumRows()
	} else if action == "flag" && threshold > 0 {
		flags := make([]any, len(scores))
		for i := range scores {
			flags[i] = scores[i] < threshold
		}
		result = result.WithColumn("quality_flag", flags)
	}

	distribution := scoreDistribution(scores)
	mean, median := meanAndMedian(scores)

	s.logger.Info("Quality scoring complete",
		"method", method,
		"mean_score", mean,
		"rows_filtered", rowsFiltered)

	rowsAfter := result.NumRows()
	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   rowsAfter,
		RowsRemoved: rowsBefore - rowsAfter,
		Metadata: map[string]any{
			"score_distribution": distribution,
			"mean_score":         mean,
			"median_score":       median,
			"rows_filtered":      rowsFiltered,
			"method_used":        method,
		},
		Warnings: warnings,
	}, nil
}

func rowText(ds *dataset.Dataset, row int, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if v := ds.Cell(row, c); v != nil {
			parts = append(parts, dataset.Stringify(v))
		}
	}
	return strings.Join(parts, " ")
}

// heuristicScore rates a text 0-10 from five weighted signals: length,
// vocabulary diversity, sentence repetition, alphabetic ratio, and
// capitalization consistency.
func heuristicScore(text string) (float64, string) {
	if strings.TrimSpace(text) == "" {
		return 0.0, "Empty text"
	}

	var reasons []string
	var subScores []float64

	// Length (optimal 50-5000 chars).
	length := len(text)
	switch {
	case length < 10:
		subScores = append(subScores, 1.0)
		reasons = append(reasons, "Very short")
	case length < 50:
		subScores = append(subScores, 4.0)
		reasons = append(reasons, "Short")
	case length <= 5000:
		subScores = append(subScores, 10.0)
	case length <= 20000:
		subScores = append(subScores, 7.0)
		reasons = append(reasons, "Long")
	default:
		subScores = append(subScores, 4.0)
		reasons = append(reasons, "Very long")
	}

	// Vocabulary diversity.
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 0 {
		unique := make(map[string]bool, len(words))
		for _, w := range words {
			unique[w] = true
		}
		uniqueRatio := float64(len(unique)) / float64(len(words))
		subScores = append(subScores, math.Min(10.0, uniqueRatio*12))
		if uniqueRatio < 0.3 {
			reasons = append(reasons, "Low vocabulary diversity")
		}
	} else {
		subScores = append(subScores, 1.0)
	}

	// Sentence repetition.
	var sentences []string
	for _, s := range sentenceSplitRegex.Split(text, -1) {
		if t := strings.TrimSpace(s); t != "" {
			sentences = append(sentences, strings.ToLower(t))
		}
	}
	if len(sentences) > 1 {
		counts := make(map[string]int, len(sentences))
		maxRepeat := 0
		for _, s := range sentences {
			counts[s]++
			if counts[s] > maxRepeat {
				maxRepeat = counts[s]
			}
		}
		if maxRepeat > 2 {
			subScores = append(subScores, math.Max(1.0, 10.0-float64(maxRepeat-1)*2))
			reasons = append(reasons, fmt.Sprintf("Repeated sentences (%dx)", maxRepeat))
		} else {
			subScores = append(subScores, 10.0)
		}
	} else {
		subScores = append(subScores, 7.0)
	}

	// Alphabetic character ratio.
	alphaCount := 0
	upperCount := 0
	totalRunes := 0
	for _, r := range text {
		totalRunes++
		if unicode.IsLetter(r) {
			alphaCount++
			if unicode.IsUpper(r) {
				upperCount++
			}
		}
	}
	alphaRatio := float64(alphaCount) / float64(totalRunes)
	switch {
	case alphaRatio > 0.6:
		subScores = append(subScores, 10.0)
	case alphaRatio > 0.4:
		subScores = append(subScores, 7.0)
	default:
		subScores = append(subScores, 3.0)
		reasons = append(reasons, "High special char ratio")
	}

	// Capitalization consistency.
	if alphaCount > 0 {
		upperRatio := float64(upperCount) / float64(alphaCount)
		switch {
		case upperRatio >= 0.02 && upperRatio <= 0.15:
			subScores = append(subScores, 10.0)
		case upperRatio > 0.5:
			subScores = append(subScores, 3.0)
			reasons = append(reasons, "Excessive caps")
		default:
			subScores = append(subScores, 7.0)
		}
	} else {
		subScores = append(subScores, 5.0)
	}

	weights := []float64{1.5, 2.0, 2.0, 1.0, 0.5}
	weighted := 0.0
	totalWeight := 0.0
	for i, sc := range subScores {
		weighted += sc * weights[i]
		totalWeight += weights[i]
	}
	score := round2(math.Min(10.0, math.Max(0.0, weighted/totalWeight)))

	reason := "Good quality"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	return score, reason
}

// aiScoreBatches scores texts via the injected scorer in fixed-size batches,
// pacing requests with a rate limiter. Any batch that fails falls back to
// heuristic scores with a marked reason.
func (s *QualityScorerStep) aiScoreBatches(
	ctx context.Context,
	texts []string,
	cfg pipeline.StepConfig,
) (scores []float64, reasons []string, warnings []string) {
	if s.scorer == nil {
		warnings = append(warnings, "No AI scorer configured — skipping AI scoring.")
		return nil, nil, warnings
	}

	batchSize := cfg.Int("ai_batch_size", defaultAIBatchSize)
	if batchSize < 1 {
		batchSize = defaultAIBatchSize
	}
	batchesPerSecond := cfg.Float("ai_batches_per_second", 2.0)
	limiter := rate.NewLimiter(rate.Limit(batchesPerSecond), 1)

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = util.TruncateString(t, aiTextLimit)
	}

	for start := 0; start < len(truncated); start += batchSize {
		end := start + batchSize
		if end > len(truncated) {
			end = len(truncated)
		}
		batch := truncated[start:end]

		if err := limiter.Wait(ctx); err != nil {
			warnings = append(warnings, "AI scoring cancelled: "+err.Error())
			break
		}

		scored, err := s.scorer.ScoreBatch(ctx, batch)
		if err != nil || len(scored) != len(batch) {
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("AI scoring failed for batch: %v", err))
			} else {
				warnings = append(warnings, fmt.Sprintf(
					"AI scoring returned %d results for %d texts — using heuristic fallback", len(scored), len(batch)))
			}
			metrics.ObserveScoringBatch(false)
			for _, t := range batch {
				sc, r := heuristicScore(t)
				scores = append(scores, sc)
				reasons = append(reasons, "(fallback) "+r)
			}
			continue
		}

		metrics.ObserveScoringBatch(true)
		for _, st := range scored {
			scores = append(scores, st.Score)
			reasons = append(reasons, st.Reason)
		}
	}

	// Pad in case the run was cut short.
	for len(scores) < len(texts) {
		scores = append(scores, 5.0)
		reasons = append(reasons, "Scoring incomplete")
	}
	return scores[:len(texts)], reasons[:len(texts)], warnings
}

func scoreDistribution(scores []float64) map[string]int {
	dist := map[string]int{"0-2": 0, "2-4": 0, "4-6": 0, "6-8": 0, "8-10": 0}
	for _, s := range scores {
		switch {
		case s < 2:
			dist["0-2"]++
		case s < 4:
			dist["2-4"]++
		case s < 6:
			dist["4-6"]++
		case s < 8:
			dist["6-8"]++
		default:
			dist["8-10"]++
		}
	}
	return dist
}

func meanAndMedian(scores []float64) (float64, float64) {
	if len(scores) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	return round2(sum / float64(len(scores))), round2(sorted[len(sorted)/2])
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
