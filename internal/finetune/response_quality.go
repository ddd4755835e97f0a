package finetune

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// Refusal openers common in safety-tuned model output.
var defaultRefusals = []string{
	"I cannot", "I can not", "I'm unable", "I am unable",
	"As an AI", "As a language model", "I don't have the ability",
	"I am an AI", "I'm sorry, but", "I apologize, but", "is not appropriate",
}

// Characters that plausibly end a complete response.
const completeEndings = ".!?\"'”’]}>"

const passingScore = 6.0

// ResponseQualityStep scores instruction/response pairs on length,
// refusal phrases, and completeness, and filters pairs below the passing bar.
type ResponseQualityStep struct {
	logger *slog.Logger
}

func NewResponseQualityStep(logger *slog.Logger) *ResponseQualityStep {
	return &ResponseQualityStep{logger: logger}
}

func (s *ResponseQualityStep) Name() string { return "response_quality" }

func (s *ResponseQualityStep) Description() string {
	return "Filter low-quality, incomplete, or refusal responses from instruction datasets"
}

func (s *ResponseQualityStep) ValidateConfig(cfg pipeline.StepConfig) error {
	action := cfg.String("action", "filter")
	if action != "filter" && action != "score_only" {
		return pipeline.NewConfigError(s.Name(), "invalid action %q: use 'filter' or 'score_only'", action)
	}
	return nil
}

func (s *ResponseQualityStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	minRespLen := cfg.Int("min_response_length", 10)
	maxRespLen := cfg.Int("max_response_length", 2000)
	minInstLen := cfg.Int("min_instruction_length", 3)
	checkCompleteness := cfg.Bool("check_response_completeness", true)
	filterRefusals := cfg.Bool("filter_refusals", true)
	action := cfg.String("action", "filter")

	refusals := cfg.StringSlice("refusal_phrases")
	if len(refusals) == 0 {
		refusals = defaultRefusals
	}
	escaped := make([]string, len(refusals))
	for i, r := range refusals {
		escaped[i] = regexp.QuoteMeta(r)
	}
	refusalPattern := regexp.MustCompile("(?i)" + strings.Join(escaped, "|"))

	instCol := NormInstructionCol
	outCol := NormOutputCol
	cols := ds.Columns()
	if !ds.HasColumn(instCol) && len(cols) > 0 {
		instCol = cols[0]
	}
	if !ds.HasColumn(outCol) && len(cols) > 0 {
		outCol = cols[len(cols)-1]
	}
	if !ds.HasColumn(instCol) || !ds.HasColumn(outCol) {
		warnings = append(warnings, "Could not find instruction/output columns. Skipping response quality.")
		return &pipeline.StepResult{
			Dataset:    ds.Clone(),
			RowsBefore: rowsBefore,
			RowsAfter:  rowsBefore,
			Metadata:   map[string]any{},
			Warnings:   warnings,
		}, nil
	}

	n := ds.NumRows()
	scores := make([]float64, n)
	reasons := make([]string, n)
	totalScore := 0.0

	for i := 0; i < n; i++ {
		inst := ds.CellString(i, instCol)
		out := ds.CellString(i, outCol)

		score := 10.0
		var rs []string

		if len(strings.Fields(inst)) < minInstLen {
			score -= 5.0
			rs = append(rs, "instruction_too_short")
		}
		outWords := len(strings.Fields(out))
		if outWords < minRespLen {
			score -= 5.0
			rs = append(rs, "response_too_short")
		}
		if outWords > maxRespLen {
			score -= 2.0
			rs = append(rs, "response_too_long")
		}
		if filterRefusals && refusalPattern.MatchString(out) {
			score -= 8.0
			rs = append(rs, "refusal_detected")
		}
		if checkCompleteness && out != "" {
			trimmed := strings.TrimSpace(out)
			if trimmed != "" && !strings.ContainsRune(completeEndings, lastRune(trimmed)) {
				score -= 3.0
				rs = append(rs, "incomplete_response")
			}
		}

		if score < 0 {
			score = 0
		}
		scores[i] = score
		reasons[i] = strings.Join(rs, ",")
		totalScore += score
	}

	// Average over all scored rows, before any filtering.
	avgScore := 0.0
	if n > 0 {
		avgScore = totalScore / float64(n)
	}

	result := ds.Clone()
	filteredOut := 0
	if action == "filter" {
		result = result.FilterRows(func(row int) bool {
			return scores[row] >= passingScore
		})
		filteredOut = rowsBefore - result.NumRows()
	} else {
		scoreVals := make([]any, n)
		reasonVals := make([]any, n)
		for i := range scores {
			scoreVals[i] = scores[i]
			reasonVals[i] = reasons[i]
		}
		result = result.WithColumn("_response_quality_score", scoreVals)
		result = result.WithColumn("_response_quality_reasons", reasonVals)
	}

	s.logger.Info("Response quality complete",
		"avg_score", avgScore,
		"filtered", filteredOut)

	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   result.NumRows(),
		RowsRemoved: filteredOut,
		Metadata: map[string]any{
			"avg_quality_score": avgScore,
			"total_filtered":    filteredOut,
		},
		Warnings: warnings,
	}, nil
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}
