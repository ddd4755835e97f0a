package steps

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// Texts shorter than this give the detector too little signal; they are
// classified as "unknown" with zero confidence.
const minDetectableLength = 20

// LanguageFilterStep detects the language of each row's primary text and
// either tags rows with the result or filters rows by language membership.
type LanguageFilterStep struct {
	logger *slog.Logger
}

func NewLanguageFilterStep(logger *slog.Logger) *LanguageFilterStep {
	return &LanguageFilterStep{logger: logger}
}

func (s *LanguageFilterStep) Name() string { return "language_filter" }

func (s *LanguageFilterStep) Description() string {
	return "Detect row language and tag or filter rows by ISO 639-1 code"
}

func (s *LanguageFilterStep) ValidateConfig(cfg pipeline.StepConfig) error {
	action := cfg.String("action", "tag_only")
	switch action {
	case "tag_only", "filter_keep", "filter_remove":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid action %q: use 'tag_only', 'filter_keep', or 'filter_remove'", action)
	}
	return nil
}

func (s *LanguageFilterStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	action := cfg.String("action", "tag_only")
	minConfidence := cfg.Float("min_confidence", 0)

	languages := cfg.StringSlice("languages")
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	wanted := make(map[string]bool)
	for _, l := range languages {
		wanted[l] = true
	}

	column := cfg.String("column", "")
	if column != "" && !ds.HasColumn(column) {
		warnings = append(warnings, "Column '"+column+"' not found, auto-detecting text column")
		column = ""
	}
	if column == "" {
		column = primaryTextColumn(ds)
	}
	if column == "" {
		warnings = append(warnings, "No text column found, nothing to detect")
		result := ds.Clone()
		return &pipeline.StepResult{
			Dataset:    result,
			RowsBefore: rowsBefore,
			RowsAfter:  rowsBefore,
			Metadata: map[string]any{
				"language_distribution": map[string]int{},
				"column_used":           "",
				"action":                action,
			},
			Warnings: warnings,
		}, nil
	}

	result := ds.Clone()
	n := result.NumRows()
	codes := make([]string, n)
	confidences := make([]float64, n)
	distribution := make(map[string]int)

	for i := 0; i < n; i++ {
		code, conf := detectLanguage(result.CellString(i, column))
		codes[i] = code
		confidences[i] = conf
		distribution[code]++
	}

	switch action {
	case "tag_only":
		langVals := make([]any, n)
		confVals := make([]any, n)
		for i := 0; i < n; i++ {
			langVals[i] = codes[i]
			confVals[i] = confidences[i]
		}
		result = result.WithColumn("detected_language", langVals)
		result = result.WithColumn("language_confidence", confVals)
	case "filter_keep":
		result = result.FilterRows(func(row int) bool {
			return wanted[codes[row]] && confidences[row] >= minConfidence
		})
	case "filter_remove":
		result = result.FilterRows(func(row int) bool {
			return !(wanted[codes[row]] && confidences[row] >= minConfidence)
		})
	}

	s.logger.Info("Language filter complete",
		"action", action,
		"column", column,
		"distribution", distribution)

	rowsAfter := result.NumRows()
	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   rowsAfter,
		RowsRemoved: rowsBefore - rowsAfter,
		Metadata: map[string]any{
			"language_distribution": distribution,
			"column_used":           column,
			"action":                action,
		},
		Warnings: warnings,
	}, nil
}

// detectLanguage returns the ISO 639-1 code and confidence for a text.
// Too-short texts are "unknown" with zero confidence.
func detectLanguage(text string) (string, float64) {
	if utf8.RuneCountInString(text) < minDetectableLength {
		return "unknown", 0.0
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		return "unknown", 0.0
	}
	return code, info.Confidence
}

// primaryTextColumn picks the text column with the longest average content,
// on the theory that the longest column carries the row's actual prose.
func primaryTextColumn(ds *dataset.Dataset) string {
	best := ""
	bestLen := -1.0
	for _, c := range ds.TextColumns() {
		if l := ds.AvgTextLength(c); l > bestLen {
			best = c
			bestLen = l
		}
	}
	return best
}
