package finetune

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// defaultMaxCategories is the cardinality ceiling for auto-detecting a
// category column: a string column with more distinct values than this is
// treated as free text, not a category.
const defaultMaxCategories = 50

// BalancerStep equalizes category sizes via undersampling or oversampling to
// prevent the tuned model from skewing toward overrepresented categories.
type BalancerStep struct {
	logger *slog.Logger
}

func NewBalancerStep(logger *slog.Logger) *BalancerStep {
	return &BalancerStep{logger: logger}
}

func (s *BalancerStep) Name() string { return "category_balancer" }

func (s *BalancerStep) Description() string {
	return "Balance dataset categories via undersampling or oversampling"
}

func (s *BalancerStep) ValidateConfig(cfg pipeline.StepConfig) error {
	method := cfg.String("method", "undersample")
	switch method {
	case "undersample", "oversample", "augment":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid method %q: use 'undersample', 'oversample', or 'augment'", method)
	}
	if ratio := cfg.Float("balance_ratio", 1.0); ratio <= 0 {
		return pipeline.NewConfigError(s.Name(), "balance_ratio must be positive (got %.2f)", ratio)
	}
	return nil
}

func (s *BalancerStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	if rowsBefore == 0 {
		return &pipeline.StepResult{
			Dataset:  ds.Clone(),
			Metadata: map[string]any{},
		}, nil
	}

	method := cfg.String("method", "undersample")
	targetCol := cfg.String("target_column", "auto")
	maxPerCat := cfg.Int("max_per_category", 0)
	minPerCat := cfg.Int("min_per_category", 0)
	ratio := cfg.Float("balance_ratio", 1.0)
	maxCategories := cfg.Int("max_categories", defaultMaxCategories)
	seed := int64(cfg.Int("seed", 42))

	if method == "augment" {
		warnings = append(warnings, "'augment' method requires the AI generation worker. Falling back to 'oversample'.")
		method = "oversample"
	}

	if targetCol == "auto" {
		targetCol = autoDetectCategory(ds, maxCategories)
		if targetCol == "" {
			warnings = append(warnings, "Could not auto-detect a category column. Balancer skipped.")
			return skipBalancer(ds, rowsBefore, "skipped_no_column", warnings), nil
		}
		s.logger.Info("Auto-detected category column", "column", targetCol)
	}
	if !ds.HasColumn(targetCol) {
		warnings = append(warnings, "Target column '"+targetCol+"' not found. Balancer skipped.")
		return skipBalancer(ds, rowsBefore, "skipped_missing_column", warnings), nil
	}

	// Group row indices by category, categories in sorted order so sampling
	// is reproducible.
	groups := make(map[string][]int)
	for i := 0; i < ds.NumRows(); i++ {
		key := ds.CellString(i, targetCol)
		groups[key] = append(groups[key], i)
	}
	categories := make([]string, 0, len(groups))
	for k := range groups {
		categories = append(categories, k)
	}
	sort.Strings(categories)

	distBefore := make(map[string]int, len(groups))
	minCount, maxCount := 0, 0
	for i, c := range categories {
		n := len(groups[c])
		distBefore[c] = n
		if i == 0 || n < minCount {
			minCount = n
		}
		if n > maxCount {
			maxCount = n
		}
	}

	rng := rand.New(rand.NewSource(seed))
	var indices []int

	switch method {
	case "undersample":
		target := minCount
		if maxPerCat > 0 && maxPerCat < target {
			target = maxPerCat
		}
		target = int(float64(target) / ratio)
		if target < 1 {
			target = 1
		}
		for _, c := range categories {
			group := groups[c]
			if len(group) > target {
				indices = append(indices, sampleWithout(rng, group, target)...)
			} else {
				indices = append(indices, group...)
			}
		}
	case "oversample":
		target := maxCount
		if minPerCat > 0 && target < minPerCat {
			target = minPerCat
		}
		if maxPerCat > 0 && target > maxPerCat {
			target = maxPerCat
		}
		for _, c := range categories {
			group := groups[c]
			switch {
			case len(group) < target:
				indices = append(indices, group...)
				for i := 0; i < target-len(group); i++ {
					indices = append(indices, group[rng.Intn(len(group))])
				}
			case len(group) > target:
				indices = append(indices, sampleWithout(rng, group, target)...)
			default:
				indices = append(indices, group...)
			}
		}
	}

	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	result := ds.SelectRows(indices)

	distAfter := make(map[string]int)
	for i := 0; i < result.NumRows(); i++ {
		distAfter[result.CellString(i, targetCol)]++
	}

	s.logger.Info("Category balancing complete",
		"method", method,
		"column", targetCol,
		"rows_before", rowsBefore,
		"rows_after", result.NumRows())

	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   result.NumRows(),
		RowsRemoved: rowsBefore - result.NumRows(),
		Metadata: map[string]any{
			"category_column":          targetCol,
			"distribution_before":      distBefore,
			"distribution_after":       distAfter,
			"method":                   method,
			"synthetic_examples_added": 0,
		},
		Warnings: warnings,
	}, nil
}

// autoDetectCategory picks the lowest-cardinality text column with more than
// one distinct value, skipping the formatter's internal columns.
func autoDetectCategory(ds *dataset.Dataset, maxCategories int) string {
	best := ""
	lowest := maxCategories + 1
	for _, c := range ds.TextColumns() {
		switch c {
		case NormInstructionCol, NormInputCol, NormOutputCol, FormattedTextCol:
			continue
		}
		uniq := len(ds.UniqueValues(c))
		if uniq > 1 && uniq <= maxCategories && uniq < lowest {
			lowest = uniq
			best = c
		}
	}
	return best
}

// sampleWithout draws n distinct elements from group in random order.
func sampleWithout(rng *rand.Rand, group []int, n int) []int {
	perm := rng.Perm(len(group))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = group[perm[i]]
	}
	sort.Ints(out)
	return out
}

func skipBalancer(ds *dataset.Dataset, rowsBefore int, status string, warnings []string) *pipeline.StepResult {
	return &pipeline.StepResult{
		Dataset:    ds.Clone(),
		RowsBefore: rowsBefore,
		RowsAfter:  rowsBefore,
		Metadata:   map[string]any{"status": status},
		Warnings:   warnings,
	}
}
