package steps

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

const defaultSemanticThreshold = 0.95

// DeduplicationStep removes duplicate rows by exact content hash, by
// embedding-space similarity, or both.
type DeduplicationStep struct {
	embedder Embedder
	logger   *slog.Logger
}

// NewDeduplicationStep creates the step. embedder may be nil, in which case
// semantic modes fall back to exact dedup with a warning.
func NewDeduplicationStep(embedder Embedder, logger *slog.Logger) *DeduplicationStep {
	return &DeduplicationStep{embedder: embedder, logger: logger}
}

func (s *DeduplicationStep) Name() string { return "deduplication" }

func (s *DeduplicationStep) Description() string {
	return "Remove duplicate rows using exact hash matching or semantic similarity"
}

func (s *DeduplicationStep) ValidateConfig(cfg pipeline.StepConfig) error {
	method := cfg.String("method", "exact")
	switch method {
	case "exact", "semantic", "both":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid method %q: use 'exact', 'semantic', or 'both'", method)
	}
	keep := cfg.String("keep", "first")
	if keep != "first" && keep != "last" {
		return pipeline.NewConfigError(s.Name(), "invalid keep %q: use 'first' or 'last'", keep)
	}
	threshold := cfg.Float("semantic_threshold", defaultSemanticThreshold)
	if threshold <= 0 || threshold > 1 {
		return pipeline.NewConfigError(s.Name(), "semantic_threshold must be in (0, 1] (got %.2f)", threshold)
	}
	if (method == "semantic" || method == "both") && s.embedder == nil {
		s.logger.Warn("No embedding service configured — semantic dedup will fall back to exact")
	}
	return nil
}

func (s *DeduplicationStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	method := cfg.String("method", "exact")
	keep := cfg.String("keep", "first")
	threshold := cfg.Float("semantic_threshold", defaultSemanticThreshold)

	var cols []string
	if cfg.Has("columns") && cfg.String("columns", "") != "all" {
		cols = existingColumns(ds, cfg.StringSlice("columns"))
		if len(cols) == 0 {
			warnings = append(warnings, "Specified columns not found, using all columns")
		}
	}
	if len(cols) == 0 {
		cols = ds.Columns()
	}

	result := ds.Clone()
	exactRemoved := 0
	semanticRemoved := 0
	methodUsed := method

	if method == "exact" || method == "both" {
		result, exactRemoved = exactDedup(result, cols, keep)
		s.logger.Info("Exact dedup complete", "removed", exactRemoved)
	}

	if method == "semantic" || method == "both" {
		if s.embedder == nil {
			warnings = append(warnings,
				"No embedding service configured. Falling back to exact dedup only.")
			methodUsed = "exact (fallback)"
			if method == "semantic" {
				result, exactRemoved = exactDedup(result, cols, keep)
			}
		} else {
			var err error
			result, semanticRemoved, err = s.semanticDedup(ctx, result, cols, keep, threshold)
			if err != nil {
				warnings = append(warnings, "Semantic dedup failed: "+err.Error())
				methodUsed = "exact (fallback)"
				if method == "semantic" && exactRemoved == 0 {
					result, exactRemoved = exactDedup(result, cols, keep)
				}
			} else {
				s.logger.Info("Semantic dedup complete", "removed", semanticRemoved, "threshold", threshold)
			}
		}
	}

	rowsAfter := result.NumRows()
	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   rowsAfter,
		RowsRemoved: rowsBefore - rowsAfter,
		Metadata: map[string]any{
			"exact_duplicates_removed":    exactRemoved,
			"semantic_duplicates_removed": semanticRemoved,
			"method_used":                 methodUsed,
			"columns_checked":             cols,
		},
		Warnings: warnings,
	}, nil
}

// exactDedup hashes each row's selected columns and keeps one representative
// per hash: the earliest occurrence for keep="first", the latest for "last".
// Surviving rows stay in original order either way.
func exactDedup(ds *dataset.Dataset, cols []string, keep string) (*dataset.Dataset, int) {
	n := ds.NumRows()
	hashes := make([][32]byte, n)
	for i := 0; i < n; i++ {
		hashes[i] = rowHash(ds, i, cols)
	}

	keepRow := make([]bool, n)
	seen := make(map[[32]byte]int, n)
	if keep == "last" {
		for i := n - 1; i >= 0; i-- {
			if _, dup := seen[hashes[i]]; !dup {
				seen[hashes[i]] = i
				keepRow[i] = true
			}
		}
	} else {
		for i := 0; i < n; i++ {
			if _, dup := seen[hashes[i]]; !dup {
				seen[hashes[i]] = i
				keepRow[i] = true
			}
		}
	}

	var indices []int
	for i := 0; i < n; i++ {
		if keepRow[i] {
			indices = append(indices, i)
		}
	}
	return ds.SelectRows(indices), n - len(indices)
}

func rowHash(ds *dataset.Dataset, row int, cols []string) [32]byte {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = ds.CellString(row, c)
	}
	return blake3.Sum256([]byte(strings.Join(parts, "|")))
}

// semanticDedup embeds each row's concatenated text, finds each row's top-k
// cosine neighbors, and greedily removes any row similar to an earlier-kept
// one above the threshold.
func (s *DeduplicationStep) semanticDedup(
	ctx context.Context,
	ds *dataset.Dataset,
	cols []string,
	keep string,
	threshold float64,
) (*dataset.Dataset, int, error) {
	n := ds.NumRows()
	if n < 2 {
		return ds, 0, nil
	}

	texts := make([]string, n)
	for i := 0; i < n; i++ {
		parts := make([]string, len(cols))
		for j, c := range cols {
			parts[j] = ds.CellString(i, c)
		}
		texts[i] = strings.Join(parts, " ")
	}

	s.logger.Info("Embedding texts for semantic dedup", "count", n)
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return ds, 0, err
	}
	for i := range vectors {
		normalize(vectors[i])
	}

	k := 10
	if n < k {
		k = n
	}

	removed := make(map[int]bool)
	for i := 0; i < n; i++ {
		if removed[i] {
			continue
		}
		for _, nb := range topNeighbors(vectors, i, k) {
			if nb.index == i || removed[nb.index] || float64(nb.score) < threshold {
				continue
			}
			if keep == "first" {
				removed[nb.index] = true
			} else {
				removed[i] = true
				break
			}
		}
	}

	var indices []int
	for i := 0; i < n; i++ {
		if !removed[i] {
			indices = append(indices, i)
		}
	}
	return ds.SelectRows(indices), len(removed), nil
}

type neighbor struct {
	index int
	score float32
}

// topNeighbors is an exact cosine top-k search over normalized vectors.
func topNeighbors(vectors [][]float32, i, k int) []neighbor {
	nbs := make([]neighbor, 0, len(vectors))
	for j := range vectors {
		if j == i {
			continue
		}
		nbs = append(nbs, neighbor{index: j, score: dot(vectors[i], vectors[j])})
	}
	sort.Slice(nbs, func(a, b int) bool { return nbs[a].score > nbs[b].score })
	if len(nbs) > k {
		nbs = nbs[:k]
	}
	return nbs
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i]
		}
	}
	return sum
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// existingColumns filters names down to those present in the dataset.
func existingColumns(ds *dataset.Dataset, names []string) []string {
	var out []string
	for _, n := range names {
		if ds.HasColumn(n) {
			out = append(out, n)
		}
	}
	return out
}
