package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

func TestDedupValidateConfig(t *testing.T) {
	step := NewDeduplicationStep(nil, discardLogger())

	tests := []struct {
		name    string
		cfg     pipeline.StepConfig
		wantErr bool
	}{
		{name: "defaults", cfg: pipeline.StepConfig{}},
		{name: "semantic", cfg: pipeline.StepConfig{"method": "semantic"}},
		{name: "bad method", cfg: pipeline.StepConfig{"method": "fuzzy"}, wantErr: true},
		{name: "bad keep", cfg: pipeline.StepConfig{"keep": "middle"}, wantErr: true},
		{name: "threshold too high", cfg: pipeline.StepConfig{"semantic_threshold": 1.5}, wantErr: true},
		{name: "threshold zero", cfg: pipeline.StepConfig{"semantic_threshold": 0.0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := step.ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExactDedupKeepFirst(t *testing.T) {
	ds := dataset.New([]string{"text", "id"})
	_ = ds.AppendRow([]any{"hello", "1"})
	_ = ds.AppendRow([]any{"world", "2"})
	_ = ds.AppendRow([]any{"hello", "3"})

	step := NewDeduplicationStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"columns": []any{"text"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.RowsRemoved != 1 {
		t.Fatalf("RowsRemoved = %d, want 1", res.RowsRemoved)
	}
	if got := res.Dataset.CellString(0, "id"); got != "1" {
		t.Errorf("keep=first kept id %q, want 1", got)
	}
	if got := res.Metadata["exact_duplicates_removed"]; got != 1 {
		t.Errorf("exact_duplicates_removed = %v", got)
	}
}

func TestExactDedupKeepLast(t *testing.T) {
	ds := dataset.New([]string{"text", "id"})
	_ = ds.AppendRow([]any{"hello", "1"})
	_ = ds.AppendRow([]any{"world", "2"})
	_ = ds.AppendRow([]any{"hello", "3"})

	step := NewDeduplicationStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"columns": []any{"text"},
		"keep":    "last",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 2 {
		t.Fatalf("NumRows = %d, want 2", res.Dataset.NumRows())
	}
	// Surviving rows stay in original order; the duplicate's last occurrence wins.
	if got := res.Dataset.CellString(0, "id"); got != "2" {
		t.Errorf("first surviving id = %q, want 2", got)
	}
	if got := res.Dataset.CellString(1, "id"); got != "3" {
		t.Errorf("second surviving id = %q, want 3", got)
	}
}

func TestExactDedupIdempotent(t *testing.T) {
	ds := textDataset("text", "a", "b", "a", "c", "b")
	step := NewDeduplicationStep(nil, discardLogger())

	first, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	second, err := step.Run(context.Background(), first.Dataset, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.RowsRemoved != 0 {
		t.Errorf("second pass removed %d rows, want 0", second.RowsRemoved)
	}
}

func TestDedupUnknownColumnsFallBack(t *testing.T) {
	ds := textDataset("text", "a", "a")
	step := NewDeduplicationStep(nil, discardLogger())

	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"columns": []any{"nope"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a missing-columns warning")
	}
	if res.RowsRemoved != 1 {
		t.Errorf("RowsRemoved = %d, want 1 (all-columns fallback)", res.RowsRemoved)
	}
}

func TestSemanticDedupWithoutEmbedderFallsBack(t *testing.T) {
	ds := textDataset("text", "a", "a", "b")
	step := NewDeduplicationStep(nil, discardLogger())

	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"method": "semantic"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := res.Metadata["method_used"]; got != "exact (fallback)" {
		t.Errorf("method_used = %v, want exact (fallback)", got)
	}
	if res.RowsRemoved != 1 {
		t.Errorf("RowsRemoved = %d, want 1", res.RowsRemoved)
	}
}

func TestSemanticDedupRemovesNearDuplicates(t *testing.T) {
	// Rows 0 and 1 share a direction; row 2 is orthogonal.
	emb := &fakeEmbedder{vectors: [][]float32{
		{1, 0, 0},
		{0.999, 0.04, 0},
		{0, 1, 0},
	}}
	ds := textDataset("text", "first text", "first text variant", "unrelated")
	step := NewDeduplicationStep(emb, discardLogger())

	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"method":             "semantic",
		"semantic_threshold": 0.95,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 2 {
		t.Fatalf("NumRows = %d, want 2", res.Dataset.NumRows())
	}
	// keep=first removes the later near-duplicate.
	if got := res.Dataset.CellString(0, "text"); got != "first text" {
		t.Errorf("kept %q, want first occurrence", got)
	}
	if got := res.Metadata["semantic_duplicates_removed"]; got != 1 {
		t.Errorf("semantic_duplicates_removed = %v", got)
	}
}

func TestSemanticDedupEmbedderErrorFallsBack(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("quota exceeded")}
	ds := textDataset("text", "a", "a", "b")
	step := NewDeduplicationStep(emb, discardLogger())

	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"method": "semantic"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := res.Metadata["method_used"]; got != "exact (fallback)" {
		t.Errorf("method_used = %v", got)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "quota exceeded") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing embed-failure warning: %v", res.Warnings)
	}
	if res.RowsRemoved != 1 {
		t.Errorf("RowsRemoved = %d, want 1", res.RowsRemoved)
	}
}

func TestDedupDoesNotMutateInput(t *testing.T) {
	ds := textDataset("text", "a", "a")
	step := NewDeduplicationStep(nil, discardLogger())

	if _, err := step.Run(context.Background(), ds, pipeline.StepConfig{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ds.NumRows() != 2 {
		t.Errorf("input mutated: %d rows", ds.NumRows())
	}
}
