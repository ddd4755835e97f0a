package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

const decentText = "This is a reasonably well formed paragraph about data quality. " +
	"It contains several sentences with varied vocabulary and normal capitalization. " +
	"Nothing about it should trip any of the heuristic penalties."

func TestQualityValidateConfig(t *testing.T) {
	step := NewQualityScorerStep(nil, discardLogger())

	tests := []struct {
		name    string
		cfg     pipeline.StepConfig
		wantErr bool
	}{
		{name: "defaults", cfg: pipeline.StepConfig{}},
		{name: "ai filter", cfg: pipeline.StepConfig{"method": "ai", "action": "filter"}},
		{name: "bad method", cfg: pipeline.StepConfig{"method": "vibes"}, wantErr: true},
		{name: "bad action", cfg: pipeline.StepConfig{"action": "delete"}, wantErr: true},
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

func TestHeuristicScore(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		minScore   float64
		maxScore   float64
		wantReason string
	}{
		{
			name:       "empty text",
			text:       "   ",
			minScore:   0,
			maxScore:   0,
			wantReason: "Empty text",
		},
		{
			name:       "very short",
			text:       "hi",
			minScore:   0,
			maxScore:   8,
			wantReason: "Very short",
		},
		{
			name:       "short",
			text:       "just a short line here",
			minScore:   0,
			maxScore:   8,
			wantReason: "Short",
		},
		{
			name:       "good quality",
			text:       decentText,
			minScore:   7,
			maxScore:   10,
			wantReason: "Good quality",
		},
		{
			name:       "repeated sentences",
			text:       strings.Repeat("This sentence repeats itself verbatim. ", 6),
			minScore:   0,
			maxScore:   8,
			wantReason: "Repeated sentences (6x)",
		},
		{
			name:       "excessive caps",
			text:       strings.Repeat("THIS IS ALL SHOUTING TEXT WITH MANY WORDS INSIDE IT. ", 3),
			minScore:   0,
			maxScore:   10,
			wantReason: "Excessive caps",
		},
		{
			name:       "special chars",
			text:       "@@@ ### $$$ %%% ^^^ &&& *** ((( ))) 12345 67890 @@@ ### $$$",
			minScore:   0,
			maxScore:   8,
			wantReason: "High special char ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reason := heuristicScore(tt.text)
			if score < tt.minScore || score > tt.maxScore {
				t.Errorf("score = %v, want in [%v, %v]", score, tt.minScore, tt.maxScore)
			}
			if !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason = %q, want contains %q", reason, tt.wantReason)
			}
		})
	}
}

func TestHeuristicScoreBounds(t *testing.T) {
	inputs := []string{"", "a", decentText, strings.Repeat("word ", 10000)}
	for _, in := range inputs {
		score, _ := heuristicScore(in)
		if score < 0 || score > 10 {
			t.Errorf("heuristicScore(%.20q...) = %v, out of [0, 10]", in, score)
		}
	}
}

func TestQualityScoreOnly(t *testing.T) {
	ds := textDataset("text", decentText, "hi")

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 2 {
		t.Fatalf("score_only changed row count: %d", res.Dataset.NumRows())
	}
	if !res.Dataset.HasColumn("quality_score") || !res.Dataset.HasColumn("quality_reason") {
		t.Fatal("score columns missing")
	}

	good, _ := res.Dataset.Cell(0, "quality_score").(float64)
	bad, _ := res.Dataset.Cell(1, "quality_score").(float64)
	if good <= bad {
		t.Errorf("good text scored %v, short text %v; want good > bad", good, bad)
	}

	if got := res.Metadata["method_used"]; got != "heuristic" {
		t.Errorf("method_used = %v", got)
	}
	dist, _ := res.Metadata["score_distribution"].(map[string]int)
	total := 0
	for _, n := range dist {
		total += n
	}
	if total != 2 {
		t.Errorf("score_distribution sums to %d, want 2", total)
	}
}

// lowQualityText scores below 6: short with a single repeated word.
const lowQualityText = "buy buy buy buy buy buy buy buy"

func TestQualityFilter(t *testing.T) {
	ds := textDataset("text", decentText, lowQualityText)

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"action":    "filter",
		"threshold": 6.0,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 1 {
		t.Fatalf("NumRows = %d, want 1", res.Dataset.NumRows())
	}
	if got := res.Metadata["rows_filtered"]; got != 1 {
		t.Errorf("rows_filtered = %v, want 1", got)
	}
}

func TestQualityFlag(t *testing.T) {
	ds := textDataset("text", decentText, lowQualityText)

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"action":    "flag",
		"threshold": 6.0,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 2 {
		t.Fatalf("flag action changed row count: %d", res.Dataset.NumRows())
	}
	if got := res.Dataset.Cell(0, "quality_flag"); got != false {
		t.Errorf("quality_flag[0] = %v, want false", got)
	}
	if got := res.Dataset.Cell(1, "quality_flag"); got != true {
		t.Errorf("quality_flag[1] = %v, want true", got)
	}
}

func TestQualityCustomColumnNames(t *testing.T) {
	ds := textDataset("text", decentText)

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"score_column_name":  "qs",
		"reason_column_name": "qr",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Dataset.HasColumn("qs") || !res.Dataset.HasColumn("qr") {
		t.Error("custom column names not used")
	}
}

func TestQualityNoTextColumns(t *testing.T) {
	ds := dataset.New([]string{"n"})
	_ = ds.AppendRow([]any{1.0})

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := res.Dataset.Cell(0, "quality_score"); got != 5.0 {
		t.Errorf("neutral score = %v, want 5.0", got)
	}
	if got := res.Dataset.CellString(0, "quality_reason"); got != "No text columns" {
		t.Errorf("neutral reason = %q", got)
	}
}

func TestQualityAIMethod(t *testing.T) {
	scorer := &fakeScorer{score: 9.0}
	ds := textDataset("text", decentText, "hi", "more text here")

	step := NewQualityScorerStep(scorer, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"method":        "ai",
		"ai_batch_size": 2,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if scorer.calls != 2 {
		t.Errorf("scorer called %d times, want 2 batches", scorer.calls)
	}
	for i := 0; i < 3; i++ {
		if got := res.Dataset.Cell(i, "quality_score"); got != 9.0 {
			t.Errorf("quality_score[%d] = %v, want 9.0", i, got)
		}
	}
	if got := res.Metadata["method_used"]; got != "ai" {
		t.Errorf("method_used = %v", got)
	}
}

func TestQualityAIFailureFallsBackToHeuristic(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("backend down")}
	ds := textDataset("text", decentText)

	step := NewQualityScorerStep(scorer, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"method": "ai"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	reason := res.Dataset.CellString(0, "quality_reason")
	if !strings.HasPrefix(reason, "(fallback) ") {
		t.Errorf("reason = %q, want (fallback) prefix", reason)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "backend down") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing failure warning: %v", res.Warnings)
	}
}

func TestQualityAIWithoutScorer(t *testing.T) {
	ds := textDataset("text", decentText)

	step := NewQualityScorerStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"method": "ai"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// No scorer and no heuristic pass: neutral placeholder scores.
	if got := res.Dataset.Cell(0, "quality_score"); got != 5.0 {
		t.Errorf("quality_score = %v, want 5.0", got)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a no-scorer warning")
	}
}

func TestQualityBothAveragesScores(t *testing.T) {
	scorer := &fakeScorer{score: 10.0}
	ds := textDataset("text", decentText)

	step := NewQualityScorerStep(scorer, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{"method": "both"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	heuristic, _ := heuristicScore(decentText)
	want := (heuristic + 10.0) / 2
	if got, _ := res.Dataset.Cell(0, "quality_score").(float64); got != want {
		t.Errorf("blended score = %v, want %v", got, want)
	}
	reason := res.Dataset.CellString(0, "quality_reason")
	if !strings.HasPrefix(reason, "H: ") || !strings.Contains(reason, "| AI: ") {
		t.Errorf("blended reason = %q", reason)
	}
}

func TestScoreDistributionBuckets(t *testing.T) {
	dist := scoreDistribution([]float64{0, 1.9, 2, 5.5, 7.9, 8, 10})
	want := map[string]int{"0-2": 2, "2-4": 1, "4-6": 1, "6-8": 1, "8-10": 2}
	for k, v := range want {
		if dist[k] != v {
			t.Errorf("dist[%q] = %d, want %d", k, dist[k], v)
		}
	}
}

func TestMeanAndMedian(t *testing.T) {
	mean, median := meanAndMedian([]float64{2, 4, 9})
	if mean != 5.0 {
		t.Errorf("mean = %v, want 5.0", mean)
	}
	if median != 4.0 {
		t.Errorf("median = %v, want 4.0", median)
	}

	mean, median = meanAndMedian(nil)
	if mean != 0 || median != 0 {
		t.Errorf("empty input = (%v, %v), want (0, 0)", mean, median)
	}
}

func TestRegisterAll(t *testing.T) {
	reg := pipeline.NewRegistry()
	if err := RegisterAll(reg, Deps{Logger: discardLogger()}); err != nil {
		t.Fatalf("RegisterAll() error: %v", err)
	}

	want := []string{"deduplication", "language_filter", "noise_removal", "pii_scrubbing", "quality_scorer"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
