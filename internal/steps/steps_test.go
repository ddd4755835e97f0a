package steps

import (
	"context"
	"io"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/dataset"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textDataset(column string, values ...string) *dataset.Dataset {
	ds := dataset.New([]string{column})
	for _, v := range values {
		_ = ds.AppendRow([]any{v})
	}
	return ds
}

// fakeEmbedder returns canned vectors keyed by position.
type fakeEmbedder struct {
	vectors [][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		if i < len(f.vectors) {
			out[i] = f.vectors[i]
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

// fakeScorer returns a fixed score for every text, or an error.
type fakeScorer struct {
	score float64
	err   error
	calls int
}

func (f *fakeScorer) ScoreBatch(ctx context.Context, texts []string) ([]ScoredText, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ScoredText, len(texts))
	for i := range texts {
		out[i] = ScoredText{Score: f.score, Reason: "ai reason"}
	}
	return out, nil
}

// fakeDetector flags a fixed substring as one entity type.
type fakeDetector struct {
	substr string
	typ    string
}

func (f *fakeDetector) Detect(text string, entities []string) []Entity {
	var out []Entity
	start := 0
	for {
		i := indexFrom(text, f.substr, start)
		if i < 0 {
			return out
		}
		out = append(out, Entity{Type: f.typ, Start: i, End: i + len(f.substr)})
		start = i + len(f.substr)
	}
}

func indexFrom(s, sub string, from int) int {
	if from >= len(s) {
		return -1
	}
	for i := from; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
