package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calder-labs/dataforge/internal/config"
	"github.com/calder-labs/dataforge/internal/steps"
	"github.com/calder-labs/dataforge/internal/util"
)

// Each example is clipped in the batch prompt so twenty of them fit
// comfortably inside the scoring model's context.
const promptExampleLimit = 500

// Scorer scores batches of texts through a chat completion endpoint. It
// implements the quality step's BatchScorer interface.
type Scorer struct {
	client   *Client
	modelCfg config.ModelConfig
	apiKey   string
	logger   *slog.Logger
}

// NewScorer creates a scorer bound to one model endpoint.
func NewScorer(client *Client, modelCfg config.ModelConfig, apiKey string, logger *slog.Logger) *Scorer {
	return &Scorer{client: client, modelCfg: modelCfg, apiKey: apiKey, logger: logger}
}

// ScoreBatch scores each text 0-10 in a single request.
func (s *Scorer) ScoreBatch(ctx context.Context, texts []string) ([]steps.ScoredText, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Evaluate each example for quality, relevance, and usefulness for AI training.\n")
	b.WriteString("Score each 0-10. Return a JSON array of objects: [{\"score\": float, \"reason\": str}]\n\n")
	for i, t := range texts {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "Example %d: %s", i+1, util.TruncateString(t, promptExampleLimit))
	}

	resp, err := s.client.ChatCompletion(ctx, s.modelCfg, s.apiKey, []Message{
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("scoring request failed: %w", err)
	}

	results, err := parseScores(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("scorer returned %d results for %d texts", len(results), len(texts))
	}
	return results, nil
}

// parseScores extracts the score array from the model output. Some models
// wrap the array as {"results": [...]}; both shapes are accepted.
func parseScores(content string) ([]steps.ScoredText, error) {
	raw := util.SanitizeJSON(util.ExtractJSON(content))

	var results []steps.ScoredText
	if err := json.Unmarshal([]byte(raw), &results); err == nil {
		return results, nil
	}

	var wrapped struct {
		Results []steps.ScoredText `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Results != nil {
		return wrapped.Results, nil
	}

	return nil, fmt.Errorf("failed to parse scoring response: %s", util.TruncateString(content, 200))
}
