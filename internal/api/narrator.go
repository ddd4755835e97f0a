package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/config"
	"github.com/calder-labs/dataforge/internal/util"
)

// JSONNarrator asks a chat model for a JSON object response. It implements
// the report package's Narrator interface.
type JSONNarrator struct {
	client   *Client
	modelCfg config.ModelConfig
	apiKey   string
	logger   *slog.Logger
}

// NewJSONNarrator creates a narrator bound to one model endpoint.
func NewJSONNarrator(client *Client, modelCfg config.ModelConfig, apiKey string, logger *slog.Logger) *JSONNarrator {
	return &JSONNarrator{client: client, modelCfg: modelCfg, apiKey: apiKey, logger: logger}
}

// CompleteJSON sends the prompt and parses the response as a JSON object.
func (n *JSONNarrator) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	resp, err := n.client.ChatCompletion(ctx, n.modelCfg, n.apiKey, []Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}

	content := resp.Choices[0].Message.Content
	raw := util.SanitizeJSON(util.ExtractJSON(content))

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return out, nil
}
