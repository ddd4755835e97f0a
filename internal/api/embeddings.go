package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/config"
)

// Embedding requests are chunked so a large dataset never produces an
// oversized payload.
const embeddingChunkSize = 64

// EmbeddingService fetches embedding vectors from an OpenAI-compatible
// /embeddings endpoint. It implements the dedup step's Embedder interface.
type EmbeddingService struct {
	client   *Client
	modelCfg config.ModelConfig
	apiKey   string
	logger   *slog.Logger
}

// NewEmbeddingService creates an embedding service bound to one endpoint.
func NewEmbeddingService(client *Client, modelCfg config.ModelConfig, apiKey string, logger *slog.Logger) *EmbeddingService {
	return &EmbeddingService{client: client, modelCfg: modelCfg, apiKey: apiKey, logger: logger}
}

// Embed returns one vector per input text, in input order.
func (e *EmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += embeddingChunkSize {
		end := start + embeddingChunkSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.Embeddings(ctx, e.modelCfg, e.apiKey, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %d-%d failed: %w", start, end, err)
		}

		// Responses are index-ordered, but trust the index field anyway.
		chunk := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(chunk) {
				return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
			}
			chunk[d.Index] = d.Embedding
		}
		vectors = append(vectors, chunk...)
	}

	e.logger.Debug("Embedded texts", "count", len(vectors), "model", e.modelCfg.ModelName)
	return vectors, nil
}
