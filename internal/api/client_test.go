package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calder-labs/dataforge/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClient uses a short retry delay so backoff tests finish instantly.
func testClient() *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 5 * time.Second},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          discardLogger(),
		maxRetries:      DefaultMaxRetries,
		baseRetryDelay:  time.Millisecond,
	}
}

func testModelConfig(baseURL string) config.ModelConfig {
	return config.ModelConfig{
		BaseURL:            baseURL,
		ModelName:          "test-model",
		Temperature:        0.1,
		TopP:               1.0,
		MaxOutputTokens:    256,
		RateLimitPerMinute: 600,
	}
}

func chatResponse(content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Model:   "test-model",
		Choices: []Choice{{Message: Message{Role: "assistant", Content: content}}},
	}
}

func TestChatCompletion(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq ChatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(chatResponse("hello"))
	}))
	defer server.Close()

	client := testClient()
	resp, err := client.ChatCompletion(context.Background(), testModelConfig(server.URL), "sk-test", []Message{
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotReq.Model != "test-model" || gotReq.N != 1 {
		t.Errorf("request = %+v", gotReq)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse("recovered"))
	}))
	defer server.Close()

	client := testClient()
	resp, err := client.ChatCompletion(context.Background(), testModelConfig(server.URL), "", nil)
	if err != nil {
		t.Fatalf("ChatCompletion() error after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3 (two failures then success)", got)
	}
	if resp.Choices[0].Message.Content != "recovered" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletionClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "model not found", "type": "invalid_request_error", "code": "model_not_found"}}`))
	}))
	defer server.Close()

	client := testClient()
	_, err := client.ChatCompletion(context.Background(), testModelConfig(server.URL), "", nil)
	if err == nil {
		t.Fatal("expected an error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "model not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Code != "model_not_found" {
		t.Errorf("code = %q", apiErr.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (4xx must not retry)", got)
	}
}

func TestChatCompletionMaxRetriesExceeded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testClient()
	_, err := client.ChatCompletion(context.Background(), testModelConfig(server.URL), "", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := calls.Load(); got != int32(DefaultMaxRetries)+1 {
		t.Errorf("server calls = %d, want %d", got, DefaultMaxRetries+1)
	}
}

func TestChatCompletionEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChatCompletionResponse{ID: "x"})
	}))
	defer server.Close()

	client := testClient()
	if _, err := client.ChatCompletion(context.Background(), testModelConfig(server.URL), "", nil); err == nil {
		t.Error("empty choices accepted")
	}
}

func TestEmbeddingsRespectIndexOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Out-of-order data entries still map back to input positions.
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{
				{Index: 1, Embedding: []float32{0, 1}},
				{Index: 0, Embedding: []float32{1, 0}},
			},
		})
	}))
	defer server.Close()

	svc := NewEmbeddingService(testClient(), testModelConfig(server.URL), "", discardLogger())
	vectors, err := svc.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors = %v, index order not respected", vectors)
	}
}

func TestEmbeddingsCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{{Index: 0, Embedding: []float32{1}}},
		})
	}))
	defer server.Close()

	svc := NewEmbeddingService(testClient(), testModelConfig(server.URL), "", discardLogger())
	if _, err := svc.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("vector count mismatch accepted")
	}
}

func TestRateLimiterPool(t *testing.T) {
	pool := NewRateLimiterPool()

	first := pool.GetOrCreate("model-a", 60)
	second := pool.GetOrCreate("model-a", 120) // different rate: existing wins
	if first != second {
		t.Error("GetOrCreate created a second limiter for the same model")
	}

	other := pool.GetOrCreate("model-b", 60)
	if other == first {
		t.Error("distinct models share a limiter")
	}

	// Burst floor keeps small rates usable.
	low := pool.GetOrCreate("model-c", 10)
	if low.Burst() != 5 {
		t.Errorf("burst = %d, want floor of 5", low.Burst())
	}
}
