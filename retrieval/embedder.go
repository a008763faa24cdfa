// Package retrieval implements hybrid vector+keyword search over per-tenant
// knowledge, with reciprocal-rank fusion and per-channel confidence gating.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingDim is the stored vector width. Provider vectors are truncated to
// this and L2-normalized so cosine distance stays meaningful after the cut.
const EmbeddingDim = 768

// EmbedderConfig configures the embedding provider. Any OpenAI-compatible
// embeddings endpoint works.
type EmbedderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Embedder turns text into fixed-dimension normalized vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

type openaiEmbedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder builds an embedder against an OpenAI-compatible endpoint.
func NewEmbedder(cfg *EmbedderConfig) (Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedder: model is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openaiEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

func (e *openaiEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return ProcessVector(resp.Data[0].Embedding, EmbeddingDim), nil
}

func (e *openaiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text)
}

func (e *openaiEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text)
}

// ProcessVector truncates vec to targetDim and L2-normalizes it. A zero
// vector is returned unchanged.
func ProcessVector(vec []float32, targetDim int) []float32 {
	if len(vec) > targetDim {
		vec = vec[:targetDim]
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, x := range vec {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
