// Package openai provides an embedder backed by the OpenAI Embeddings API.
package openai

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/vectordb"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = string(openai.SmallEmbedding3)

// EmbeddingClient captures the subset of the go-openai client used by the
// embedder.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Options configures the embedder.
type Options struct {
	// Client is the OpenAI API client. Required.
	Client EmbeddingClient
	// Model overrides the default embedding model.
	Model string
}

// Embedder turns text into vectors via the OpenAI Embeddings API.
type Embedder struct {
	client EmbeddingClient
	model  openai.EmbeddingModel
}

var _ vectordb.Embedder = (*Embedder)(nil)

// New builds the embedder from the provided options.
func New(opts Options) (*Embedder, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "openai client is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Embedder{client: opts.Client, model: openai.EmbeddingModel(model)}, nil
}

// NewFromAPIKey constructs an embedder using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfiguration, "api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, "OpenAIEmbedder", err, "create embeddings")
	}
	if len(resp.Data) != len(texts) {
		return nil, fault.New(fault.KindBackendFailure, "embedding count mismatch: want %d, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float64, len(resp.Data))
	for _, item := range resp.Data {
		values := make([]float64, len(item.Embedding))
		for i, v := range item.Embedding {
			values[i] = float64(v)
		}
		out[item.Index] = values
	}
	return out, nil
}
