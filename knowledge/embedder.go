package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ragdesk_back/config"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dimension() int
}

// openAIEmbedder calls an OpenAI compatible /embeddings endpoint, such as a
// text-embeddings-inference or infinity server hosting a sentence model.
type openAIEmbedder struct {
	client    *openai.Client
	model     string
	maxBatch  int
	dimension int
	timeout   time.Duration
}

var _ Embedder = (*openAIEmbedder)(nil)

// NewEmbedder builds a client for an OpenAI-compatible embeddings API.
func NewEmbedder(cfg config.EmbeddingConfig, timeout time.Duration) (Embedder, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("knowledge: embedding model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("knowledge: embedding dimension must be positive")
	}

	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientCfg.BaseURL = baseURL

	maxBatch := cfg.Batch
	if maxBatch <= 0 {
		maxBatch = 32
	}
	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxBatch:  maxBatch,
		dimension: cfg.Dimension,
		timeout:   timeout,
	}, nil
}

func (e *openAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed returns one vector per input, in input order.
func (e *openAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, item := range inputs {
		if strings.TrimSpace(item) == "" {
			return nil, fmt.Errorf("knowledge: embedding input %d is empty", i)
		}
	}

	results := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := e.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *openAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(resp.Data))
	}

	vectors := make([][]float32, len(batch))
	for i, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= len(batch) {
			idx = i
		}
		if len(item.Embedding) != e.dimension {
			return nil, fmt.Errorf("knowledge: embedding length %d does not match expected %d", len(item.Embedding), e.dimension)
		}
		vectors[idx] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("knowledge: embedding response missing index %d", i)
		}
	}
	return vectors, nil
}
