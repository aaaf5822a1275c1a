// Package embedding turns analysis summaries and error messages into vectors.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New builds the embedder selected by cfg.Provider and wraps it in an LRU cache.
// When the ONNX runtime or model is unavailable it falls back to the mock embedder with a warning,
// so the store stays usable (with structural matching carrying classification).
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case config.ProviderMock:
		inner = NewMockEmbedder(cfg.Dimensions)
	case config.ProviderOpenAI:
		inner, err = NewOpenAIEmbedder(cfg.OpenAI, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
	case config.ProviderONNX, "":
		inner, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			logger.Warn("ONNX embedder unavailable, using mock embedder", zap.Error(err))
			inner = NewMockEmbedder(cfg.Dimensions)
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}

func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
