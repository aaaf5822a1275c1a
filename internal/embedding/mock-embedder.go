package embedding

import (
	"context"
	"math/rand"

	"github.com/hyperjump/kioku/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and for running without a model.
// The same text always gets the same unit vector; different texts get near-orthogonal vectors.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns a unit vector drawn from a generator seeded by the text hash.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	r := rand.New(rand.NewSource(int64(HashString(text))))
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(r.NormFloat64())
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
