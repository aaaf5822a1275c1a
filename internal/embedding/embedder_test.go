package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/vector"
)

func TestMockEmbedder(t *testing.T) {
	e := NewMockEmbedder(128)
	ctx := context.Background()
	a1, _ := e.Embed(ctx, "ModuleNotFoundError: No module named 'requests'")
	a2, _ := e.Embed(ctx, "ModuleNotFoundError: No module named 'requests'")
	b, _ := e.Embed(ctx, "Timeout after 300s running pytest")

	if len(a1) != 128 {
		t.Fatalf("len=%d", len(a1))
	}
	if vector.CosineSimilarity(a1, a2) < 0.9999 {
		t.Error("same text should embed identically")
	}
	if s := vector.CosineSimilarity(a1, b); s > 0.5 {
		t.Errorf("unrelated texts too similar: %f", s)
	}
	if n := vector.L2Norm(a1); n < 0.999 || n > 1.001 {
		t.Errorf("norm=%f", n)
	}
}

func TestNew_Providers(t *testing.T) {
	mock, err := New(config.EmbeddingConfig{Provider: config.ProviderMock, Dimensions: 32, CacheSize: 5}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.(*CachedEmbedder); !ok {
		t.Errorf("expected cached embedder, got %T", mock)
	}
	if mock.Dimensions() != 32 {
		t.Errorf("Dimensions=%d", mock.Dimensions())
	}

	// A missing model falls back to the mock embedder.
	onnx, err := New(config.EmbeddingConfig{Provider: config.ProviderONNX, ModelPath: "/nonexistent/model.onnx", Dimensions: 32}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := onnx.(*MockEmbedder); !ok {
		t.Errorf("expected mock fallback, got %T", onnx)
	}

	if _, err := New(config.EmbeddingConfig{Provider: config.ProviderOpenAI, Dimensions: 32}, nil); err == nil {
		t.Error("openai without key or base url should fail")
	}
	if _, err := New(config.EmbeddingConfig{Provider: "bogus", Dimensions: 32}, nil); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		// Answer in reverse order; the embedder must place vectors by index.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = item{Object: "embedding", Embedding: []float32{float32(j), 1, 0}, Index: j}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(config.OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "text-embedding-3-small"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if gotModel != "text-embedding-3-small" {
		t.Errorf("model sent = %q", gotModel)
	}
	for i, v := range out {
		if v[0] != float32(i) {
			t.Errorf("vector %d misplaced: %v", i, v)
		}
	}

	wrongDim, _ := NewOpenAIEmbedder(config.OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "m"}, 8)
	if _, err := wrongDim.Embed(context.Background(), "x"); err == nil {
		t.Error("expected dimension error")
	}
}
