package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3, MetricL2)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	if err := idx.Add(ctx, []int64{10, 11, 12}, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 10 {
		t.Errorf("top result should be 10, got %d", results[0].ID)
	}
	if results[0].Similarity != 1 {
		t.Errorf("exact match similarity = %f, want 1", results[0].Similarity)
	}
	if results[1].Similarity >= results[0].Similarity {
		t.Error("results should be ordered best first")
	}
}

func TestMemoryIndex_InnerProduct(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricInnerProduct)
	ctx := context.Background()
	_ = idx.Add(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	results, _ := idx.Search(ctx, []float32{0, 1}, 1)
	if len(results) != 1 || results[0].ID != 2 || results[0].Similarity != 1 {
		t.Errorf("got %+v", results[0])
	}
}

func TestMemoryIndex_RemoveKeepsIDsStable(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricL2)
	ctx := context.Background()
	_ = idx.Add(ctx, []int64{1, 2, 3}, [][]float32{{1, 0}, {0, 1}, {1, 1}})

	n, err := idx.Remove(ctx, []int64{1, 99})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if idx.Size() != 2 {
		t.Errorf("expected size 2, got %d", idx.Size())
	}
	// Id 3 moved into position 0 but is still addressed as 3.
	vec, ok := idx.Reconstruct(3)
	if !ok || vec[0] != 1 || vec[1] != 1 {
		t.Errorf("Reconstruct(3) = %v, %v", vec, ok)
	}
	if _, ok := idx.Reconstruct(1); ok {
		t.Error("removed id should not reconstruct")
	}
	results, _ := idx.Search(ctx, []float32{0, 1}, 1)
	if results[0].ID != 2 {
		t.Errorf("expected id 2, got %d", results[0].ID)
	}
	ids := idx.IDs()
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Errorf("IDs()=%v", ids)
	}
}

func TestMemoryIndex_AddRejectsDuplicatesAndBadDims(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricL2)
	ctx := context.Background()
	_ = idx.Add(ctx, []int64{1}, [][]float32{{1, 0}})

	if err := idx.Add(ctx, []int64{1}, [][]float32{{0, 1}}); err == nil {
		t.Error("expected duplicate id error")
	}
	err := idx.Add(ctx, []int64{2, 3}, [][]float32{{0, 1}, {1, 2, 3}})
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("failed batch must not add anything, size=%d", idx.Size())
	}
	if err := idx.Add(ctx, []int64{4}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "idx.vec")
	ctx := context.Background()

	idx, _ := NewMemoryIndex(3, MetricL2)
	_ = idx.Add(ctx, []int64{5, 9}, [][]float32{{1, 2, 3}, {4, 5, 6}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(3, MetricL2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("Size=%d", loaded.Size())
	}
	vec, ok := loaded.Reconstruct(9)
	if !ok || vec[2] != 6 {
		t.Errorf("Reconstruct(9) = %v", vec)
	}
}

func TestMemoryIndex_LoadMissingFile(t *testing.T) {
	idx, _ := NewMemoryIndex(3, MetricL2)
	err := idx.Load(filepath.Join(t.TempDir(), "nope.vec"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryIndex_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2, MetricL2)
	_ = idx.Add(ctx, []int64{1}, [][]float32{{1, 0}})
	path := filepath.Join(dir, "idx.vec")
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not an index at all")},
		{"truncated", data[:len(data)-6]},
		{"flipped bit", append(append([]byte{}, data[:12]...), append([]byte{data[12] ^ 0xff}, data[13:]...)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(dir, tt.name+".vec")
			if err := os.WriteFile(p, tt.data, 0644); err != nil {
				t.Fatal(err)
			}
			fresh, _ := NewMemoryIndex(2, MetricL2)
			if err := fresh.Load(p); !errors.Is(err, ErrBadIndexFile) {
				t.Errorf("expected ErrBadIndexFile, got %v", err)
			}
			if fresh.Size() != 0 {
				t.Error("failed load must leave index unchanged")
			}
		})
	}

	other, _ := NewMemoryIndex(3, MetricL2)
	if err := other.Load(path); !errors.Is(err, ErrBadIndexFile) {
		t.Errorf("dimension mismatch should be ErrBadIndexFile, got %v", err)
	}
}

func TestSimilarity(t *testing.T) {
	if Similarity(MetricL2, 0) != 1 {
		t.Error("zero distance should be similarity 1")
	}
	if Similarity(MetricL2, 1) != 0.5 {
		t.Error("distance 1 should be similarity 0.5")
	}
	if Similarity(MetricInnerProduct, 1.2) != 1 || Similarity(MetricInnerProduct, -0.3) != 0 {
		t.Error("inner product similarity should clamp to [0,1]")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{2, 0}); got < 0.9999 {
		t.Errorf("parallel vectors: %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 3}); got != 0 {
		t.Errorf("orthogonal vectors: %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("length mismatch should be 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector should be 0, got %f", got)
	}
}
