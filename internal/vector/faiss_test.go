//go:build faiss && cgo
// +build faiss,cgo

package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFAISSIndex_AddSearchRemove(t *testing.T) {
	idx, err := NewFAISSIndex(3, MetricL2)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	if err := idx.Add(ctx, []int64{7, 8, 9}, [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 1, 0}}); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ID != 7 || results[0].Similarity < 0.999 {
		t.Fatalf("unexpected results: %+v", results)
	}

	n, err := idx.Remove(ctx, []int64{7})
	if err != nil || n != 1 {
		t.Fatalf("Remove: %d %v", n, err)
	}
	if idx.Size() != 2 {
		t.Errorf("Size=%d", idx.Size())
	}
	// Surviving ids are unchanged after removal.
	vec, ok := idx.Reconstruct(9)
	if !ok || vec[1] != 1 {
		t.Errorf("Reconstruct(9)=%v %v", vec, ok)
	}
	ids := idx.IDs()
	if len(ids) != 2 || ids[0] != 8 || ids[1] != 9 {
		t.Errorf("IDs()=%v", ids)
	}
}

func TestFAISSIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.faiss")
	ctx := context.Background()
	idx, _ := NewFAISSIndex(2, MetricL2)
	_ = idx.Add(ctx, []int64{3, 4}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	idx.Close()

	loaded, _ := NewFAISSIndex(2, MetricL2)
	defer loaded.Close()
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Errorf("Size=%d", loaded.Size())
	}
	if _, err := loaded.Remove(ctx, []int64{3}); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 1 {
		t.Errorf("Size after remove=%d", loaded.Size())
	}
}

func TestFAISSIndex_LoadMissingFile(t *testing.T) {
	idx, _ := NewFAISSIndex(2, MetricL2)
	defer idx.Close()
	if err := idx.Load(filepath.Join(t.TempDir(), "none.faiss")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestFAISSIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewFAISSIndex(3, MetricL2)
	defer idx.Close()
	err := idx.Add(context.Background(), []int64{1}, [][]float32{{1, 0}})
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Errorf("expected DimensionMismatchError, got %v", err)
	}
}
