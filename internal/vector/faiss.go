//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/MetaIndexes_c.h>
#include <faiss/c_api/impl/AuxIndexStructures_c.h>
#include <faiss/c_api/index_io_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unsafe"
)

// FAISSIndex wraps a FAISS IndexIDMap2 over IndexFlatL2 or IndexFlatIP.
// IndexIDMap2 stores caller ids natively, so remove_ids and reconstruct are addressed by id.
type FAISSIndex struct {
	index      *C.FaissIndexIDMap2
	dimensions int
	metric     Metric
	mu         sync.RWMutex
}

// NewFAISSIndex creates an empty id-mapped flat index.
func NewFAISSIndex(dimensions int, metric Metric) (*FAISSIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if metric == "" {
		metric = MetricL2
	}
	idx, err := newIDMap(dimensions, metric)
	if err != nil {
		return nil, err
	}
	return &FAISSIndex{index: idx, dimensions: dimensions, metric: metric}, nil
}

func newIDMap(dimensions int, metric Metric) (*C.FaissIndexIDMap2, error) {
	var flat *C.FaissIndex
	var ret C.int
	if metric == MetricInnerProduct {
		var ip *C.FaissIndexFlatIP
		ret = C.faiss_IndexFlatIP_new_with(&ip, C.idx_t(dimensions))
		flat = (*C.FaissIndex)(unsafe.Pointer(ip))
	} else {
		var l2 *C.FaissIndexFlatL2
		ret = C.faiss_IndexFlatL2_new_with(&l2, C.idx_t(dimensions))
		flat = (*C.FaissIndex)(unsafe.Pointer(l2))
	}
	if ret != 0 {
		return nil, fmt.Errorf("failed to create FAISS flat index: %s", faissLastError())
	}
	var idmap *C.FaissIndexIDMap2
	if ret := C.faiss_IndexIDMap2_new(&idmap, flat); ret != 0 {
		C.faiss_Index_free(flat)
		return nil, fmt.Errorf("failed to create FAISS id map: %s", faissLastError())
	}
	C.faiss_IndexIDMap2_set_own_fields(idmap, 1)
	return idmap, nil
}

// faissLastError returns the last FAISS error message.
func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

func (f *FAISSIndex) base() *C.FaissIndex {
	return (*C.FaissIndex)(unsafe.Pointer(f.index))
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string { return string(IndexTypeFAISS) }

// Metric returns the ranking metric.
func (f *FAISSIndex) Metric() Metric { return f.metric }

// Dimensions returns the vector length.
func (f *FAISSIndex) Dimensions() int { return f.dimensions }

// Add stores vectors under ids.
func (f *FAISSIndex) Add(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	if len(ids) == 0 {
		return nil
	}
	flat := make([]float32, len(vectors)*f.dimensions)
	for i, vec := range vectors {
		if len(vec) != f.dimensions {
			return &DimensionMismatchError{Expected: f.dimensions, Got: len(vec)}
		}
		copy(flat[i*f.dimensions:(i+1)*f.dimensions], vec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ret := C.faiss_Index_add_with_ids(
		f.base(),
		C.idx_t(len(ids)),
		(*C.float)(unsafe.Pointer(&flat[0])),
		(*C.idx_t)(unsafe.Pointer(&ids[0])),
	)
	if ret != 0 {
		return fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
	}
	return nil
}

// Search returns the k nearest vectors, best first.
func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != f.dimensions {
		return nil, &DimensionMismatchError{Expected: f.dimensions, Got: len(query)}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	ntotal := int(C.faiss_Index_ntotal(f.base()))
	if k <= 0 || ntotal == 0 {
		return nil, nil
	}
	if k > ntotal {
		k = ntotal
	}
	distances := make([]float32, k)
	labels := make([]int64, k)
	ret := C.faiss_Index_search(
		f.base(),
		1,
		(*C.float)(unsafe.Pointer(&query[0])),
		C.idx_t(k),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}

	results := make([]*VectorResult, 0, k)
	for i := 0; i < k; i++ {
		if labels[i] < 0 {
			continue
		}
		d := float64(distances[i])
		if f.metric == MetricL2 {
			// IndexFlatL2 reports squared distances.
			d = math.Sqrt(math.Max(d, 0))
		}
		results = append(results, &VectorResult{ID: labels[i], Distance: d, Similarity: Similarity(f.metric, d)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Remove deletes vectors by id via an IDSelectorBatch.
func (f *FAISSIndex) Remove(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var sel *C.FaissIDSelectorBatch
	if ret := C.faiss_IDSelectorBatch_new(&sel, C.size_t(len(ids)), (*C.idx_t)(unsafe.Pointer(&ids[0]))); ret != 0 {
		return 0, fmt.Errorf("failed to create id selector: %s", faissLastError())
	}
	defer C.faiss_IDSelector_free((*C.FaissIDSelector)(unsafe.Pointer(sel)))

	var removed C.size_t
	if ret := C.faiss_Index_remove_ids(f.base(), (*C.FaissIDSelector)(unsafe.Pointer(sel)), &removed); ret != 0 {
		return 0, fmt.Errorf("failed to remove ids from FAISS index: %s", faissLastError())
	}
	return int(removed), nil
}

// Reconstruct returns the vector stored under id.
func (f *FAISSIndex) Reconstruct(id int64) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]float32, f.dimensions)
	if ret := C.faiss_Index_reconstruct(f.base(), C.idx_t(id), (*C.float)(unsafe.Pointer(&out[0]))); ret != 0 {
		return nil, false
	}
	return out, true
}

// IDs returns the stored ids in ascending order.
func (f *FAISSIndex) IDs() []int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ptr *C.idx_t
	var n C.size_t
	C.faiss_IndexIDMap2_id_map(f.index, &ptr, &n)
	if n == 0 || ptr == nil {
		return nil
	}
	src := unsafe.Slice((*int64)(unsafe.Pointer(ptr)), int(n))
	out := make([]int64, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Save writes the index to a temp file next to path and renames it into place.
func (f *FAISSIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	cPath := C.CString(tmp)
	defer C.free(unsafe.Pointer(cPath))
	if ret := C.faiss_write_index_fname(f.base(), cPath); ret != 0 {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save FAISS index: %s", faissLastError())
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// Load replaces the index with the one stored at path. It must be an IndexIDMap2 of the same dimension.
func (f *FAISSIndex) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	var loaded *C.FaissIndex
	if ret := C.faiss_read_index_fname(cPath, 0, &loaded); ret != 0 {
		return fmt.Errorf("%w: %s", ErrBadIndexFile, faissLastError())
	}
	idmap := C.faiss_IndexIDMap2_cast(loaded)
	if idmap == nil {
		C.faiss_Index_free(loaded)
		return fmt.Errorf("%w: not an id-mapped index", ErrBadIndexFile)
	}
	if d := int(C.faiss_Index_d(loaded)); d != f.dimensions {
		C.faiss_Index_free(loaded)
		return fmt.Errorf("%w: dimension mismatch: file has %d, index expects %d", ErrBadIndexFile, d, f.dimensions)
	}
	C.faiss_IndexIDMap2_construct_rev_map(idmap)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.base())
	}
	f.index = idmap
	return nil
}

// Size returns the number of stored vectors.
func (f *FAISSIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(C.faiss_Index_ntotal(f.base()))
}

// Close frees the FAISS index resources.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.base())
		f.index = nil
	}
	return nil
}
