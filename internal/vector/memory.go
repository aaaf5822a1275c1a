package vector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"sort"
	"sync"
)

// memoryMagic prefixes every MemoryIndex file.
var memoryMagic = [4]byte{'K', 'V', 'X', '1'}

// MemoryIndex is an in-memory vector index using brute-force search.
// Ids map to positions through pos; removal swaps the last vector into the hole, so ids stay stable.
type MemoryIndex struct {
	dimensions int
	metric     Metric
	ids        []int64
	vectors    [][]float32
	pos        map[int64]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension and metric.
func NewMemoryIndex(dimensions int, metric Metric) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if metric == "" {
		metric = MetricL2
	}
	return &MemoryIndex{
		dimensions: dimensions,
		metric:     metric,
		ids:        make([]int64, 0),
		vectors:    make([][]float32, 0),
		pos:        make(map[int64]int),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Metric returns the ranking metric.
func (m *MemoryIndex) Metric() Metric { return m.metric }

// Dimensions returns the vector length.
func (m *MemoryIndex) Dimensions() int { return m.dimensions }

// Add stores vectors under ids. All vectors are validated before any is stored; duplicate ids are rejected.
func (m *MemoryIndex) Add(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return &DimensionMismatchError{Expected: m.dimensions, Got: len(vectors[i])}
		}
		if _, ok := m.pos[id]; ok || seen[id] {
			return fmt.Errorf("id %d already present", id)
		}
		seen[id] = true
	}
	for i, id := range ids {
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.pos[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the k nearest vectors, best first. Equal scores are ordered by ascending id.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, &DimensionMismatchError{Expected: m.dimensions, Got: len(query)}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	results := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		var d float64
		if m.metric == MetricInnerProduct {
			d = InnerProduct(query, vec)
		} else {
			d = EuclideanDistance(query, vec)
		}
		results[i] = &VectorResult{ID: m.ids[i], Distance: d, Similarity: Similarity(m.metric, d)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Remove deletes the vectors stored under ids and returns how many existed.
func (m *MemoryIndex) Remove(ctx context.Context, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, id := range ids {
		p, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if p != last {
			m.ids[p] = m.ids[last]
			m.vectors[p] = m.vectors[last]
			m.pos[m.ids[p]] = p
		}
		m.ids = m.ids[:last]
		m.vectors = m.vectors[:last]
		delete(m.pos, id)
		removed++
	}
	return removed, nil
}

// Reconstruct returns a copy of the vector stored under id.
func (m *MemoryIndex) Reconstruct(id int64) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pos[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, m.dimensions)
	copy(out, m.vectors[p])
	return out, true
}

// IDs returns all stored ids in ascending order.
func (m *MemoryIndex) IDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, len(m.ids))
	copy(out, m.ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Save atomically writes the index to path. Format (little endian): magic (4), dimension (4), metric length (1),
// metric, n (4), then per vector: id (8), vector (dimension*4 bytes); a trailing CRC-32 covers everything before it.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		crc := crc32.NewIEEE()
		mw := io.MultiWriter(w, crc)
		if _, err := mw.Write(memoryMagic[:]); err != nil {
			return fmt.Errorf("write magic: %w", err)
		}
		if err := binary.Write(mw, binary.LittleEndian, uint32(m.dimensions)); err != nil {
			return fmt.Errorf("write dimensions: %w", err)
		}
		if _, err := mw.Write(append([]byte{byte(len(m.metric))}, string(m.metric)...)); err != nil {
			return fmt.Errorf("write metric: %w", err)
		}
		if err := binary.Write(mw, binary.LittleEndian, uint32(len(m.ids))); err != nil {
			return fmt.Errorf("write count: %w", err)
		}
		for i, id := range m.ids {
			if err := binary.Write(mw, binary.LittleEndian, id); err != nil {
				return fmt.Errorf("write id: %w", err)
			}
			if _, err := mw.Write(float32SliceToBytes(m.vectors[i])); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
		return binary.Write(w, binary.LittleEndian, crc.Sum32())
	})
}

// ErrBadIndexFile is wrapped by Load when the file is truncated, has a bad header or fails its checksum.
var ErrBadIndexFile = errors.New("malformed index file")

// Load reads the index from path and replaces the in-memory contents. Dimensions and metric must match.
// If the file does not exist, os.ErrNotExist is returned (wrapped) and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	bad := func(what string, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadIndexFile, what, err)
		}
		return fmt.Errorf("%w: %s", ErrBadIndexFile, what)
	}
	if len(data) < len(memoryMagic)+4 {
		return bad("file too short", nil)
	}
	body, sum := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(sum) {
		return bad("checksum mismatch", nil)
	}
	r := bytes.NewReader(body)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return bad("read magic", err)
	}
	if magic != memoryMagic {
		return bad("unknown magic", nil)
	}
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return bad("read dimensions", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: dimension mismatch: file has %d, index expects %d", ErrBadIndexFile, dim, m.dimensions)
	}
	mlen, err := r.ReadByte()
	if err != nil {
		return bad("read metric", err)
	}
	mbuf := make([]byte, mlen)
	if _, err := io.ReadFull(r, mbuf); err != nil {
		return bad("read metric", err)
	}
	if Metric(mbuf) != m.metric {
		return fmt.Errorf("%w: metric mismatch: file has %q, index expects %q", ErrBadIndexFile, mbuf, m.metric)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return bad("read count", err)
	}
	if int64(n)*int64(8+m.dimensions*4) != int64(r.Len()) {
		return bad("vector count does not match file size", nil)
	}

	ids := make([]int64, 0, n)
	vectors := make([][]float32, 0, n)
	pos := make(map[int64]int, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return bad("read id", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return bad("read vector", err)
		}
		if _, dup := pos[id]; dup {
			return bad(fmt.Sprintf("duplicate id %d", id), nil)
		}
		pos[id] = len(ids)
		ids = append(ids, id)
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = ids
	m.vectors = vectors
	m.pos = pos
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
