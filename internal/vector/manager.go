package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/pkg/utils"
)

// RecordChecker reports which record ids still exist in the record store.
type RecordChecker interface {
	ExistingRecordIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// RecordCheckerFunc adapts a function to RecordChecker.
type RecordCheckerFunc func(ctx context.Context, ids []int64) (map[int64]bool, error)

// ExistingRecordIDs calls f.
func (f RecordCheckerFunc) ExistingRecordIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return f(ctx, ids)
}

// Match is one Manager search hit.
type Match struct {
	RecordID   int64   `json:"record_id"`
	SlotID     int64   `json:"slot_id"`
	Similarity float64 `json:"similarity"`
}

// Entry is one record/vector pair for AddBatch.
type Entry struct {
	RecordID int64
	Vector   []float32
}

// Stats describes the Manager's current state.
type Stats struct {
	Name         string    `json:"name"`
	VectorCount  int       `json:"vector_count"`
	Dimension    int       `json:"dimension"`
	MappingCount int       `json:"mapping_count"`
	IndexType    string    `json:"index_type"`
	Metric       Metric    `json:"metric"`
	NextSlot     int64     `json:"next_slot"`
	LastPersist  time.Time `json:"last_persist,omitempty"`
}

// Manager owns one vector index and its slot/record mapping. All mutations are serialized by a
// single writer lock; searches and stats share a read lock.
//
// Slot ids are opaque, assigned from a persisted counter and never reused.
type Manager struct {
	name        string
	dir         string
	indexType   string
	metric      Metric
	dimension   int
	index       VectorIndex
	slots       *slotMap
	checker     RecordChecker
	logger      *zap.Logger
	lastPersist time.Time
	mu          sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecordChecker lets Search skip slots whose record no longer exists.
func WithRecordChecker(c RecordChecker) ManagerOption {
	return func(m *Manager) { m.checker = c }
}

// WithIndexType selects the index implementation ("memory" or "faiss").
func WithIndexType(t string) ManagerOption {
	return func(m *Manager) { m.indexType = t }
}

// WithMetric selects the index metric.
func WithMetric(metric Metric) ManagerOption {
	return func(m *Manager) { m.metric = metric }
}

// NewManager creates a Manager whose files live in dir as <name>.vec (or .faiss) and <name>.mapping.json.
// The Manager starts empty; call Load to read persisted state. An empty dir disables persistence.
func NewManager(dir, name string, dimension int, opts ...ManagerOption) (*Manager, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	m := &Manager{
		name:      name,
		dir:       dir,
		indexType: string(IndexTypeMemory),
		metric:    MetricL2,
		dimension: dimension,
		slots:     newSlotMap(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	idx, err := NewVectorIndex(m.indexType, dimension, m.metric)
	if err != nil {
		return nil, err
	}
	m.index = idx
	m.logger = m.logger.With(zap.String("index", name))
	return m, nil
}

func (m *Manager) indexPath() string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, indexFileName(m.name, m.indexType))
}

func (m *Manager) mappingPath() string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, m.name+".mapping.json")
}

// Dimension returns the fixed vector length.
func (m *Manager) Dimension() int { return m.dimension }

func (m *Manager) checkDim(vec []float32) error {
	if len(vec) != m.dimension {
		return &DimensionMismatchError{Expected: m.dimension, Got: len(vec)}
	}
	return nil
}

// prepare copies vec, normalizing it for inner-product indexes.
func (m *Manager) prepare(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	if m.metric == MetricInnerProduct {
		utils.NormalizeL2(out)
	}
	return out
}

// Add stores embedding for recordID and returns its new slot. A previous slot for the record is removed.
func (m *Manager) Add(ctx context.Context, recordID int64, embedding []float32) (int64, error) {
	slots, err := m.AddBatch(ctx, []Entry{{RecordID: recordID, Vector: embedding}})
	if err != nil {
		return 0, err
	}
	return slots[0], nil
}

// AddBatch stores several vectors and persists once. Every vector is validated before anything changes.
// If a record id appears more than once, the last entry wins.
func (m *Manager) AddBatch(ctx context.Context, entries []Entry) ([]int64, error) {
	for _, e := range entries {
		if err := m.checkDim(e.Vector); err != nil {
			return nil, err
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int64, len(entries))
	for i, e := range entries {
		slot := m.slots.allocate()
		if err := m.index.Add(ctx, []int64{slot}, [][]float32{m.prepare(e.Vector)}); err != nil {
			return nil, fmt.Errorf("add vector for record %d: %w", e.RecordID, err)
		}
		if old, ok := m.slots.recordToSlot[e.RecordID]; ok {
			if _, err := m.index.Remove(ctx, []int64{old}); err != nil {
				_, _ = m.index.Remove(ctx, []int64{slot})
				return nil, fmt.Errorf("replace vector for record %d: %w", e.RecordID, err)
			}
			m.slots.dropSlot(old)
		}
		m.slots.put(slot, e.RecordID)
		out[i] = slot
	}
	if err := m.persistLocked(); err != nil {
		return out, err
	}
	m.logger.Debug("Added vectors", zap.Int("count", len(entries)), zap.Int("size", m.index.Size()))
	return out, nil
}

// Remove deletes the vector for recordID. Returns false when the record has no vector.
func (m *Manager) Remove(ctx context.Context, recordID int64) (bool, error) {
	n, err := m.RemoveBatch(ctx, []int64{recordID})
	return n > 0, err
}

// RemoveBatch deletes the vectors for recordIDs and persists once. Returns the number removed.
func (m *Manager) RemoveBatch(ctx context.Context, recordIDs []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var slots []int64
	for _, rid := range recordIDs {
		if slot, ok := m.slots.recordToSlot[rid]; ok {
			slots = append(slots, slot)
		}
	}
	if len(slots) == 0 {
		return 0, nil
	}
	if _, err := m.index.Remove(ctx, slots); err != nil {
		return 0, fmt.Errorf("remove vectors: %w", err)
	}
	for _, slot := range slots {
		m.slots.dropSlot(slot)
	}
	if err := m.persistLocked(); err != nil {
		return len(slots), err
	}
	return len(slots), nil
}

// Search returns up to k records most similar to query, best first. Slots whose record is missing from
// the record store are skipped with a warning; accept, when non-nil, filters records further.
func (m *Manager) Search(ctx context.Context, query []float32, k int, accept func(recordID int64) bool) ([]Match, error) {
	if err := m.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	q := m.prepare(query)

	fetch := k
	for {
		cands, exhausted, err := m.candidates(ctx, q, fetch)
		if err != nil {
			return nil, err
		}
		matches, err := m.filterLive(ctx, cands, accept)
		if err != nil {
			return nil, err
		}
		if len(matches) >= k || exhausted {
			if len(matches) > k {
				matches = matches[:k]
			}
			return matches, nil
		}
		fetch *= 2
	}
}

func (m *Manager) candidates(ctx context.Context, q []float32, fetch int) ([]Match, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	size := m.index.Size()
	if size == 0 {
		return nil, true, nil
	}
	results, err := m.index.Search(ctx, q, fetch)
	if err != nil {
		return nil, false, fmt.Errorf("search index: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		rid, ok := m.slots.slotToRecord[r.ID]
		if !ok {
			m.logger.Warn("Vector slot has no mapping entry", zap.Int64("slot", r.ID))
			continue
		}
		out = append(out, Match{RecordID: rid, SlotID: r.ID, Similarity: r.Similarity})
	}
	return out, fetch >= size, nil
}

func (m *Manager) filterLive(ctx context.Context, cands []Match, accept func(int64) bool) ([]Match, error) {
	var live map[int64]bool
	if m.checker != nil && len(cands) > 0 {
		ids := make([]int64, len(cands))
		for i, c := range cands {
			ids[i] = c.RecordID
		}
		var err error
		live, err = m.checker.ExistingRecordIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("check records: %w", err)
		}
	}
	out := make([]Match, 0, len(cands))
	for _, c := range cands {
		if live != nil && !live[c.RecordID] {
			m.logger.Warn("Skipping vector for missing record", zap.Int64("record_id", c.RecordID), zap.Int64("slot", c.SlotID))
			continue
		}
		if accept != nil && !accept(c.RecordID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Vector returns the stored vector for recordID.
func (m *Manager) Vector(recordID int64) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.slots.recordToSlot[recordID]
	if !ok {
		return nil, false
	}
	return m.index.Reconstruct(slot)
}

// Has reports whether recordID has a vector.
func (m *Manager) Has(recordID int64) bool {
	_, ok := m.SlotOf(recordID)
	return ok
}

// SlotOf returns the slot holding recordID's vector.
func (m *Manager) SlotOf(recordID int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.slots.recordToSlot[recordID]
	return slot, ok
}

// RecordIDs returns every mapped record id in ascending order.
func (m *Manager) RecordIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.slots.recordToSlot))
	for rid := range m.slots.recordToSlot {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns counts and configuration.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Name:         m.name,
		VectorCount:  m.index.Size(),
		Dimension:    m.dimension,
		MappingCount: m.slots.len(),
		IndexType:    m.index.Type(),
		Metric:       m.metric,
		NextSlot:     m.slots.nextSlot,
		LastPersist:  m.lastPersist,
	}
}

// Persist writes the index blob and then the mapping sidecar.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if m.dir == "" {
		return nil
	}
	if err := m.index.Save(m.indexPath()); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	sc := m.slots.toSidecar(m.index.Size(), m.dimension, m.index.Type(), m.metric)
	if err := writeSidecar(m.mappingPath(), sc); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}
	m.lastPersist = sc.LastUpdated
	return nil
}

// Load reads the index blob and sidecar. Missing files yield an empty Manager and a nil error.
// Unusable files are moved aside, state resets to empty, and a *CorruptionError is returned; the Manager
// remains usable. Slots present on only one side (a crash between the two writes) are dropped.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == "" {
		return nil
	}
	indexPath, mappingPath := m.indexPath(), m.mappingPath()

	fresh, err := NewVectorIndex(m.indexType, m.dimension, m.metric)
	if err != nil {
		return err
	}
	idxErr := fresh.Load(indexPath)
	sc, scErr := readSidecar(mappingPath)
	indexMissing := errors.Is(idxErr, os.ErrNotExist)
	mappingMissing := errors.Is(scErr, os.ErrNotExist)
	floor := slotFloor(sc, scErr == nil, fresh, idxErr == nil)

	switch {
	case indexMissing && mappingMissing:
		_ = fresh.Close()
		return nil
	case idxErr != nil && !indexMissing:
		_ = fresh.Close()
		return m.resetLocked(indexPath, "index unreadable", idxErr, floor)
	case scErr != nil && !mappingMissing:
		_ = fresh.Close()
		return m.resetLocked(mappingPath, "mapping unreadable", scErr, floor)
	case mappingMissing:
		size := fresh.Size()
		_ = fresh.Close()
		if size == 0 {
			return nil
		}
		return m.resetLocked(mappingPath, "mapping missing for non-empty index", nil, floor)
	case indexMissing:
		if len(sc.SlotToRecord) == 0 {
			_ = fresh.Close()
			return nil
		}
		_ = fresh.Close()
		return m.resetLocked(indexPath, "index missing for non-empty mapping", nil, floor)
	}

	if sc.Dimension != 0 && sc.Dimension != m.dimension {
		_ = fresh.Close()
		return m.resetLocked(mappingPath, fmt.Sprintf("mapping dimension %d != %d", sc.Dimension, m.dimension), nil, floor)
	}
	slots, err := fromSidecar(sc)
	if err != nil {
		_ = fresh.Close()
		return m.resetLocked(mappingPath, "mapping inconsistent", err, floor)
	}

	_ = m.index.Close()
	m.index = fresh
	m.slots = slots
	dropped, err := m.reconcileLocked(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("Loaded vector index",
		zap.Int("vectors", m.index.Size()),
		zap.Int("mappings", m.slots.len()),
		zap.Int("reconciled", dropped))
	return nil
}

// Reconcile drops index slots without a mapping entry and mapping entries without a vector.
// It returns how many slots were dropped.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked(ctx)
}

func (m *Manager) reconcileLocked(ctx context.Context) (int, error) {
	inIndex := make(map[int64]bool)
	var unmapped []int64
	for _, slot := range m.index.IDs() {
		inIndex[slot] = true
		if _, ok := m.slots.slotToRecord[slot]; !ok {
			unmapped = append(unmapped, slot)
		}
	}
	var vectorless []int64
	for slot := range m.slots.slotToRecord {
		if !inIndex[slot] {
			vectorless = append(vectorless, slot)
		}
	}
	if len(unmapped) == 0 && len(vectorless) == 0 {
		return 0, nil
	}
	if len(unmapped) > 0 {
		if _, err := m.index.Remove(ctx, unmapped); err != nil {
			return 0, fmt.Errorf("drop unmapped slots: %w", err)
		}
	}
	for _, slot := range vectorless {
		m.slots.dropSlot(slot)
	}
	m.logger.Warn("Index and mapping disagreed, dropped slots",
		zap.Int("unmapped_vectors", len(unmapped)),
		zap.Int("mappings_without_vector", len(vectorless)))
	return len(unmapped) + len(vectorless), m.persistLocked()
}

// slotFloor is the lowest slot id that no readable file has handed out yet.
func slotFloor(sc *sidecar, scOK bool, idx VectorIndex, idxOK bool) int64 {
	var floor int64
	if scOK {
		floor = sc.NextSlot
		for k := range sc.SlotToRecord {
			if slot, err := strconv.ParseInt(k, 10, 64); err == nil && slot >= floor {
				floor = slot + 1
			}
		}
	}
	if idxOK {
		for _, slot := range idx.IDs() {
			if slot >= floor {
				floor = slot + 1
			}
		}
	}
	return floor
}

// resetLocked moves the bad file aside, empties the Manager, persists the empty state and reports corruption.
// Slot allocation resumes at floor or later so ids are not handed out twice.
func (m *Manager) resetLocked(path, reason string, cause error, floor int64) error {
	aside := path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(path, aside); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Could not move corrupt file aside", zap.String("path", path), zap.Error(err))
	}
	idx, err := NewVectorIndex(m.indexType, m.dimension, m.metric)
	if err != nil {
		return err
	}
	_ = m.index.Close()
	m.index = idx
	next := m.slots.nextSlot
	if floor > next {
		next = floor
	}
	m.slots = newSlotMap()
	m.slots.nextSlot = next
	cerr := &CorruptionError{Path: path, Reason: reason, Err: cause}
	m.logger.Warn("Vector index reset to empty", zap.Error(cerr))
	if err := m.persistLocked(); err != nil {
		m.logger.Error("Failed to persist empty index after reset", zap.Error(err))
	}
	return cerr
}

// Close releases the index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Close()
}
