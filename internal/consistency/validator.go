// Package consistency detects and repairs drift between a vector index and the record store.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/vector"
)

const defaultBatchSize = 500

// RecordLister lists every record id in the record store.
type RecordLister interface {
	ListRecordIDs(ctx context.Context) ([]int64, error)
}

// RecordListerFunc adapts a function to RecordLister.
type RecordListerFunc func(ctx context.Context) ([]int64, error)

// ListRecordIDs calls f.
func (f RecordListerFunc) ListRecordIDs(ctx context.Context) ([]int64, error) { return f(ctx) }

// Report is the outcome of one validation pass.
type Report struct {
	Index string `json:"index"`
	OK    bool   `json:"ok"`
	// OrphanedRecordIDs have a vector but no record.
	OrphanedRecordIDs []int64 `json:"orphaned_record_ids"`
	// UnindexedRecordIDs have a record but no vector. Only filled when a RecordLister is configured.
	UnindexedRecordIDs []int64   `json:"unindexed_record_ids,omitempty"`
	Mismatch           bool      `json:"mismatch"`
	IndexSize          int       `json:"index_size"`
	MappingCount       int       `json:"mapping_count"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Validator checks one Manager against the record store.
type Validator struct {
	manager   *vector.Manager
	checker   vector.RecordChecker
	lister    RecordLister
	logger    *zap.Logger
	batchSize int
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithRecordLister enables reporting of records that have no vector.
func WithRecordLister(l RecordLister) Option {
	return func(v *Validator) { v.lister = l }
}

// WithBatchSize sets how many ids are checked per store query.
func WithBatchSize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.batchSize = n
		}
	}
}

// NewValidator creates a Validator for manager, using checker to test record existence.
func NewValidator(manager *vector.Manager, checker vector.RecordChecker, opts ...Option) *Validator {
	v := &Validator{
		manager:   manager,
		checker:   checker,
		logger:    zap.NewNop(),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate compares every mapped record id with the record store and the index size with the mapping size.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	stats := v.manager.Stats()
	report := &Report{
		Index:             stats.Name,
		IndexSize:         stats.VectorCount,
		MappingCount:      stats.MappingCount,
		Mismatch:          stats.VectorCount != stats.MappingCount,
		OrphanedRecordIDs: []int64{},
		CheckedAt:         time.Now().UTC(),
	}

	ids := v.manager.RecordIDs()
	for start := 0; start < len(ids); start += v.batchSize {
		end := start + v.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		exists, err := v.checker.ExistingRecordIDs(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("check records: %w", err)
		}
		for _, id := range batch {
			if !exists[id] {
				report.OrphanedRecordIDs = append(report.OrphanedRecordIDs, id)
			}
		}
	}

	if v.lister != nil {
		all, err := v.lister.ListRecordIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, id := range all {
			if !v.manager.Has(id) {
				report.UnindexedRecordIDs = append(report.UnindexedRecordIDs, id)
			}
		}
		sort.Slice(report.UnindexedRecordIDs, func(i, j int) bool {
			return report.UnindexedRecordIDs[i] < report.UnindexedRecordIDs[j]
		})
	}

	report.OK = len(report.OrphanedRecordIDs) == 0 && !report.Mismatch
	if !report.OK {
		v.logger.Warn("Index inconsistent with record store",
			zap.String("index", report.Index),
			zap.Int("orphans", len(report.OrphanedRecordIDs)),
			zap.Int("index_size", report.IndexSize),
			zap.Int("mapping_count", report.MappingCount))
	}
	return report, nil
}

// Repair removes the vectors of orphaned records and, when the index and mapping disagree, prunes the
// disagreeing slots. Ids without a vector are ignored, so repeating a repair is a no-op.
func (v *Validator) Repair(ctx context.Context, orphans []int64) (int, error) {
	removed, err := v.manager.RemoveBatch(ctx, orphans)
	if err != nil {
		return removed, fmt.Errorf("remove orphans: %w", err)
	}
	stats := v.manager.Stats()
	dropped := 0
	if stats.VectorCount != stats.MappingCount {
		dropped, err = v.manager.Reconcile(ctx)
		if err != nil {
			return removed, fmt.Errorf("reconcile index: %w", err)
		}
	}
	if removed > 0 || dropped > 0 {
		v.logger.Info("Repaired vector index",
			zap.String("index", stats.Name),
			zap.Int("orphans_removed", removed),
			zap.Int("slots_dropped", dropped))
	}
	return removed + dropped, nil
}

// Reconcile validates and repairs if needed. It returns the pre-repair report and the number of entries fixed.
func (v *Validator) Reconcile(ctx context.Context) (*Report, int, error) {
	report, err := v.Validate(ctx)
	if err != nil {
		return nil, 0, err
	}
	if report.OK {
		return report, 0, nil
	}
	n, err := v.Repair(ctx, report.OrphanedRecordIDs)
	return report, n, err
}
