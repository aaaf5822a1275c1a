package memory

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Index names; files are <index_dir>/<name>.vec and <index_dir>/<name>.mapping.json.
const (
	AnalysisIndexName = "analyses"
	ErrorIndexName    = "errors"
)

// Open builds a started Service from cfg: the SQLite store, the configured embedder, both vector
// indices and the Bleve keyword index. A FAISS index type falls back to the in-memory index when
// the binary was built without FAISS.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	closers := []func() error{store.Close}
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize embedder: %w", err))
	}
	closers = append(closers, embedder.Close)

	if err := os.MkdirAll(cfg.Storage.IndexDir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create index dir: %w", err))
	}
	indexType := cfg.Vector.IndexType
	if indexType == string(vector.IndexTypeFAISS) && !vector.IsFAISSAvailable() {
		logger.Warn("FAISS not available in this build, falling back to memory index")
		indexType = string(vector.IndexTypeMemory)
	}
	metric, err := vector.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return fail(err)
	}
	newManager := func(name string, checker vector.RecordChecker) (*vector.Manager, error) {
		return vector.NewManager(cfg.Storage.IndexDir, name, cfg.Embedding.Dimensions,
			vector.WithIndexType(indexType),
			vector.WithMetric(metric),
			vector.WithRecordChecker(checker),
			vector.WithLogger(logger))
	}
	analyses, err := newManager(AnalysisIndexName, vector.RecordCheckerFunc(store.ExistingAnalysisIDs))
	if err != nil {
		return fail(fmt.Errorf("failed to initialize analysis index: %w", err))
	}
	closers = append(closers, analyses.Close)
	errorIdx, err := newManager(ErrorIndexName, vector.RecordCheckerFunc(store.ExistingErrorIDs))
	if err != nil {
		return fail(fmt.Errorf("failed to initialize error index: %w", err))
	}
	closers = append(closers, errorIdx.Close)

	kw, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize keyword index: %w", err))
	}
	closers = append(closers, kw.Close)

	logger.Info("Memory store initialized",
		zap.String("database", cfg.Storage.DatabasePath),
		zap.String("index_type", indexType),
		zap.String("metric", string(metric)),
		zap.Int("dimensions", cfg.Embedding.Dimensions))

	opts = append([]Option{WithLogger(logger), WithKeywordIndex(kw)}, opts...)
	svc := New(store, embedder, analyses, errorIdx, cfg, opts...)
	if err := svc.Start(ctx); err != nil {
		return fail(err)
	}
	return svc, nil
}
