package memory

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/export"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Stats describes the store and its indices.
type Stats struct {
	Analyses            int64                 `json:"analyses"`
	Errors              int64                 `json:"errors"`
	AnalysisIndex       vector.Stats          `json:"analysis_index"`
	ErrorIndex          vector.Stats          `json:"error_index"`
	KeywordDocuments    uint64                `json:"keyword_documents"`
	EmbeddingDimensions int                   `json:"embedding_dimensions"`
	EmbeddingCache      *embedding.CacheStats `json:"embedding_cache,omitempty"`
	Disk                *storage.Footprint    `json:"disk,omitempty"`
}

// IndexStats reports record counts, per-index vector counts and on-disk sizes.
func (s *Service) IndexStats(ctx context.Context) (*Stats, error) {
	analyses, err := s.storage.CountAnalyses(ctx)
	if err != nil {
		return nil, err
	}
	errs, err := s.storage.CountErrors(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Analyses:            analyses,
		Errors:              errs,
		AnalysisIndex:       s.analyses.Stats(),
		ErrorIndex:          s.errors.Stats(),
		EmbeddingDimensions: s.embedder.Dimensions(),
	}
	if c, ok := s.embedder.(*embedding.CachedEmbedder); ok {
		cs := c.CacheStats()
		st.EmbeddingCache = &cs
	}
	if s.keywordIndex != nil {
		if n, err := s.keywordIndex.DocCount(); err == nil {
			st.KeywordDocuments = n
		}
	}
	fp, err := storage.MeasureFootprint(map[string]string{
		"database": s.config.Storage.DatabasePath,
		"vectors":  s.config.Storage.IndexDir,
		"keyword":  s.config.Storage.BleveIndexPath,
	})
	if err != nil {
		s.logger.Warn("Measuring disk usage failed", zap.Error(err))
	} else {
		st.Disk = fp
	}
	s.refreshSizes(ctx)
	return st, nil
}

// Export returns the snapshot of one run.
func (s *Service) Export(ctx context.Context, id int64) (*models.Snapshot, bool, error) {
	rec, found, err := s.storage.GetAnalysis(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	return export.NewSnapshot(rec), true, nil
}

// ExportTrends writes the trend report of codebasePath as an XLSX workbook.
func (s *Service) ExportTrends(ctx context.Context, w io.Writer, codebasePath string, days int) error {
	report, err := s.GetErrorTrends(ctx, codebasePath, days)
	if err != nil {
		return err
	}
	return export.WriteTrendsWorkbook(w, report)
}

// VectorMetadata describes the summary vector of a run. False when the run has no vector.
func (s *Service) VectorMetadata(ctx context.Context, id int64) (*models.VectorMetadata, bool, error) {
	slot, ok := s.analyses.SlotOf(id)
	if !ok {
		return nil, false, nil
	}
	rec, found, err := s.storage.GetAnalysis(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	return &models.VectorMetadata{
		SlotID:          slot,
		RecordID:        id,
		CodebasePath:    rec.CodebasePath,
		AnalysisType:    rec.AnalysisType,
		Timestamp:       rec.Timestamp,
		VectorDimension: s.analyses.Dimension(),
	}, true, nil
}
