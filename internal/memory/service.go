// Package memory is the analysis memory store: it keeps the record store, the two vector indices
// and the keyword index in agreement and exposes the store's operations.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/consistency"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/metrics"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Service stores analysis runs and answers similarity, trend and classification queries.
type Service struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	analyses     *vector.Manager
	errors       *vector.Manager
	keywordIndex keyword.KeywordIndex
	engine       *search.Engine
	classifier   *classify.Classifier
	validators   []*consistency.Validator
	metrics      *metrics.Metrics
	config       *config.Config
	logger       *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records operations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithKeywordIndex enables keyword and hybrid search.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(s *Service) { s.keywordIndex = k }
}

// New wires a Service from already opened parts. analyses and errorIdx must be built with the
// store's existence checks. Call Start before serving.
func New(
	store storage.Storage,
	embedder embedding.Embedder,
	analyses, errorIdx *vector.Manager,
	cfg *config.Config,
	opts ...Option,
) *Service {
	s := &Service{
		storage:  store,
		embedder: embedder,
		analyses: analyses,
		errors:   errorIdx,
		config:   cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = search.NewEngine(store, embedder, analyses, errorIdx, s.keywordIndex, &cfg.Search, s.logger)
	s.classifier = classify.New(
		classify.WithThreshold(cfg.Classifier.Threshold),
		classify.WithStructuralScore(cfg.Classifier.StructuralScore),
		classify.WithLogger(s.logger),
	)
	s.validators = []*consistency.Validator{
		consistency.NewValidator(analyses, vector.RecordCheckerFunc(store.ExistingAnalysisIDs),
			consistency.WithLogger(s.logger),
			consistency.WithRecordLister(consistency.RecordListerFunc(store.ListAnalysisIDs))),
		consistency.NewValidator(errorIdx, vector.RecordCheckerFunc(store.ExistingErrorIDs),
			consistency.WithLogger(s.logger)),
	}
	return s
}

// Start loads both vector indices and repairs any drift from the record store. A corrupt index
// is reset to empty with a warning; Reindex refills it.
func (s *Service) Start(ctx context.Context) error {
	for _, m := range []*vector.Manager{s.analyses, s.errors} {
		if err := m.Load(ctx); err != nil {
			var corrupt *vector.CorruptionError
			if !errors.As(err, &corrupt) {
				return fmt.Errorf("load vector index: %w", err)
			}
			s.logger.Warn("Vector index reset; run reindex to restore it", zap.Error(err))
		}
	}
	if _, err := s.reconcile(ctx); err != nil {
		return err
	}
	s.refreshSizes(ctx)
	return nil
}

// Close persists and releases every part. The first error is returned.
func (s *Service) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, m := range []*vector.Manager{s.analyses, s.errors} {
		if m != nil {
			keep(m.Persist())
			keep(m.Close())
		}
	}
	if s.keywordIndex != nil {
		keep(s.keywordIndex.Close())
	}
	if s.embedder != nil {
		keep(s.embedder.Close())
	}
	if s.storage != nil {
		keep(s.storage.Close())
	}
	return first
}

// Storage returns the record store.
func (s *Service) Storage() storage.Storage { return s.storage }

// Metrics returns the collectors, or nil.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// StoreAnalysis normalizes a producer payload and stores it. An empty summary is generated.
func (s *Service) StoreAnalysis(ctx context.Context, codebasePath, analysisType string, results json.RawMessage, summary string) (*models.AnalysisRecord, error) {
	if codebasePath == "" {
		return nil, ingest.ErrMissingCodebase
	}
	if analysisType == "" {
		analysisType = "static"
	}
	n, err := ingest.Normalize(codebasePath, analysisType, results, summary)
	if err != nil {
		return nil, err
	}
	if _, err := s.StoreNormalized(ctx, n); err != nil {
		return nil, err
	}
	return n.Record, nil
}

// StoreNormalized persists the record, then indexes its summary and failures. Embedding or index
// failures are logged and leave the record unindexed; Reindex fills the gap later.
func (s *Service) StoreNormalized(ctx context.Context, n *ingest.Normalized) (id int64, err error) {
	defer s.metrics.Observe("store", time.Now(), &err)
	rec := n.Record
	if _, err = s.storage.StoreAnalysis(ctx, rec); err != nil {
		return 0, fmt.Errorf("failed to store analysis: %w", err)
	}
	text := n.EmbeddingText
	if text == "" {
		text = rec.Summary
	}
	s.indexRecord(ctx, rec, text)
	if s.keywordIndex != nil {
		if kwErr := s.keywordIndex.IndexAnalysis(ctx, rec); kwErr != nil {
			s.logger.Warn("Keyword indexing failed", zap.Int64("analysis_id", rec.ID), zap.Error(kwErr))
		}
	}
	s.logger.Debug("Stored analysis",
		zap.Int64("analysis_id", rec.ID),
		zap.String("codebase", rec.CodebasePath),
		zap.Int("failures", len(rec.Failures)))
	s.refreshSizes(ctx)
	return rec.ID, nil
}

// indexRecord embeds and adds the run's summary vector and its failures' vectors.
func (s *Service) indexRecord(ctx context.Context, rec *models.AnalysisRecord, text string) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.EmbeddingFailed()
		s.logger.Warn("Analysis embedding failed; record stored unindexed", zap.Int64("analysis_id", rec.ID), zap.Error(err))
	} else if _, err := s.analyses.Add(ctx, rec.ID, vec); err != nil {
		s.logger.Warn("Adding analysis vector failed", zap.Int64("analysis_id", rec.ID), zap.Error(err))
	}
	s.indexFailures(ctx, rec.Failures)
}

// indexFailures embeds and adds error vectors, returning how many were added.
func (s *Service) indexFailures(ctx context.Context, failures []*models.ErrorRecord) int {
	if len(failures) == 0 {
		return 0
	}
	texts := make([]string, len(failures))
	for i, f := range failures {
		texts[i] = f.EmbeddingText()
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(failures) {
		s.metrics.EmbeddingFailed()
		s.logger.Warn("Error embeddings failed; errors stored unindexed", zap.Int("errors", len(failures)), zap.Error(err))
		return 0
	}
	entries := make([]vector.Entry, len(failures))
	for i, f := range failures {
		entries[i] = vector.Entry{RecordID: f.ID, Vector: vecs[i]}
	}
	if _, err := s.errors.AddBatch(ctx, entries); err != nil {
		s.logger.Warn("Adding error vectors failed", zap.Int("errors", len(entries)), zap.Error(err))
		return 0
	}
	return len(entries)
}

// GetAnalysis returns a stored run with its failures.
func (s *Service) GetAnalysis(ctx context.Context, id int64) (*models.AnalysisRecord, bool, error) {
	return s.storage.GetAnalysis(ctx, id)
}

// ListAnalyses returns stored runs matching filter.
func (s *Service) ListAnalyses(ctx context.Context, filter *models.AnalysisFilter) ([]*models.AnalysisRecord, error) {
	return s.storage.QueryAnalyses(ctx, filter)
}

// DeleteAnalysis removes a run. Its vectors go first, then the record, then keyword documents.
// An unknown id returns false and changes nothing.
func (s *Service) DeleteAnalysis(ctx context.Context, id int64) (deleted bool, err error) {
	defer s.metrics.Observe("delete", time.Now(), &err)
	deleted, err = s.deleteOne(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	if _, err = s.reconcile(ctx); err != nil {
		return true, err
	}
	s.refreshSizes(ctx)
	return true, nil
}

// DeleteAnalyses removes several runs and reconciles once. It returns how many existed.
func (s *Service) DeleteAnalyses(ctx context.Context, ids []int64) (n int, err error) {
	defer s.metrics.Observe("delete_bulk", time.Now(), &err)
	for _, id := range ids {
		ok, err := s.deleteOne(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		if _, err = s.reconcile(ctx); err != nil {
			return n, err
		}
		s.refreshSizes(ctx)
	}
	return n, nil
}

func (s *Service) deleteOne(ctx context.Context, id int64) (bool, error) {
	rec, found, err := s.storage.GetAnalysis(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to get analysis: %w", err)
	}
	if !found {
		return false, nil
	}
	errorIDs := make([]int64, len(rec.Failures))
	for i, f := range rec.Failures {
		errorIDs[i] = f.ID
	}
	if _, err := s.analyses.Remove(ctx, id); err != nil {
		return false, fmt.Errorf("failed to delete from analysis index: %w", err)
	}
	if _, err := s.errors.RemoveBatch(ctx, errorIDs); err != nil {
		return false, fmt.Errorf("failed to delete from error index: %w", err)
	}
	deleted, err := s.storage.DeleteAnalysis(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete analysis: %w", err)
	}
	if s.keywordIndex != nil {
		if err := s.keywordIndex.DeleteAnalysis(ctx, id, errorIDs); err != nil {
			s.logger.Warn("Keyword delete failed", zap.Int64("analysis_id", id), zap.Error(err))
		}
	}
	s.logger.Debug("Deleted analysis", zap.Int64("analysis_id", id), zap.Int("errors", len(errorIDs)))
	return deleted, nil
}

// UpdateMetrics merges metrics into a stored run. False when the run does not exist.
func (s *Service) UpdateMetrics(ctx context.Context, id int64, m map[string]float64) (ok bool, err error) {
	defer s.metrics.Observe("update_metrics", time.Now(), &err)
	return s.storage.UpdateMetrics(ctx, id, m)
}

// StoreExecutionLogs appends failures to an existing run and indexes them. False when the run
// does not exist.
func (s *Service) StoreExecutionLogs(ctx context.Context, analysisID int64, failures []*models.ErrorRecord) (ok bool, err error) {
	defer s.metrics.Observe("store_logs", time.Now(), &err)
	if _, found, err := s.storage.GetAnalysis(ctx, analysisID); err != nil || !found {
		return false, err
	}
	if len(failures) == 0 {
		return true, nil
	}
	if err := s.storage.StoreExecutionLogs(ctx, analysisID, failures); err != nil {
		return false, fmt.Errorf("failed to store execution logs: %w", err)
	}
	indexed := s.indexFailures(ctx, failures)
	if s.keywordIndex != nil {
		rec, found, err := s.storage.GetAnalysis(ctx, analysisID)
		if err == nil && found {
			err = s.keywordIndex.IndexAnalysis(ctx, rec)
		}
		if err != nil {
			s.logger.Warn("Keyword indexing failed", zap.Int64("analysis_id", analysisID), zap.Error(err))
		}
	}
	s.logger.Debug("Appended execution logs",
		zap.Int64("analysis_id", analysisID),
		zap.Int("errors", len(failures)),
		zap.Int("indexed", indexed))
	s.refreshSizes(ctx)
	return true, nil
}

// SearchSimilar returns up to k stored runs whose summaries are closest in meaning to query.
// filter may be nil; its codebase, type and time bounds restrict the candidates.
func (s *Service) SearchSimilar(ctx context.Context, query string, k int, filter *models.AnalysisFilter) (hits []*models.AnalysisHit, err error) {
	defer s.metrics.Observe("search_similar", time.Now(), &err)
	q := &models.SearchQuery{Query: query, Limit: k, SemanticEnabled: true}
	if filter != nil {
		q.CodebasePath, q.AnalysisType = filter.CodebasePath, filter.AnalysisType
	}
	resp, err := s.engine.SearchAnalysesWithin(ctx, q, filter)
	if err != nil {
		return nil, err
	}
	s.metrics.SearchResults("analysis", len(resp.Analyses))
	return resp.Analyses, nil
}

// Search runs a hybrid search over analysis runs.
func (s *Service) Search(ctx context.Context, q *models.SearchQuery) (resp *models.SearchResponse, err error) {
	defer s.metrics.Observe("search", time.Now(), &err)
	resp, err = s.engine.SearchAnalyses(ctx, q)
	if err != nil {
		return nil, err
	}
	s.metrics.SearchResults("analysis", resp.Total)
	return resp, nil
}

// SearchErrors runs a hybrid search over individual errors.
func (s *Service) SearchErrors(ctx context.Context, q *models.SearchQuery) (resp *models.SearchResponse, err error) {
	defer s.metrics.Observe("search_errors", time.Now(), &err)
	resp, err = s.engine.SearchErrors(ctx, q)
	if err != nil {
		return nil, err
	}
	s.metrics.SearchResults("error", resp.Total)
	return resp, nil
}

// SearchKeyword runs a keyword-only search over runs and errors.
func (s *Service) SearchKeyword(ctx context.Context, q *models.SearchQuery) (resp *models.SearchResponse, err error) {
	defer s.metrics.Observe("search_keyword", time.Now(), &err)
	resp, err = s.engine.SearchKeyword(ctx, q)
	if err != nil {
		return nil, err
	}
	s.metrics.SearchResults("keyword", resp.Total)
	return resp, nil
}

// Validate checks both indices against the record store without changing anything.
func (s *Service) Validate(ctx context.Context) ([]*consistency.Report, error) {
	reports := make([]*consistency.Report, 0, len(s.validators))
	for _, v := range s.validators {
		r, err := v.Validate(ctx)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Repair validates both indices and removes orphaned vectors. It returns the reports taken before
// repair and how many vectors were removed.
func (s *Service) Repair(ctx context.Context) (reports []*consistency.Report, removed int, err error) {
	defer s.metrics.Observe("repair", time.Now(), &err)
	reports, removed, err = s.reconcileReports(ctx)
	if err == nil {
		s.refreshSizes(ctx)
	}
	return reports, removed, err
}

func (s *Service) reconcile(ctx context.Context) (int, error) {
	_, n, err := s.reconcileReports(ctx)
	return n, err
}

func (s *Service) reconcileReports(ctx context.Context) ([]*consistency.Report, int, error) {
	reports := make([]*consistency.Report, 0, len(s.validators))
	total := 0
	for _, v := range s.validators {
		r, n, err := v.Reconcile(ctx)
		if err != nil {
			return nil, total, fmt.Errorf("reconcile: %w", err)
		}
		reports = append(reports, r)
		total += n
	}
	s.metrics.Repaired(total)
	return reports, total, nil
}

// ReindexResult reports what Reindex filled in.
type ReindexResult struct {
	Analyses int `json:"analyses"`
	Errors   int `json:"errors"`
	Keyword  int `json:"keyword"`
}

// Reindex embeds every stored run and error that has no vector. With force it re-embeds all of them.
func (s *Service) Reindex(ctx context.Context, force bool) (res *ReindexResult, err error) {
	defer s.metrics.Observe("reindex", time.Now(), &err)
	ids, err := s.storage.ListAnalysisIDs(ctx)
	if err != nil {
		return nil, err
	}
	res = &ReindexResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, found, err := s.storage.GetAnalysis(ctx, id)
		if err != nil {
			return res, err
		}
		if !found {
			continue
		}
		if force || !s.analyses.Has(id) {
			vec, err := s.embedder.Embed(ctx, ingest.EmbeddingText(rec))
			if err != nil {
				s.metrics.EmbeddingFailed()
				return res, fmt.Errorf("embed analysis %d: %w", id, err)
			}
			if _, err := s.analyses.Add(ctx, id, vec); err != nil {
				return res, err
			}
			res.Analyses++
		}
		var missing []*models.ErrorRecord
		for _, f := range rec.Failures {
			if force || !s.errors.Has(f.ID) {
				missing = append(missing, f)
			}
		}
		res.Errors += s.indexFailures(ctx, missing)
		if s.keywordIndex != nil && force {
			if err := s.keywordIndex.IndexAnalysis(ctx, rec); err != nil {
				return res, err
			}
			res.Keyword++
		}
	}
	s.logger.Info("Reindex complete",
		zap.Int("analyses", res.Analyses),
		zap.Int("errors", res.Errors),
		zap.Int("keyword", res.Keyword))
	s.refreshSizes(ctx)
	return res, nil
}

func (s *Service) refreshSizes(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	n, err := s.storage.CountAnalyses(ctx)
	if err != nil {
		return
	}
	s.metrics.SetSizes(n, s.analyses.Stats().VectorCount, s.errors.Stats().VectorCount)
}
