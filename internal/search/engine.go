package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Engine runs hybrid (keyword + semantic) search over analyses and errors.
type Engine struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	analyses     *vector.Manager
	errors       *vector.Manager
	keywordIndex keyword.KeywordIndex
	config       *config.SearchConfig
	logger       *zap.Logger
}

// NewEngine creates a search engine. keywordIndex may be nil, which disables keyword search.
func NewEngine(
	store storage.Storage,
	embedder embedding.Embedder,
	analyses, errorIdx *vector.Manager,
	keywordIndex keyword.KeywordIndex,
	cfg *config.SearchConfig,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.SearchConfig{}
	}
	return &Engine{
		storage:      store,
		embedder:     embedder,
		analyses:     analyses,
		errors:       errorIdx,
		keywordIndex: keywordIndex,
		config:       cfg,
		logger:       logger,
	}
}

func (e *Engine) topK(limit int) int {
	if e.config.TopKCandidates > limit {
		return e.config.TopKCandidates
	}
	return limit
}

// collect runs the enabled searches concurrently and returns fused, min-score filtered results.
func (e *Engine) collect(ctx context.Context, query *models.SearchQuery, kind keyword.Kind,
	manager *vector.Manager, accept func(int64) bool) ([]*FusedResult, error) {
	if e.keywordIndex == nil {
		query.KeywordEnabled = false
		query.SemanticEnabled = true
	}
	kwWeight, semWeight := weights(query, e.config)
	k := e.topK(query.Limit)

	var (
		keywordResults []*keyword.KeywordResult
		semantic       []vector.Match
		errChan        = make(chan error, 2)
		wg             sync.WaitGroup
	)

	if kwWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := &keyword.SearchOptions{Kind: kind, CodebasePath: query.CodebasePath, TitleBoost: 1.5, FuzzyEnabled: true}
			results, err := e.keywordIndex.Search(ctx, query.Query, k, opts)
			if err != nil {
				errChan <- fmt.Errorf("keyword search failed: %w", err)
				return
			}
			keywordResults = results
		}()
	}

	if semWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryEmbedding, err := e.embedder.Embed(ctx, query.Query)
			if err != nil {
				errChan <- fmt.Errorf("embedding failed: %w", err)
				return
			}
			results, err := manager.Search(ctx, queryEmbedding, k, accept)
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semantic = results
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	if accept != nil {
		kept := keywordResults[:0]
		for _, r := range keywordResults {
			if accept(r.RecordID) {
				kept = append(kept, r)
			}
		}
		keywordResults = kept
	}
	fused := Fuse(NormalizeKeywordScores(keywordResults), SemanticScores(semantic), kwWeight, semWeight)
	return FilterMinScore(fused, query.MinScore), nil
}

// analysisFilter returns an accept func restricting hits to runs matching filter, or nil.
func (e *Engine) analysisFilter(ctx context.Context, filter *models.AnalysisFilter) (func(int64) bool, error) {
	if filter == nil || (filter.CodebasePath == "" && filter.AnalysisType == "" && filter.Since.IsZero() && filter.Until.IsZero()) {
		return nil, nil
	}
	scoped := *filter
	scoped.Limit = 0
	recs, err := e.storage.QueryAnalyses(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	allowed := make(map[int64]bool, len(recs))
	for _, r := range recs {
		allowed[r.ID] = true
	}
	return func(id int64) bool { return allowed[id] }, nil
}

// SearchAnalyses returns the stored runs most similar to the query text.
func (e *Engine) SearchAnalyses(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	return e.SearchAnalysesWithin(ctx, query, query.Filter())
}

// SearchAnalysesWithin is SearchAnalyses restricted to runs matching filter, including its time bounds.
func (e *Engine) SearchAnalysesWithin(ctx context.Context, query *models.SearchQuery, filter *models.AnalysisFilter) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.config); err != nil {
		return nil, err
	}
	accept, err := e.analysisFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	fused, err := e.collect(ctx, query, keyword.KindAnalysis, e.analyses, accept)
	if err != nil {
		return nil, err
	}

	response := &models.SearchResponse{
		Analyses: make([]*models.AnalysisHit, 0, query.Limit),
		Query:    query.Query,
	}
	for _, r := range fused {
		if len(response.Analyses) == query.Limit {
			break
		}
		rec, found, err := e.storage.GetAnalysis(ctx, r.RecordID)
		if err != nil {
			return nil, err
		}
		if !found {
			e.logger.Warn("Search hit for missing analysis", zap.Int64("analysis_id", r.RecordID))
			continue
		}
		response.Analyses = append(response.Analyses, &models.AnalysisHit{
			Analysis:      rec,
			Score:         r.Score,
			KeywordScore:  r.KeywordScore,
			SemanticScore: r.SemanticScore,
			Rank:          len(response.Analyses) + 1,
		})
	}
	response.Total = len(response.Analyses)
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// SearchErrors returns the stored errors most similar to the query text.
func (e *Engine) SearchErrors(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.config); err != nil {
		return nil, err
	}
	var accept func(int64) bool
	if query.CodebasePath != "" {
		errs, err := e.storage.QueryErrors(ctx, &models.ErrorFilter{CodebasePath: query.CodebasePath})
		if err != nil {
			return nil, err
		}
		allowed := make(map[int64]bool, len(errs))
		for _, r := range errs {
			allowed[r.ID] = true
		}
		accept = func(id int64) bool { return allowed[id] }
	}
	fused, err := e.collect(ctx, query, keyword.KindError, e.errors, accept)
	if err != nil {
		return nil, err
	}

	response := &models.SearchResponse{
		Errors: make([]*models.ErrorHit, 0, query.Limit),
		Query:  query.Query,
	}
	codebases := make(map[int64]string)
	for _, r := range fused {
		if len(response.Errors) == query.Limit {
			break
		}
		rec, found, err := e.storage.GetError(ctx, r.RecordID)
		if err != nil {
			return nil, err
		}
		if !found {
			e.logger.Warn("Search hit for missing error", zap.Int64("error_id", r.RecordID))
			continue
		}
		codebase, ok := codebases[rec.AnalysisID]
		if !ok {
			if parent, found, err := e.storage.GetAnalysis(ctx, rec.AnalysisID); err == nil && found {
				codebase = parent.CodebasePath
			}
			codebases[rec.AnalysisID] = codebase
		}
		response.Errors = append(response.Errors, &models.ErrorHit{
			Error:         rec,
			CodebasePath:  codebase,
			Score:         r.Score,
			KeywordScore:  r.KeywordScore,
			SemanticScore: r.SemanticScore,
			Rank:          len(response.Errors) + 1,
		})
	}
	response.Total = len(response.Errors)
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// SearchKeyword runs keyword-only search over both record kinds.
func (e *Engine) SearchKeyword(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	if e.keywordIndex == nil {
		return nil, fmt.Errorf("keyword index is not configured")
	}
	query.KeywordEnabled, query.SemanticEnabled = true, false
	analyses, err := e.SearchAnalyses(ctx, query)
	if err != nil {
		return nil, err
	}
	errs, err := e.SearchErrors(ctx, query)
	if err != nil {
		return nil, err
	}
	analyses.Errors = errs.Errors
	analyses.Total += errs.Total
	analyses.QueryTime += errs.QueryTime
	return analyses, nil
}
