package models

import (
	"fmt"
	"time"
)

// SearchQuery is a similar-analysis (or similar-error) search request.
type SearchQuery struct {
	Query           string `json:"query"`
	Limit           int    `json:"limit,omitempty"`
	CodebasePath    string `json:"codebase_path,omitempty"`
	AnalysisType    string `json:"analysis_type,omitempty"`
	KeywordEnabled  bool   `json:"keyword_enabled,omitempty"`
	SemanticEnabled bool   `json:"semantic_enabled,omitempty"`
	// MinScore drops hits whose fused score is below it.
	MinScore float64 `json:"min_score,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty; otherwise normalizes limit and enables at least one search type.
func (q *SearchQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 5
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.SemanticEnabled = true
	}
	return nil
}

// Filter converts the query's constraints to an AnalysisFilter.
func (q *SearchQuery) Filter() *AnalysisFilter {
	return &AnalysisFilter{CodebasePath: q.CodebasePath, AnalysisType: q.AnalysisType}
}

// AnalysisHit is one similar-analysis search result.
type AnalysisHit struct {
	Analysis      *AnalysisRecord `json:"analysis"`
	Score         float64         `json:"score"`
	SemanticScore float64         `json:"semantic_score"`
	KeywordScore  float64         `json:"keyword_score"`
	Rank          int             `json:"rank"`
}

// ErrorHit is one similar-error search result.
type ErrorHit struct {
	Error         *ErrorRecord `json:"error"`
	CodebasePath  string       `json:"codebase_path,omitempty"`
	Score         float64      `json:"score"`
	SemanticScore float64      `json:"semantic_score"`
	KeywordScore  float64      `json:"keyword_score"`
	Rank          int          `json:"rank"`
}

// SearchResponse wraps search hits.
type SearchResponse struct {
	Analyses  []*AnalysisHit `json:"analyses,omitempty"`
	Errors    []*ErrorHit    `json:"errors,omitempty"`
	Total     int            `json:"total"`
	QueryTime int64          `json:"query_time_ms"`
	Query     string         `json:"query"`
}

// ErrorFilter selects error records across runs.
type ErrorFilter struct {
	CodebasePath string
	Since        time.Time
	AnalysisID   int64
	// MinSeverity, when set, drops records below it.
	MinSeverity Severity
}
