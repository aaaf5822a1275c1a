// Package models defines core data structures for analysis runs, their failures, and classification results.
package models

import (
	"encoding/json"
	"time"
)

// AnalysisStatus reports how completely an analysis run executed.
type AnalysisStatus string

const (
	StatusComplete AnalysisStatus = "complete"
	StatusPartial  AnalysisStatus = "partial"
	StatusFailed   AnalysisStatus = "failed"
)

// ParseAnalysisStatus returns the status for s. Unknown values map to StatusComplete with ok=false.
func ParseAnalysisStatus(s string) (AnalysisStatus, bool) {
	switch AnalysisStatus(s) {
	case StatusComplete, StatusPartial, StatusFailed:
		return AnalysisStatus(s), true
	}
	return StatusComplete, false
}

// AnalysisRecord is one stored analysis run.
type AnalysisRecord struct {
	ID                  int64              `json:"id"`
	CodebasePath        string             `json:"codebase_path"`
	AnalysisType        string             `json:"analysis_type"`
	Timestamp           time.Time          `json:"timestamp"`
	Summary             string             `json:"summary"`
	Metrics             map[string]float64 `json:"metrics"`
	Status              AnalysisStatus     `json:"status"`
	CoveragePercentage  float64            `json:"coverage_percentage"`
	CompletenessContext string             `json:"completeness_context,omitempty"`
	FilesDiscovered     int                `json:"files_discovered"`
	FilesAnalyzed       int                `json:"files_analyzed"`
	FilesSkipped        int                `json:"files_skipped"`
	Failures            []*ErrorRecord     `json:"failures"`
	// FullResults is the raw producer payload, kept verbatim for export.
	FullResults json.RawMessage `json:"full_results,omitempty"`
}

// Metric returns metrics[name], or 0 when unset.
func (r *AnalysisRecord) Metric(name string) float64 {
	if r.Metrics == nil {
		return 0
	}
	return r.Metrics[name]
}

// Metric names computed at ingestion.
const (
	MetricTotalIssues        = "total_issues"
	MetricQualityScore       = "quality_score"
	MetricComplexityScore    = "complexity_score"
	MetricFailureCount       = "failure_count"
	MetricAnalysisFindings   = "analysis_findings"
	MetricCoveragePercentage = "coverage_percentage"
	MetricCompletenessScore  = "completeness_score"
)

// AnalysisFilter selects analysis runs. Zero fields match everything.
type AnalysisFilter struct {
	CodebasePath string    `json:"codebase_path,omitempty"`
	AnalysisType string    `json:"analysis_type,omitempty"`
	Since        time.Time `json:"since,omitempty"`
	Until        time.Time `json:"until,omitempty"`
	// Descending orders newest first; the default is oldest first.
	Descending bool `json:"descending,omitempty"`
	Limit      int  `json:"limit,omitempty"`
}

// Matches reports whether rec satisfies the filter's field constraints (Limit and order are ignored).
func (f *AnalysisFilter) Matches(rec *AnalysisRecord) bool {
	if f == nil || rec == nil {
		return rec != nil
	}
	if f.CodebasePath != "" && rec.CodebasePath != f.CodebasePath {
		return false
	}
	if f.AnalysisType != "" && rec.AnalysisType != f.AnalysisType {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
