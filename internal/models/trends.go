package models

import (
	"encoding/json"
	"time"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendWorsening = "worsening"
	TrendStable    = "stable"
)

// TimelineEntry is one logged failure on the error timeline.
type TimelineEntry struct {
	Timestamp   time.Time   `json:"timestamp"`
	Severity    Severity    `json:"severity"`
	FailureType FailureType `json:"failure_type"`
}

// RecentError is an error or critical log entry with its raw error shortened for display.
type RecentError struct {
	Timestamp   time.Time   `json:"timestamp"`
	Severity    Severity    `json:"severity"`
	Message     string      `json:"message"`
	Context     string      `json:"context,omitempty"`
	FailureType FailureType `json:"failure_type"`
	RawError    string      `json:"raw_error,omitempty"`
}

// ErrorAnalysis aggregates the execution logs of one codebase over a time window.
type ErrorAnalysis struct {
	CodebasePath string              `json:"codebase_path"`
	WindowDays   int                 `json:"window_days"`
	TotalLogs    int                 `json:"total_logs"`
	BySeverity   map[Severity]int    `json:"by_severity"`
	ByType       map[FailureType]int `json:"by_type"`
	Timeline     []TimelineEntry     `json:"timeline"`
	RecentErrors []RecentError       `json:"recent_errors"`
}

// TrendSeries holds one value per analysis run, oldest first.
type TrendSeries struct {
	Timestamps       []time.Time `json:"timestamps"`
	IssueCounts      []float64   `json:"issue_counts"`
	QualityScores    []float64   `json:"quality_scores"`
	ComplexityScores []float64   `json:"complexity_scores"`
}

// TrendSummary condenses a TrendSeries.
type TrendSummary struct {
	TotalAnalyses   int     `json:"total_analyses"`
	AvgIssues       float64 `json:"avg_issues"`
	QualityTrend    string  `json:"quality_trend"`
	ComplexityTrend string  `json:"complexity_trend"`
}

// AnalysisTrends is the per-run metric history of a codebase.
type AnalysisTrends struct {
	Series  TrendSeries  `json:"series"`
	Summary TrendSummary `json:"summary_stats"`
}

// TrendReport combines error analysis and metric trends for one codebase.
type TrendReport struct {
	CodebasePath string         `json:"codebase_path"`
	GeneratedAt  time.Time      `json:"generated_at"`
	Errors       ErrorAnalysis  `json:"error_analysis"`
	Analyses     AnalysisTrends `json:"analysis_trends"`
}

// ComparisonEntry is one stored comparison run.
type ComparisonEntry struct {
	ID        int64              `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Summary   string             `json:"summary"`
	Metrics   map[string]float64 `json:"metrics"`
}

// VectorMetadata describes the vector held for one analysis run.
type VectorMetadata struct {
	SlotID          int64     `json:"slot_id"`
	RecordID        int64     `json:"record_id"`
	CodebasePath    string    `json:"codebase_path"`
	AnalysisType    string    `json:"analysis_type"`
	Timestamp       time.Time `json:"timestamp"`
	VectorDimension int       `json:"vector_dimension"`
}

// SnapshotMetadata identifies the run inside an export snapshot.
type SnapshotMetadata struct {
	ID           int64          `json:"id"`
	CodebasePath string         `json:"codebase_path"`
	AnalysisType string         `json:"analysis_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Status       AnalysisStatus `json:"status"`
}

// Snapshot is the exported form of one analysis run.
type Snapshot struct {
	SnapshotID  string             `json:"snapshot_id"`
	ExportedAt  time.Time          `json:"exported_at"`
	Metadata    SnapshotMetadata   `json:"metadata"`
	Summary     string             `json:"summary"`
	Metrics     map[string]float64 `json:"metrics"`
	Failures    []*ErrorRecord     `json:"failures"`
	FullResults json.RawMessage    `json:"full_results,omitempty"`
}
