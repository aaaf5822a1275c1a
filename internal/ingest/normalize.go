// Package ingest turns analysis producer output into typed records and watches inbox directories for new results.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Envelope is the file format dropped into an inbox directory.
type Envelope struct {
	CodebasePath string          `json:"codebase_path"`
	AnalysisType string          `json:"analysis_type"`
	Summary      string          `json:"summary,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
	Results      json.RawMessage `json:"results"`
}

// ErrMissingCodebase is returned for envelopes without a codebase_path.
var ErrMissingCodebase = errors.New("codebase_path is required")

// ParseEnvelope decodes and checks an inbox file.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.CodebasePath) == "" {
		return nil, ErrMissingCodebase
	}
	if env.AnalysisType == "" {
		env.AnalysisType = "static"
	}
	return &env, nil
}

// Normalize converts the envelope into a record ready to store.
func (e *Envelope) Normalize() (*Normalized, error) {
	n, err := Normalize(e.CodebasePath, e.AnalysisType, e.Results, e.Summary)
	if err != nil {
		return nil, err
	}
	if e.Timestamp != nil && !e.Timestamp.IsZero() {
		ingested := n.Record.Timestamp
		n.Record.Timestamp = e.Timestamp.UTC()
		for _, f := range n.Record.Failures {
			if f.Timestamp.Equal(ingested) {
				f.Timestamp = n.Record.Timestamp
			}
		}
	}
	return n, nil
}

// RawFailure is one entry of a producer's execution_failures list.
type RawFailure struct {
	FailureType       string `json:"failure_type"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	Context           string `json:"context"`
	RawError          string `json:"raw_error"`
	Traceback         string `json:"traceback"`
	ExecutionLog      string `json:"execution_log"`
	FilePath          string `json:"file_path"`
	LineNumber        int    `json:"line_number"`
	IsAnalysisFinding *bool  `json:"is_analysis_finding"`
	Timestamp         string `json:"timestamp"`
}

// countsAsError reports an explicit tool error. Unflagged failures are treated as findings when scoring.
func (f RawFailure) countsAsError() bool {
	return f.IsAnalysisFinding != nil && !*f.IsAnalysisFinding
}

func (f RawFailure) isFinding() bool {
	return f.IsAnalysisFinding != nil && *f.IsAnalysisFinding
}

// SemgrepResult is the part of a semgrep finding we read.
type SemgrepResult struct {
	Message string `json:"message"`
	Extra   struct {
		Message string `json:"message"`
	} `json:"extra"`
}

// Text returns the finding message from either location semgrep uses.
func (s SemgrepResult) Text() string {
	if s.Message != "" {
		return s.Message
	}
	return s.Extra.Message
}

// StaticAnalysis is the static tool section of a combined result.
type StaticAnalysis struct {
	Semgrep struct {
		Results []SemgrepResult `json:"results"`
	} `json:"semgrep"`
	Summary struct {
		CoveragePercentage float64         `json:"coverage_percentage"`
		QualityMetrics     json.RawMessage `json:"quality_metrics"`
	} `json:"summary"`
	CustomAnalysis struct {
		LargeFiles []json.RawMessage `json:"large_files"`
	} `json:"custom_analysis"`
}

// DynamicAnalysis is the dynamic tool section of a combined result.
type DynamicAnalysis struct {
	ExecutionSummary json.RawMessage `json:"execution_summary"`
	CallGraph        struct {
		MostComplex []json.RawMessage `json:"most_complex"`
	} `json:"call_graph"`
}

// ScaleneProfile holds profiler totals.
type ScaleneProfile struct {
	HotSpotCount       float64 `json:"hot_spot_count"`
	PeakUsage          float64 `json:"peak_usage"`
	AllocationCount    float64 `json:"allocation_count"`
	Coverage           float64 `json:"coverage"`
	AverageCPUUsage    float64 `json:"average_cpu_usage"`
	AverageMemoryUsage float64 `json:"average_memory_usage"`
	GPUUtilization     float64 `json:"gpu_utilization"`
	ExecutionTime      float64 `json:"execution_time"`
}

// TraceProfile holds tracer totals.
type TraceProfile struct {
	CallCount      float64           `json:"call_count"`
	ExceptionCount float64           `json:"exception_count"`
	ExecutionFlow  []json.RawMessage `json:"execution_flow"`
	Coverage       float64           `json:"coverage"`
	ExecutionTime  float64           `json:"execution_time"`
}

type coverageMetrics struct {
	OverallCoverage     float64 `json:"overall_coverage"`
	CompletenessContext string  `json:"completeness_context"`
}

type completeness struct {
	Status              string           `json:"status"`
	CompletenessContext string           `json:"completeness_context"`
	CoverageMetrics     *coverageMetrics `json:"coverage_metrics"`
}

type fileCounts struct {
	FilesDiscovered int `json:"files_discovered"`
	FilesAnalyzed   int `json:"files_analyzed"`
	FilesSkipped    int `json:"files_skipped"`
}

type scriptCounts struct {
	ScriptsDiscovered int `json:"scripts_discovered"`
	ScriptsAnalyzed   int `json:"scripts_analyzed"`
	ScriptsSkipped    int `json:"scripts_skipped"`
}

// RawResult is the producer payload. Only the fields used for scoring are decoded; the rest is kept verbatim.
type RawResult struct {
	StaticAnalysis  *StaticAnalysis  `json:"static_analysis"`
	DynamicAnalysis *DynamicAnalysis `json:"dynamic_analysis"`
	Summary         *struct {
		CoveragePercentage float64 `json:"coverage_percentage"`
	} `json:"summary"`
	CustomAnalysis           *fileCounts      `json:"custom_analysis"`
	ExecutionCoverage        *scriptCounts    `json:"execution_coverage"`
	MethodCoveragePercentage *float64         `json:"method_coverage_percentage"`
	AnalysisCompleteness     *completeness    `json:"analysis_completeness"`
	CompletenessContext      string           `json:"completeness_context"`
	ExecutionFailures        []RawFailure     `json:"execution_failures"`
	FailureCount             *int             `json:"failure_count"`
	LLMAnalysis              string           `json:"llm_analysis"`
	Scalene                  *ScaleneProfile  `json:"scalene_profiling"`
	Trace                    *TraceProfile    `json:"viztracer_tracing"`
}

// Normalized is a record plus the text its analysis vector is computed from.
type Normalized struct {
	Record        *models.AnalysisRecord
	EmbeddingText string
}

const (
	embeddingLLMChars  = 500
	embeddingTopIssues = 5
)

// Normalize scores a producer payload and builds the record to store. An empty summary is generated.
func Normalize(codebasePath, analysisType string, results json.RawMessage, summary string) (*Normalized, error) {
	raw := &RawResult{}
	if len(bytes.TrimSpace(results)) > 0 && !bytes.Equal(bytes.TrimSpace(results), []byte("null")) {
		if err := json.Unmarshal(results, raw); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	now := time.Now().UTC()
	rec := &models.AnalysisRecord{
		CodebasePath: codebasePath,
		AnalysisType: analysisType,
		Timestamp:    now,
		Metrics:      CalculateMetrics(raw),
	}
	if len(results) > 0 {
		rec.FullResults = append(json.RawMessage(nil), results...)
	}
	fillCompleteness(rec, raw)
	rec.Status = DetermineStatus(raw, rec.CoveragePercentage)
	rec.Failures = convertFailures(raw.ExecutionFailures, now)
	if summary == "" {
		summary = GenerateSummary(raw)
	}
	rec.Summary = summary
	return &Normalized{Record: rec, EmbeddingText: BuildEmbeddingText(raw, summary)}, nil
}

// fillCompleteness reads coverage and file counts from the section matching the analysis type.
func fillCompleteness(rec *models.AnalysisRecord, raw *RawResult) {
	switch rec.AnalysisType {
	case "static":
		if raw.Summary != nil {
			rec.CoveragePercentage = raw.Summary.CoveragePercentage
		}
		if c := raw.CustomAnalysis; c != nil {
			rec.FilesDiscovered, rec.FilesAnalyzed, rec.FilesSkipped = c.FilesDiscovered, c.FilesAnalyzed, c.FilesSkipped
		}
		if raw.AnalysisCompleteness != nil {
			rec.CompletenessContext = raw.AnalysisCompleteness.CompletenessContext
		}
	case "dynamic":
		if raw.MethodCoveragePercentage != nil {
			rec.CoveragePercentage = *raw.MethodCoveragePercentage
		}
		if c := raw.ExecutionCoverage; c != nil {
			rec.FilesDiscovered, rec.FilesAnalyzed, rec.FilesSkipped = c.ScriptsDiscovered, c.ScriptsAnalyzed, c.ScriptsSkipped
		}
		if raw.AnalysisCompleteness != nil {
			rec.CompletenessContext = raw.AnalysisCompleteness.CompletenessContext
		}
	default:
		if ac := raw.AnalysisCompleteness; ac != nil && ac.CoverageMetrics != nil {
			rec.CoveragePercentage = ac.CoverageMetrics.OverallCoverage
			rec.CompletenessContext = ac.CoverageMetrics.CompletenessContext
		}
	}
}

func (r *RawResult) failureCount() int {
	if r.FailureCount != nil {
		return *r.FailureCount
	}
	return len(r.ExecutionFailures)
}

func (r *RawResult) actualErrors() int {
	n := 0
	for _, f := range r.ExecutionFailures {
		if f.countsAsError() {
			n++
		}
	}
	return n
}

func (r *RawResult) findings() int {
	n := 0
	for _, f := range r.ExecutionFailures {
		if f.isFinding() {
			n++
		}
	}
	return n
}

// scoringCoverage is the coverage figure used for quality and the summary line.
func (r *RawResult) scoringCoverage() float64 {
	switch {
	case r.StaticAnalysis != nil:
		return r.StaticAnalysis.Summary.CoveragePercentage
	case r.MethodCoveragePercentage != nil:
		return *r.MethodCoveragePercentage
	case r.AnalysisCompleteness != nil && r.AnalysisCompleteness.CoverageMetrics != nil:
		return r.AnalysisCompleteness.CoverageMetrics.OverallCoverage
	}
	return 0
}

// DetermineStatus rates how completely the run executed.
// Failures make a run partial, or failed when every failure is a tool error.
// A clean run with coverage under 100% is partial.
func DetermineStatus(raw *RawResult, coverage float64) models.AnalysisStatus {
	if total := raw.failureCount(); total > 0 {
		if errs := raw.actualErrors(); errs > 0 && errs >= total {
			return models.StatusFailed
		}
		return models.StatusPartial
	}
	if coverage < 100 {
		return models.StatusPartial
	}
	return models.StatusComplete
}

func coveragePenalty(coverage float64) float64 {
	switch {
	case coverage < 50:
		return 30
	case coverage < 80:
		return 15
	case coverage < 100:
		return 5
	}
	return 0
}

// CalculateMetrics computes the trend metrics for a run.
func CalculateMetrics(raw *RawResult) map[string]float64 {
	m := make(map[string]float64)
	issues := 0
	if raw.StaticAnalysis != nil {
		issues = len(raw.StaticAnalysis.Semgrep.Results)
	}
	issues += raw.actualErrors()
	m[models.MetricTotalIssues] = float64(issues)

	coverage := raw.scoringCoverage()
	quality := 100 - math.Min(float64(issues)*2, 50) - coveragePenalty(coverage)

	complexity := 0
	if raw.DynamicAnalysis != nil {
		complexity += len(raw.DynamicAnalysis.CallGraph.MostComplex)
	}
	if raw.StaticAnalysis != nil {
		complexity += len(raw.StaticAnalysis.CustomAnalysis.LargeFiles)
	}
	m[models.MetricComplexityScore] = float64(complexity)
	m[models.MetricFailureCount] = float64(raw.failureCount())
	m[models.MetricAnalysisFindings] = float64(raw.findings())
	m[models.MetricCoveragePercentage] = coverage
	m[models.MetricCompletenessScore] = coverage

	if s := raw.Scalene; s != nil {
		m["cpu_hotspots"] = s.HotSpotCount
		m["peak_memory_mb"] = s.PeakUsage
		m["memory_allocations"] = s.AllocationCount
		m["cpu_coverage"] = s.Coverage
		m["average_cpu_usage"] = s.AverageCPUUsage
		m["average_memory_usage"] = s.AverageMemoryUsage
		m["gpu_utilization"] = s.GPUUtilization
		m["scalene_execution_time"] = s.ExecutionTime
		quality -= math.Min(s.PeakUsage/100, 10) + math.Min(s.HotSpotCount/5, 10)
	}
	if t := raw.Trace; t != nil {
		m["function_calls"] = t.CallCount
		m["exceptions_traced"] = t.ExceptionCount
		m["execution_flow_complexity"] = float64(len(t.ExecutionFlow))
		m["trace_coverage"] = t.Coverage
		m["viztracer_execution_time"] = t.ExecutionTime
		quality -= math.Min(t.ExceptionCount/2, 10) + math.Min(float64(len(t.ExecutionFlow))/100, 5)
	}
	m[models.MetricQualityScore] = math.Max(quality, 0)
	return m
}

// rawText renders a free-form JSON value for a summary line. Strings are unquoted.
func rawText(v json.RawMessage, empty string) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return empty
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, v) == nil {
		return buf.String()
	}
	return string(v)
}

// GenerateSummary builds the human readable summary stored with a run.
func GenerateSummary(raw *RawResult) string {
	issues := 0
	quality := "{}"
	if raw.StaticAnalysis != nil {
		issues = len(raw.StaticAnalysis.Semgrep.Results)
		quality = rawText(raw.StaticAnalysis.Summary.QualityMetrics, "{}")
	}
	dynamic := "No data"
	if raw.DynamicAnalysis != nil {
		dynamic = rawText(raw.DynamicAnalysis.ExecutionSummary, "No data")
	}
	parts := []string{
		fmt.Sprintf("Issues found: %d", issues),
		"Code quality: " + quality,
		"Dynamic analysis: " + dynamic,
		fmt.Sprintf("Analysis coverage: %.1f%%", raw.scoringCoverage()),
	}

	if n := len(raw.ExecutionFailures); n > 0 {
		findings := raw.findings()
		status := "unknown"
		if raw.AnalysisCompleteness != nil && raw.AnalysisCompleteness.Status != "" {
			status = raw.AnalysisCompleteness.Status
		}
		parts = append(parts,
			"Analysis completeness: "+status,
			fmt.Sprintf("Execution failures: %d total (%d findings, %d errors)", n, findings, n-findings))
		ctx := raw.CompletenessContext
		if ac := raw.AnalysisCompleteness; ac != nil && ac.CoverageMetrics != nil {
			ctx = ac.CoverageMetrics.CompletenessContext
		}
		if ctx != "" {
			parts = append(parts, "Completeness context: "+ctx)
		}
	}

	if s := raw.Scalene; s != nil {
		parts = append(parts,
			fmt.Sprintf("Scalene: %.0f CPU hotspots, %.1fMB peak memory, %.2f%% CPU coverage", s.HotSpotCount, s.PeakUsage, s.Coverage),
			fmt.Sprintf("Scalene execution: %.2fs, %.1f%% CPU, %.1fMB avg memory", s.ExecutionTime, s.AverageCPUUsage, s.AverageMemoryUsage))
		if s.GPUUtilization > 0 {
			parts = append(parts, fmt.Sprintf("GPU utilization: %.1f%%", s.GPUUtilization))
		}
	}
	if t := raw.Trace; t != nil {
		parts = append(parts,
			fmt.Sprintf("VizTracer: %.0f function calls, %.0f exceptions traced, %.2f%% trace coverage", t.CallCount, t.ExceptionCount, t.Coverage),
			fmt.Sprintf("VizTracer execution: %.2fs, %d execution flow points", t.ExecutionTime, len(t.ExecutionFlow)))
	}
	return strings.Join(parts, ". ")
}

// BuildEmbeddingText is the summary, the head of the LLM analysis and the top issue messages.
func BuildEmbeddingText(raw *RawResult, summary string) string {
	parts := []string{summary}
	if raw.LLMAnalysis != "" {
		parts = append(parts, utils.Prefix(raw.LLMAnalysis, embeddingLLMChars))
	}
	if raw.StaticAnalysis != nil {
		issues := raw.StaticAnalysis.Semgrep.Results
		if len(issues) > embeddingTopIssues {
			issues = issues[:embeddingTopIssues]
		}
		for _, issue := range issues {
			parts = append(parts, issue.Text())
		}
	}
	return strings.Join(parts, ". ")
}

// EmbeddingText rebuilds the analysis embedding text for a stored record.
func EmbeddingText(rec *models.AnalysisRecord) string {
	raw := &RawResult{}
	if len(rec.FullResults) > 0 {
		if err := json.Unmarshal(rec.FullResults, raw); err != nil {
			return rec.Summary
		}
	}
	return BuildEmbeddingText(raw, rec.Summary)
}

var failureTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

func parseFailureTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range failureTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func convertFailures(raw []RawFailure, now time.Time) []*models.ErrorRecord {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*models.ErrorRecord, 0, len(raw))
	for _, f := range raw {
		sev, err := models.ParseSeverity(f.Severity)
		if err != nil {
			sev = models.SeverityError
		}
		rawErr := f.RawError
		if rawErr == "" {
			rawErr = f.ExecutionLog
		}
		out = append(out, &models.ErrorRecord{
			FailureType:       models.ParseFailureType(f.FailureType),
			Severity:          sev,
			Message:           f.Message,
			Context:           f.Context,
			RawError:          rawErr,
			Traceback:         f.Traceback,
			FilePath:          f.FilePath,
			LineNumber:        f.LineNumber,
			IsAnalysisFinding: f.isFinding(),
			Timestamp:         parseFailureTime(f.Timestamp, now),
		})
	}
	return out
}

// ParseFailures decodes a bare execution_failures list, as posted to the classify endpoint.
func ParseFailures(data []byte) ([]*models.ErrorRecord, error) {
	var raw []RawFailure
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	return convertFailures(raw, time.Now().UTC()), nil
}
