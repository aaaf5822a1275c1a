package ingest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

func mustNormalize(t *testing.T, analysisType, results string) *Normalized {
	t.Helper()
	n, err := Normalize("/repo", analysisType, json.RawMessage(results), "")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return n
}

func TestNormalize_StatusAndMetrics(t *testing.T) {
	tests := []struct {
		name         string
		analysisType string
		results      string
		wantStatus   models.AnalysisStatus
		wantIssues   float64
		wantQuality  float64
	}{
		{
			name:         "clean full coverage",
			analysisType: "static",
			results: `{"summary":{"coverage_percentage":100},
				"static_analysis":{"summary":{"coverage_percentage":100},
				"semgrep":{"results":[{"message":"a"},{"message":"b"},{"message":"c"}]}}}`,
			wantStatus:  models.StatusComplete,
			wantIssues:  3,
			wantQuality: 94,
		},
		{
			name:         "one tool error among two failures",
			analysisType: "dynamic",
			results: `{"method_coverage_percentage":40,"failure_count":2,"execution_failures":[
				{"failure_type":"IMPORT_ERROR","message":"x","is_analysis_finding":false},
				{"failure_type":"RUNTIME_ERROR","message":"y","is_analysis_finding":true}]}`,
			wantStatus:  models.StatusPartial,
			wantIssues:  1,
			wantQuality: 68,
		},
		{
			name:         "every failure is a tool error",
			analysisType: "dynamic",
			results: `{"method_coverage_percentage":100,"execution_failures":[
				{"failure_type":"TOOL_ERROR","message":"x","is_analysis_finding":false},
				{"failure_type":"TIMEOUT_ERROR","message":"y","is_analysis_finding":false}]}`,
			wantStatus:  models.StatusFailed,
			wantIssues:  2,
			wantQuality: 96,
		},
		{
			name:         "only findings",
			analysisType: "dynamic",
			results: `{"method_coverage_percentage":100,"execution_failures":[
				{"failure_type":"IMPORT_ERROR","message":"x","is_analysis_finding":true}]}`,
			wantStatus:  models.StatusPartial,
			wantIssues:  0,
			wantQuality: 100,
		},
		{
			name:         "unflagged failures count as findings",
			analysisType: "dynamic",
			results:      `{"method_coverage_percentage":100,"execution_failures":[{"message":"x"}]}`,
			wantStatus:   models.StatusPartial,
			wantIssues:   0,
			wantQuality:  100,
		},
		{
			name:         "incomplete coverage",
			analysisType: "dynamic",
			results:      `{"method_coverage_percentage":90}`,
			wantStatus:   models.StatusPartial,
			wantIssues:   0,
			wantQuality:  95,
		},
		{
			name:         "comparison coverage",
			analysisType: "comparison",
			results:      `{"analysis_completeness":{"coverage_metrics":{"overall_coverage":100,"completeness_context":"all files"}}}`,
			wantStatus:   models.StatusComplete,
			wantIssues:   0,
			wantQuality:  100,
		},
		{
			name:         "empty payload",
			analysisType: "static",
			results:      ``,
			wantStatus:   models.StatusPartial,
			wantIssues:   0,
			wantQuality:  70,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := mustNormalize(t, tt.analysisType, tt.results)
			rec := n.Record
			if rec.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if got := rec.Metric(models.MetricTotalIssues); got != tt.wantIssues {
				t.Errorf("total_issues = %v, want %v", got, tt.wantIssues)
			}
			if got := rec.Metric(models.MetricQualityScore); got != tt.wantQuality {
				t.Errorf("quality_score = %v, want %v", got, tt.wantQuality)
			}
		})
	}
}

func TestNormalize_CompletenessByType(t *testing.T) {
	static := mustNormalize(t, "static", `{"summary":{"coverage_percentage":75},
		"custom_analysis":{"files_discovered":10,"files_analyzed":8,"files_skipped":2},
		"analysis_completeness":{"completeness_context":"2 files too large"}}`).Record
	if static.CoveragePercentage != 75 || static.FilesDiscovered != 10 || static.FilesAnalyzed != 8 || static.FilesSkipped != 2 {
		t.Errorf("static completeness: %+v", static)
	}
	if static.CompletenessContext != "2 files too large" {
		t.Errorf("static context = %q", static.CompletenessContext)
	}

	dynamic := mustNormalize(t, "dynamic", `{"method_coverage_percentage":60,
		"execution_coverage":{"scripts_discovered":4,"scripts_analyzed":3,"scripts_skipped":1}}`).Record
	if dynamic.CoveragePercentage != 60 || dynamic.FilesDiscovered != 4 || dynamic.FilesSkipped != 1 {
		t.Errorf("dynamic completeness: %+v", dynamic)
	}

	cmp := mustNormalize(t, "comparison", `{"analysis_completeness":{"coverage_metrics":{"overall_coverage":55,"completeness_context":"b missing"}}}`).Record
	if cmp.CoveragePercentage != 55 || cmp.CompletenessContext != "b missing" {
		t.Errorf("comparison completeness: %+v", cmp)
	}
}

func TestCalculateMetrics_Profilers(t *testing.T) {
	flow := make([]string, 50)
	for i := range flow {
		flow[i] = `"f"`
	}
	results := `{"static_analysis":{"summary":{"coverage_percentage":100},"custom_analysis":{"large_files":["a","b"]}},
		"dynamic_analysis":{"call_graph":{"most_complex":["x"]}},
		"scalene_profiling":{"peak_usage":500,"hot_spot_count":20,"gpu_utilization":0},
		"viztracer_tracing":{"exception_count":4,"call_count":120,"execution_flow":[` + strings.Join(flow, ",") + `]}}`
	m := mustNormalize(t, "static", results).Record.Metrics

	if m[models.MetricComplexityScore] != 3 {
		t.Errorf("complexity_score = %v, want 3", m[models.MetricComplexityScore])
	}
	// 100 - (5 memory + 4 hotspots) - (2 exceptions + 0.5 flow)
	if m[models.MetricQualityScore] != 88.5 {
		t.Errorf("quality_score = %v, want 88.5", m[models.MetricQualityScore])
	}
	if m["cpu_hotspots"] != 20 || m["function_calls"] != 120 || m["execution_flow_complexity"] != 50 {
		t.Errorf("profiler metrics missing: %v", m)
	}
}

func TestCalculateMetrics_QualityFloor(t *testing.T) {
	var issues []string
	for i := 0; i < 40; i++ {
		issues = append(issues, `{"message":"m"}`)
	}
	results := `{"static_analysis":{"summary":{"coverage_percentage":10},"semgrep":{"results":[` + strings.Join(issues, ",") + `]}},
		"scalene_profiling":{"peak_usage":5000,"hot_spot_count":500}}`
	m := mustNormalize(t, "static", results).Record.Metrics
	if m[models.MetricQualityScore] != 0 {
		t.Errorf("quality_score = %v, want 0", m[models.MetricQualityScore])
	}
}

func TestGenerateSummary(t *testing.T) {
	n := mustNormalize(t, "static", `{"static_analysis":{"summary":{"coverage_percentage":87.5,"quality_metrics":{"maintainability":"A"}},
		"semgrep":{"results":[{"message":"a"},{"extra":{"message":"b"}}]}}}`)
	want := `Issues found: 2. Code quality: {"maintainability":"A"}. Dynamic analysis: No data. Analysis coverage: 87.5%`
	if n.Record.Summary != want {
		t.Errorf("summary =\n%q\nwant\n%q", n.Record.Summary, want)
	}

	withFailures := mustNormalize(t, "dynamic", `{"method_coverage_percentage":50,
		"dynamic_analysis":{"execution_summary":"3 scripts ran"},
		"analysis_completeness":{"status":"partial","coverage_metrics":{"overall_coverage":50,"completeness_context":"1 script timed out"}},
		"execution_failures":[{"message":"a","is_analysis_finding":true},{"message":"b","is_analysis_finding":false}]}`)
	for _, part := range []string{
		"Dynamic analysis: 3 scripts ran",
		"Analysis coverage: 50.0%",
		"Analysis completeness: partial",
		"Execution failures: 2 total (1 findings, 1 errors)",
		"Completeness context: 1 script timed out",
	} {
		if !strings.Contains(withFailures.Record.Summary, part) {
			t.Errorf("summary %q missing %q", withFailures.Record.Summary, part)
		}
	}
}

func TestNormalize_KeepsGivenSummary(t *testing.T) {
	n, err := Normalize("/repo", "static", json.RawMessage(`{}`), "hand written")
	if err != nil {
		t.Fatal(err)
	}
	if n.Record.Summary != "hand written" || !strings.HasPrefix(n.EmbeddingText, "hand written") {
		t.Errorf("summary=%q embedding=%q", n.Record.Summary, n.EmbeddingText)
	}
}

func TestBuildEmbeddingText(t *testing.T) {
	var issues []string
	for i := 0; i < 7; i++ {
		issues = append(issues, `{"message":"issue`+string(rune('0'+i))+`"}`)
	}
	llm := strings.Repeat("x", 600)
	results := `{"llm_analysis":"` + llm + `","static_analysis":{"semgrep":{"results":[` + strings.Join(issues, ",") + `]}}}`
	n, err := Normalize("/repo", "static", json.RawMessage(results), "sum")
	if err != nil {
		t.Fatal(err)
	}
	want := "sum. " + strings.Repeat("x", 500) + ". issue0. issue1. issue2. issue3. issue4"
	if n.EmbeddingText != want {
		t.Errorf("embedding text has %d chars, want %d", len(n.EmbeddingText), len(want))
	}
	if got := EmbeddingText(n.Record); got != want {
		t.Errorf("EmbeddingText(record) differs from ingest text")
	}
}

func TestNormalize_Failures(t *testing.T) {
	n := mustNormalize(t, "dynamic", `{"execution_failures":[
		{"failure_type":"DEPENDENCY_MISSING","severity":"CRITICAL","message":"No module named 'numpy'",
		 "context":"import numpy","traceback":"Traceback...","file_path":"app/run.py","line_number":12,
		 "is_analysis_finding":false,"timestamp":"2024-05-01T10:00:00"},
		{"failure_type":"weird","severity":"loud","message":"?","execution_log":"log tail"}]}`)
	fs := n.Record.Failures
	if len(fs) != 2 {
		t.Fatalf("got %d failures", len(fs))
	}
	f := fs[0]
	if f.FailureType != models.FailureDependency || f.Severity != models.SeverityCritical {
		t.Errorf("first failure: %+v", f)
	}
	if f.FilePath != "app/run.py" || f.LineNumber != 12 || f.Traceback != "Traceback..." || f.IsAnalysisFinding {
		t.Errorf("first failure fields: %+v", f)
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !f.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", f.Timestamp, want)
	}
	g := fs[1]
	if g.FailureType != models.FailureUnknown || g.Severity != models.SeverityError || g.RawError != "log tail" {
		t.Errorf("second failure: %+v", g)
	}
}

func TestNormalize_BadJSON(t *testing.T) {
	if _, err := Normalize("/repo", "static", json.RawMessage(`{"static_analysis":`), ""); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"codebase_path":"/repo","timestamp":"2024-01-02T03:04:05Z","results":{"method_coverage_percentage":100}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.AnalysisType != "static" {
		t.Errorf("default analysis type = %q", env.AnalysisType)
	}
	n, err := env.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC); !n.Record.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v", n.Record.Timestamp)
	}

	if _, err := ParseEnvelope([]byte(`{"results":{}}`)); !errors.Is(err, ErrMissingCodebase) {
		t.Errorf("expected ErrMissingCodebase, got %v", err)
	}
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseFailures(t *testing.T) {
	errs, err := ParseFailures([]byte(`[{"failure_type":"timeout_error","message":"slow"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].FailureType != models.FailureTimeout || errs[0].Timestamp.IsZero() {
		t.Errorf("ParseFailures: %+v", errs)
	}
}
