package models

import (
	"testing"
	"time"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   *SearchQuery
		wantErr bool
	}{
		{"empty query", &SearchQuery{Query: ""}, true},
		{"valid query", &SearchQuery{Query: "hello"}, false},
		{"sets default limit", &SearchQuery{Query: "x", Limit: 0}, false},
		{"caps limit at 100", &SearchQuery{Query: "x", Limit: 200}, false},
		{"enables semantic when both false", &SearchQuery{Query: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.query.Limit == 0 {
				t.Error("expected default limit to be set")
			}
			if tt.query.Limit > 100 {
				t.Errorf("expected limit capped at 100, got %d", tt.query.Limit)
			}
			if !tt.query.SemanticEnabled && !tt.query.KeywordEnabled {
				t.Error("expected at least one search type enabled")
			}
		})
	}
}

func TestAnalysisFilter_Matches(t *testing.T) {
	now := time.Now()
	rec := &AnalysisRecord{CodebasePath: "/repo", AnalysisType: "static", Timestamp: now}
	tests := []struct {
		name   string
		filter *AnalysisFilter
		want   bool
	}{
		{"empty filter", &AnalysisFilter{}, true},
		{"codebase match", &AnalysisFilter{CodebasePath: "/repo"}, true},
		{"codebase mismatch", &AnalysisFilter{CodebasePath: "/other"}, false},
		{"type mismatch", &AnalysisFilter{AnalysisType: "dynamic"}, false},
		{"since excludes", &AnalysisFilter{Since: now.Add(time.Hour)}, false},
		{"until excludes", &AnalysisFilter{Until: now.Add(-time.Hour)}, false},
		{"window includes", &AnalysisFilter{Since: now.Add(-time.Hour), Until: now.Add(time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(rec); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFailureType(t *testing.T) {
	cases := map[string]FailureType{
		"IMPORT_ERROR":   FailureImport,
		"syntax_error":   FailureSyntax,
		" Timeout_Error": FailureTimeout,
		"":               FailureUnknown,
		"weird":          FailureUnknown,
		"DEPENDENCY_MISSING": FailureDependency,
		"TOOL_ERROR":     FailureToolExecution,
	}
	for in, want := range cases {
		if got := ParseFailureType(in); got != want {
			t.Errorf("ParseFailureType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity("CRITICAL"); err != nil || s != SeverityCritical {
		t.Errorf("CRITICAL -> %s, %v", s, err)
	}
	if s, err := ParseSeverity(""); err != nil || s != SeverityError {
		t.Errorf("empty -> %s, %v", s, err)
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if !SeverityCritical.AtLeastError() || SeverityWarning.AtLeastError() {
		t.Error("AtLeastError wrong")
	}
}

func TestParseAnalysisStatus(t *testing.T) {
	if s, ok := ParseAnalysisStatus("partial"); !ok || s != StatusPartial {
		t.Errorf("partial -> %s, %v", s, ok)
	}
	if _, ok := ParseAnalysisStatus("bogus"); ok {
		t.Error("bogus should not parse")
	}
}
