package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/kioku/internal/models"
)

func TestNewSnapshot(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &models.AnalysisRecord{
		ID:           7,
		CodebasePath: "/repo",
		AnalysisType: "static",
		Timestamp:    ts,
		Summary:      "Issues found: 2",
		Status:       models.StatusPartial,
		FullResults:  json.RawMessage(`{"static_analysis":{}}`),
	}
	a, b := NewSnapshot(rec), NewSnapshot(rec)
	if a.SnapshotID == "" || a.SnapshotID == b.SnapshotID {
		t.Errorf("snapshot ids should be unique, got %q and %q", a.SnapshotID, b.SnapshotID)
	}
	if a.Metadata.ID != 7 || a.Metadata.CodebasePath != "/repo" || !a.Metadata.Timestamp.Equal(ts) {
		t.Errorf("metadata = %+v", a.Metadata)
	}
	if a.Metrics == nil || a.Failures == nil {
		t.Error("nil metrics/failures should export as empty values")
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, a); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"snapshot_id", "metadata", "summary", "metrics", "failures", "full_results"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("snapshot JSON missing %q", key)
		}
	}
}

func TestWriteTrendsWorkbook(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &models.TrendReport{
		CodebasePath: "/repo",
		Errors: models.ErrorAnalysis{
			TotalLogs:  2,
			BySeverity: map[models.Severity]int{models.SeverityError: 1, models.SeverityWarning: 1},
			ByType:     map[models.FailureType]int{models.FailureImport: 1, models.FailureTimeout: 1},
			RecentErrors: []models.RecentError{
				{Timestamp: ts, Severity: models.SeverityError, FailureType: models.FailureImport, Message: "No module named x"},
			},
		},
		Analyses: models.AnalysisTrends{
			Series: models.TrendSeries{
				Timestamps:       []time.Time{ts, ts.Add(time.Hour)},
				IssueCounts:      []float64{4, 2},
				QualityScores:    []float64{80, 90},
				ComplexityScores: []float64{3, 3},
			},
			Summary: models.TrendSummary{TotalAnalyses: 2, AvgIssues: 3, QualityTrend: models.TrendImproving, ComplexityTrend: models.TrendStable},
		},
	}
	var buf bytes.Buffer
	if err := WriteTrendsWorkbook(&buf, report); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	want := []string{SheetRuns, SheetSeverity, SheetTypes, SheetRecent}
	if len(sheets) != len(want) {
		t.Fatalf("sheets = %v, want %v", sheets, want)
	}
	for i := range want {
		if sheets[i] != want[i] {
			t.Errorf("sheet %d = %q, want %q", i, sheets[i], want[i])
		}
	}
	if v, _ := f.GetCellValue(SheetRuns, "C3"); v != "90" {
		t.Errorf("Runs!C3 = %q, want 90", v)
	}
	if v, _ := f.GetCellValue(SheetTypes, "A2"); v != string(models.FailureImport) {
		t.Errorf("types sorted: A2 = %q", v)
	}
	if v, _ := f.GetCellValue(SheetRecent, "D2"); v != "No module named x" {
		t.Errorf("Recent Errors!D2 = %q", v)
	}
}
