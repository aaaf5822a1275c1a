package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/kioku/internal/models"
)

// Sheet names in a trends workbook.
const (
	SheetRuns     = "Runs"
	SheetSeverity = "Severity"
	SheetTypes    = "Failure Types"
	SheetRecent   = "Recent Errors"
)

// WriteTrendsWorkbook writes report as an XLSX workbook: one sheet for the per-run series, one each
// for severity and failure-type counts, one for recent errors.
func WriteTrendsWorkbook(w io.Writer, report *models.TrendReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetRuns); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	series := report.Analyses.Series
	runs := [][]any{{"Timestamp", "Total Issues", "Quality Score", "Complexity Score"}}
	for i, ts := range series.Timestamps {
		runs = append(runs, []any{
			ts.UTC().Format(time.RFC3339),
			series.IssueCounts[i],
			series.QualityScores[i],
			series.ComplexityScores[i],
		})
	}
	summary := report.Analyses.Summary
	runs = append(runs,
		[]any{},
		[]any{"Total Analyses", summary.TotalAnalyses},
		[]any{"Average Issues", summary.AvgIssues},
		[]any{"Quality Trend", summary.QualityTrend},
		[]any{"Complexity Trend", summary.ComplexityTrend},
	)
	if err := writeRows(f, SheetRuns, runs); err != nil {
		return err
	}

	severity := [][]any{{"Severity", "Count"}}
	for _, sev := range models.Severities {
		severity = append(severity, []any{string(sev), report.Errors.BySeverity[sev]})
	}
	if err := addSheet(f, SheetSeverity, severity); err != nil {
		return err
	}

	types := make([]string, 0, len(report.Errors.ByType))
	for ft := range report.Errors.ByType {
		types = append(types, string(ft))
	}
	sort.Strings(types)
	typeRows := [][]any{{"Failure Type", "Count"}}
	for _, ft := range types {
		typeRows = append(typeRows, []any{ft, report.Errors.ByType[models.FailureType(ft)]})
	}
	if err := addSheet(f, SheetTypes, typeRows); err != nil {
		return err
	}

	recent := [][]any{{"Timestamp", "Severity", "Failure Type", "Message", "Context", "Raw Error"}}
	for _, e := range report.Errors.RecentErrors {
		recent = append(recent, []any{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Severity),
			string(e.FailureType),
			e.Message,
			e.Context,
			e.RawError,
		})
	}
	if err := addSheet(f, SheetRecent, recent); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func addSheet(f *excelize.File, name string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("new sheet %q: %w", name, err)
	}
	return writeRows(f, name, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
