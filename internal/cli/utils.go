// Package cli formats kioku results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/kioku/internal/consistency"
	"github.com/hyperjump/kioku/internal/memory"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const rule = "─────────────────────────────────────────────────────────"

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, hit := range response.Analyses {
		writeAnalysisHit(w, hit)
	}
	for _, hit := range response.Errors {
		writeErrorHit(w, hit)
	}
	return nil
}

// WriteAnalysisHits writes similar-run hits.
func WriteAnalysisHits(w io.Writer, hits []*models.AnalysisHit, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, hits)
	}
	fmt.Fprintf(w, "\nFound %d similar runs\n\n", len(hits))
	for _, hit := range hits {
		writeAnalysisHit(w, hit)
	}
	return nil
}

func writeAnalysisHit(w io.Writer, hit *models.AnalysisHit) {
	a := hit.Analysis
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Keyword: %.4f, Semantic: %.4f)\n",
		hit.Rank, hit.Score, hit.KeywordScore, hit.SemanticScore)
	fmt.Fprintf(w, "Run %d  %s  [%s] %s  %s\n", a.ID, a.Timestamp.Format("2006-01-02 15:04"), a.AnalysisType, a.Status, a.CodebasePath)
	fmt.Fprintf(w, "\n%s\n\n", TruncateWords(a.Summary, 40))
}

func writeErrorHit(w io.Writer, hit *models.ErrorHit) {
	e := hit.Error
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Rank: %d | Score: %.4f | Run %d", hit.Rank, hit.Score, e.AnalysisID)
	if hit.CodebasePath != "" {
		fmt.Fprintf(w, " (%s)", hit.CodebasePath)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s: %s\n", e.Severity, e.FailureType, utils.Truncate(e.Message, 200))
	if e.FilePath != "" {
		fmt.Fprintf(w, "  at %s:%d\n", e.FilePath, e.LineNumber)
	}
	fmt.Fprintln(w)
}

// WriteClassification writes recurring, new and resolved errors.
func WriteClassification(w io.Writer, c *models.Classification, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, c)
	}
	fmt.Fprintf(w, "\nRecurring: %d  New: %d  Resolved: %d  (method %s, threshold %.2f)\n",
		c.Summary.Recurring, c.Summary.New, c.Summary.Resolved, c.Method, c.Threshold)
	if c.PreviousRunID > 0 {
		fmt.Fprintf(w, "Compared against run %d\n", c.PreviousRunID)
	}
	if len(c.Recurring) > 0 {
		fmt.Fprintln(w, "\n--- Recurring ---")
		for _, m := range c.Recurring {
			fmt.Fprintf(w, "  [%.3f %s] %s\n", m.Score, m.Method, errorLine(m.Current))
		}
	}
	if len(c.New) > 0 {
		fmt.Fprintln(w, "\n--- New ---")
		for _, n := range c.New {
			fmt.Fprintf(w, "  [%.3f] %s\n", n.Score, errorLine(n.Error))
		}
	}
	if len(c.Resolved) > 0 {
		fmt.Fprintln(w, "\n--- Resolved ---")
		for _, e := range c.Resolved {
			fmt.Fprintf(w, "  %s\n", errorLine(e))
		}
	}
	if n := c.Summary.Recurring + c.Summary.New; n > 0 {
		st := c.Statistics
		fmt.Fprintf(w, "\nSimilarity avg %.3f  min %.3f  max %.3f  median %.3f\n", st.Average, st.Min, st.Max, st.Median)
	}
	return nil
}

func errorLine(e *models.ErrorRecord) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.FailureType, utils.Truncate(e.Message, 120))
}

// WriteTrends writes an error trend report.
func WriteTrends(w io.Writer, r *models.TrendReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, r)
	}
	ea, at := r.Errors, r.Analyses.Summary
	fmt.Fprintf(w, "\n%s, last %d days\n\n", r.CodebasePath, ea.WindowDays)
	fmt.Fprintf(w, "Runs: %d  Avg issues: %.2f  Quality: %s  Complexity: %s\n",
		at.TotalAnalyses, at.AvgIssues, at.QualityTrend, at.ComplexityTrend)
	fmt.Fprintf(w, "Errors logged: %d\n", ea.TotalLogs)

	fmt.Fprintln(w, "\nBy severity:")
	for _, sev := range models.Severities {
		fmt.Fprintf(w, "  %-10s %d\n", sev, ea.BySeverity[sev])
	}
	if len(ea.ByType) > 0 {
		fmt.Fprintln(w, "\nBy type:")
		types := make([]string, 0, len(ea.ByType))
		for t := range ea.ByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "  %-20s %d\n", t, ea.ByType[models.FailureType(t)])
		}
	}
	if len(ea.RecentErrors) > 0 {
		fmt.Fprintln(w, "\nRecent errors:")
		for _, e := range ea.RecentErrors {
			fmt.Fprintf(w, "  %s %-8s %s\n", e.Timestamp.Format("2006-01-02 15:04"), e.Severity, utils.Truncate(e.Message, 100))
		}
	}
	return nil
}

// WriteStats writes store and index statistics.
func WriteStats(w io.Writer, st *memory.Stats, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "Analyses:          %d\n", st.Analyses)
	fmt.Fprintf(w, "Errors:            %d\n", st.Errors)
	fmt.Fprintf(w, "Analysis vectors:  %d (%s, next slot %d)\n", st.AnalysisIndex.VectorCount, st.AnalysisIndex.IndexType, st.AnalysisIndex.NextSlot)
	fmt.Fprintf(w, "Error vectors:     %d (%s, next slot %d)\n", st.ErrorIndex.VectorCount, st.ErrorIndex.IndexType, st.ErrorIndex.NextSlot)
	fmt.Fprintf(w, "Keyword documents: %d\n", st.KeywordDocuments)
	fmt.Fprintf(w, "Dimensions:        %d\n", st.EmbeddingDimensions)
	if c := st.EmbeddingCache; c != nil {
		fmt.Fprintf(w, "Embedding cache:   %d entries, %d hits, %d misses\n", c.Entries, c.Hits, c.Misses)
	}
	if st.Disk != nil {
		fmt.Fprintf(w, "Disk usage:        %s\n", FormatBytes(st.Disk.Total))
	}
	return nil
}

// WriteReports writes consistency reports; removed < 0 means validation only.
func WriteReports(w io.Writer, reports []*consistency.Report, removed int, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, map[string]any{"reports": reports, "removed": removed})
	}
	for _, r := range reports {
		state := "ok"
		if !r.OK {
			state = "drift"
		}
		fmt.Fprintf(w, "%-10s %-6s vectors=%d mappings=%d orphaned=%d unindexed=%d\n",
			r.Index, state, r.IndexSize, r.MappingCount, len(r.OrphanedRecordIDs), len(r.UnindexedRecordIDs))
	}
	if removed >= 0 {
		fmt.Fprintf(w, "Removed %d orphaned vectors\n", removed)
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
