package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	trendBand       = 0.10
	rawErrorPreview = 200
)

// Trend compares the mean of the second half of values against the first half. A change beyond
// 10% in the better direction is improving, beyond 10% in the worse direction is worsening.
// Fewer than two values is stable.
func Trend(values []float64, higherIsBetter bool) string {
	if len(values) < 2 {
		return models.TrendStable
	}
	mid := len(values) / 2
	first, second := utils.Mean(values[:mid]), utils.Mean(values[mid:])
	var rising, falling bool
	switch {
	case second > first*(1+trendBand):
		rising = true
	case second < first*(1-trendBand):
		falling = true
	}
	switch {
	case rising && higherIsBetter, falling && !higherIsBetter:
		return models.TrendImproving
	case rising, falling:
		return models.TrendWorsening
	}
	return models.TrendStable
}

// GetErrorTrends reports the errors and metric history of codebasePath over the last days.
// days <= 0 uses the configured window.
func (s *Service) GetErrorTrends(ctx context.Context, codebasePath string, days int) (report *models.TrendReport, err error) {
	defer s.metrics.Observe("trends", time.Now(), &err)
	if days <= 0 {
		days = s.config.Trends.WindowDays
	}
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -days)

	errs, err := s.storage.QueryErrors(ctx, &models.ErrorFilter{CodebasePath: codebasePath, Since: since})
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	runs, err := s.storage.QueryAnalyses(ctx, &models.AnalysisFilter{CodebasePath: codebasePath, Since: since})
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	analysis := errorAnalysis(errs, s.config.Trends.RecentErrorsLimit)
	analysis.CodebasePath = codebasePath
	analysis.WindowDays = days
	return &models.TrendReport{
		CodebasePath: codebasePath,
		GeneratedAt:  now,
		Errors:       analysis,
		Analyses:     analysisTrends(runs),
	}, nil
}

func errorAnalysis(errs []*models.ErrorRecord, recentLimit int) models.ErrorAnalysis {
	out := models.ErrorAnalysis{
		TotalLogs:    len(errs),
		BySeverity:   make(map[models.Severity]int, len(models.Severities)),
		ByType:       make(map[models.FailureType]int),
		Timeline:     make([]models.TimelineEntry, 0, len(errs)),
		RecentErrors: []models.RecentError{},
	}
	for _, sev := range models.Severities {
		out.BySeverity[sev] = 0
	}
	for _, e := range errs {
		out.BySeverity[e.Severity]++
		out.ByType[e.FailureType]++
		out.Timeline = append(out.Timeline, models.TimelineEntry{
			Timestamp:   e.Timestamp,
			Severity:    e.Severity,
			FailureType: e.FailureType,
		})
		if e.Severity.AtLeastError() && (recentLimit <= 0 || len(out.RecentErrors) < recentLimit) {
			out.RecentErrors = append(out.RecentErrors, models.RecentError{
				Timestamp:   e.Timestamp,
				Severity:    e.Severity,
				Message:     e.Message,
				Context:     e.Context,
				FailureType: e.FailureType,
				RawError:    utils.Truncate(e.RawError, rawErrorPreview),
			})
		}
	}
	return out
}

func analysisTrends(runs []*models.AnalysisRecord) models.AnalysisTrends {
	series := models.TrendSeries{
		Timestamps:       make([]time.Time, 0, len(runs)),
		IssueCounts:      make([]float64, 0, len(runs)),
		QualityScores:    make([]float64, 0, len(runs)),
		ComplexityScores: make([]float64, 0, len(runs)),
	}
	for _, r := range runs {
		series.Timestamps = append(series.Timestamps, r.Timestamp)
		series.IssueCounts = append(series.IssueCounts, r.Metric(models.MetricTotalIssues))
		series.QualityScores = append(series.QualityScores, r.Metric(models.MetricQualityScore))
		series.ComplexityScores = append(series.ComplexityScores, r.Metric(models.MetricComplexityScore))
	}
	return models.AnalysisTrends{
		Series: series,
		Summary: models.TrendSummary{
			TotalAnalyses:   len(runs),
			AvgIssues:       utils.Round(utils.Mean(series.IssueCounts), 2),
			QualityTrend:    Trend(series.QualityScores, true),
			ComplexityTrend: Trend(series.ComplexityScores, false),
		},
	}
}

// ComparisonHistory returns the latest comparison runs stored for either codebase, newest first.
func (s *Service) ComparisonHistory(ctx context.Context, codebaseA, codebaseB string, limit int) ([]models.ComparisonEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	out := []models.ComparisonEntry{}
	seen := make(map[int64]bool)
	for _, cb := range []string{codebaseA, codebaseB} {
		if cb == "" {
			continue
		}
		runs, err := s.storage.QueryAnalyses(ctx, &models.AnalysisFilter{
			CodebasePath: cb,
			AnalysisType: "comparison",
			Descending:   true,
			Limit:        limit,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, models.ComparisonEntry{ID: r.ID, Timestamp: r.Timestamp, Summary: r.Summary, Metrics: r.Metrics})
		}
	}
	sortComparisons(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortComparisons(entries []models.ComparisonEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

// RawErrors returns a run's error and critical logs, oldest first, with tracebacks.
func (s *Service) RawErrors(ctx context.Context, analysisID int64) ([]*models.ErrorRecord, error) {
	return s.storage.QueryErrors(ctx, &models.ErrorFilter{AnalysisID: analysisID, MinSeverity: models.SeverityError})
}
