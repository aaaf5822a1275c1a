// Package metrics exposes Prometheus collectors for the memory store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OperationDuration  *prometheus.HistogramVec
	OperationTotal     *prometheus.CounterVec
	SearchResultsCount *prometheus.HistogramVec
	Classifications    *prometheus.CounterVec
	EmbeddingErrors    prometheus.Counter
	OrphansRepaired    prometheus.Counter
	IngestedFiles      *prometheus.CounterVec
	IndexVectors       *prometheus.GaugeVec
	StoredAnalyses     prometheus.Gauge
}

// New creates the collectors on a private registry, alongside Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kioku_operation_duration_seconds",
				Help:    "Memory store operation duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		),
		OperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kioku_operations_total",
				Help: "Total memory store operations",
			},
			[]string{"operation", "status"},
		),
		SearchResultsCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kioku_search_results_count",
				Help:    "Number of results per search",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
			[]string{"kind"},
		),
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kioku_classified_errors_total",
				Help: "Errors classified against a previous run",
			},
			[]string{"outcome"},
		),
		EmbeddingErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kioku_embedding_errors_total",
				Help: "Embedding calls that failed",
			},
		),
		OrphansRepaired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kioku_orphans_repaired_total",
				Help: "Vectors removed because their record no longer exists",
			},
		),
		IngestedFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kioku_ingested_files_total",
				Help: "Producer result files seen by ingestion",
			},
			[]string{"result"},
		),
		IndexVectors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kioku_index_vectors",
				Help: "Vectors held per index",
			},
			[]string{"index"},
		),
		StoredAnalyses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kioku_stored_analyses",
				Help: "Analysis runs in the record store",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OperationDuration,
		m.OperationTotal,
		m.SearchResultsCount,
		m.Classifications,
		m.EmbeddingErrors,
		m.OrphansRepaired,
		m.IngestedFiles,
		m.IndexVectors,
		m.StoredAnalyses,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one operation. Use with defer:
//
//	defer m.Observe("store", time.Now(), &err)
func (m *Metrics) Observe(operation string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	status := "ok"
	if errp != nil && *errp != nil {
		status = "error"
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.OperationTotal.WithLabelValues(operation, status).Inc()
}

// SearchResults records how many hits a search returned.
func (m *Metrics) SearchResults(kind string, n int) {
	if m == nil {
		return
	}
	m.SearchResultsCount.WithLabelValues(kind).Observe(float64(n))
}

// Classified records a classification outcome.
func (m *Metrics) Classified(recurring, newErrs, resolved int) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues("recurring").Add(float64(recurring))
	m.Classifications.WithLabelValues("new").Add(float64(newErrs))
	m.Classifications.WithLabelValues("resolved").Add(float64(resolved))
}

// EmbeddingFailed counts a failed embedding call.
func (m *Metrics) EmbeddingFailed() {
	if m == nil {
		return
	}
	m.EmbeddingErrors.Inc()
}

// Repaired counts orphaned vectors removed by the validator.
func (m *Metrics) Repaired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansRepaired.Add(float64(n))
}

// Ingested counts an ingestion result: stored, skipped or failed.
func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.IngestedFiles.WithLabelValues(result).Inc()
}

// SetSizes updates the size gauges.
func (m *Metrics) SetSizes(analyses int64, analysisVectors, errorVectors int) {
	if m == nil {
		return
	}
	m.StoredAnalyses.Set(float64(analyses))
	m.IndexVectors.WithLabelValues("analyses").Set(float64(analysisVectors))
	m.IndexVectors.WithLabelValues("errors").Set(float64(errorVectors))
}
