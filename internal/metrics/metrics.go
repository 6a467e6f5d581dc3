// Package metrics defines the Prometheus collectors for the retrieval engine
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeMissing = "missing"

	AskAnswered             = "answered"
	AskRefusedNoEvidence    = "refused_no_evidence"
	AskRefusedLowConfidence = "refused_low_confidence"
	AskInvalidQuery         = "invalid_query"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	IngestsTotal    *prometheus.CounterVec
	DocumentsStored prometheus.Gauge
	SearchesTotal   *prometheus.CounterVec
	AsksTotal       *prometheus.CounterVec
	LoadsTotal      *prometheus.CounterVec
	Latency         *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_ingests_total",
				Help: "Total ingest calls by outcome (ok, empty, error).",
			},
			[]string{"outcome"},
		),
		DocumentsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rag_documents_stored",
				Help: "Number of documents in the active snapshot.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_searches_total",
				Help: "Total searches by index backend.",
			},
			[]string{"backend"},
		),
		AsksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_asks_total",
				Help: "Total ask calls by outcome.",
			},
			[]string{"outcome"},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_artifact_loads_total",
				Help: "Artifact loads by outcome (ok, missing, error).",
			},
			[]string{"outcome"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_operation_duration_seconds",
				Help:    "Engine operation latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.IngestsTotal,
			m.DocumentsStored,
			m.SearchesTotal,
			m.AsksTotal,
			m.LoadsTotal,
			m.Latency,
		)
	}
	return m
}

// ObserveIngest records an ingest call and the resulting corpus size.
func (m *Metrics) ObserveIngest(outcome string, stored int, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeError {
		m.DocumentsStored.Set(float64(stored))
	}
	m.Latency.WithLabelValues("ingest").Observe(d.Seconds())
}

// ObserveSearch records a search served by backend.
func (m *Metrics) ObserveSearch(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(backend).Inc()
	m.Latency.WithLabelValues("search").Observe(d.Seconds())
}

// ObserveAsk records the outcome of an ask call.
func (m *Metrics) ObserveAsk(outcome string) {
	if m == nil {
		return
	}
	m.AsksTotal.WithLabelValues(outcome).Inc()
}

// ObserveLoad records an artifact load attempt.
func (m *Metrics) ObserveLoad(outcome string, stored int) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.DocumentsStored.Set(float64(stored))
	}
}

// Handler returns the scrape handler for gatherer g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
