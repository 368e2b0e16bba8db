// Package telemetry holds the prometheus collectors and OpenTelemetry tracer setup
// shared by the batch engine and the HTTP surface.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailscope"

// Item outcomes reported by the orchestrator.
const (
	OutcomeSuccess  = "success"
	OutcomeExisting = "existing"
	OutcomeFailed   = "failed"
)

// Metrics groups the batch collectors.
type Metrics struct {
	ItemsProcessed   *prometheus.CounterVec
	ItemDuration     *prometheus.HistogramVec
	ProviderAttempts *prometheus.CounterVec
	ActiveJobs       prometheus.Gauge
	JobsFinished     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide on the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_processed_total",
			Help:      "Total number of batch items processed, by analysis type and outcome",
		}, []string{"analysis_type", "outcome"}),
		ItemDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_item_duration_seconds",
			Help:      "Time spent processing a single batch item including retries",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"analysis_type"}),
		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_provider_attempts_total",
			Help:      "Total number of AI provider calls, by provider and result",
		}, []string{"provider", "result"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_jobs_active",
			Help:      "Number of batch jobs currently running in this process",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_finished_total",
			Help:      "Total number of batch jobs that reached a terminal status",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests, by method and status code",
		}, []string{"method", "code"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveItem(analysisType, outcome string, d time.Duration) {
	m.ItemsProcessed.WithLabelValues(analysisType, outcome).Inc()
	m.ItemDuration.WithLabelValues(analysisType).Observe(d.Seconds())
}

func (m *Metrics) IncProviderAttempt(provider, result string) {
	m.ProviderAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) JobStarted() { m.ActiveJobs.Inc() }

func (m *Metrics) JobFinished(status string) {
	m.ActiveJobs.Dec()
	m.JobsFinished.WithLabelValues(status).Inc()
}

// Handler exposes the registered collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
