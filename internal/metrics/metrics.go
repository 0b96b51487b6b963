// Package metrics holds the Prometheus collectors recorded by a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geohealth_etl"

// Metrics groups the run collectors.
type Metrics struct {
	StepDuration      *prometheus.HistogramVec
	RowsWritten       *prometheus.CounterVec
	Areas             *prometheus.CounterVec
	FetchRetries      *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of one pipeline step for one area.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step", "outcome"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Tract rows inserted or updated, by step.",
		}, []string{"step"}),
		Areas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "areas_total",
			Help:      "Areas processed, by outcome.",
		}, []string{"outcome"}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Rate-limited requests that were retried, by source.",
		}, []string{"source"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.StepDuration, m.RowsWritten, m.Areas, m.FetchRetries, m.WebhookDeliveries)
	return m
}

// ObserveStep records one step outcome.
func (m *Metrics) ObserveStep(step string, took time.Duration, rows int64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.StepDuration.WithLabelValues(step, outcome).Observe(took.Seconds())
	if rows > 0 {
		m.RowsWritten.WithLabelValues(step).Add(float64(rows))
	}
}

// FetchRetried matches fetch.Options.OnRetry.
func (m *Metrics) FetchRetried(source string, _ int, _ time.Duration) {
	m.FetchRetries.WithLabelValues(source).Inc()
}

// WebhookDelivered counts one delivery outcome ("delivered" or "failed").
func (m *Metrics) WebhookDelivered(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}
