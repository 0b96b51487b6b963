package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStep(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStep("health", 2*time.Second, 120, nil)
	m.ObserveStep("health", time.Second, 0, errors.New("timeout"))

	if got := testutil.ToFloat64(m.RowsWritten.WithLabelValues("health")); got != 120 {
		t.Errorf("expected 120 rows, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StepDuration); got != 2 {
		t.Errorf("expected success and failure series, got %d", got)
	}
}

func TestRetryAndDeliveryCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FetchRetried("census", 1, time.Second)
	m.FetchRetried("census", 2, 2*time.Second)
	m.WebhookDelivered("delivered")

	if got := testutil.ToFloat64(m.FetchRetries.WithLabelValues("census")); got != 2 {
		t.Errorf("expected 2 retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("delivered")); got != 1 {
		t.Errorf("expected 1 delivery, got %v", got)
	}
}
