package status_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/EmpoweredVote/geohealth-etl/internal/metrics"
	"github.com/EmpoweredVote/geohealth-etl/internal/pipeline"
	"github.com/EmpoweredVote/geohealth-etl/internal/status"
)

type fakeRuns struct {
	job *pipeline.RunJob
}

func (f fakeRuns) Current() (pipeline.RunJob, bool) {
	if f.job == nil {
		return pipeline.RunJob{}, false
	}
	return *f.job, true
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := status.NewRouter(fakeRuns{}, prometheus.NewRegistry(), nil)
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	down := status.NewRouter(fakeRuns{}, prometheus.NewRegistry(), func(context.Context) error {
		return errors.New("connection refused")
	})
	if rec := get(t, down, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestCurrentRun(t *testing.T) {
	h := status.NewRouter(fakeRuns{}, prometheus.NewRegistry(), nil)
	if rec := get(t, h, "/runs/current"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", rec.Code)
	}

	job := &pipeline.RunJob{ID: "run-1", Status: "running", TotalAreas: 3, Completed: 1, CurrentArea: "27"}
	h = status.NewRouter(fakeRuns{job: job}, prometheus.NewRegistry(), nil)
	rec := get(t, h, "/runs/current")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got pipeline.RunJob
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "run-1" || got.CurrentArea != "27" {
		t.Errorf("unexpected job %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.FetchRetried("census", 1, 0)

	rec := get(t, status.NewRouter(fakeRuns{}, reg, nil), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `geohealth_etl_fetch_retries_total{source="census"} 1`) {
		t.Errorf("expected retry counter in output:\n%s", rec.Body.String())
	}
}
