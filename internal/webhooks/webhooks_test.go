package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// verify checks sig the way a receiver would, on the raw request body.
func verify(sig string, body []byte, secret string) bool {
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(body, secret)))
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(Options{MaxRetries: 3, BaseBackoff: time.Millisecond})
}

func TestDispatchSignsPayload(t *testing.T) {
	var gotSig, gotDelivery string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotDelivery = r.Header.Get("X-Webhook-Delivery")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	subs := []Subscription{{ID: 1, URL: srv.URL, Events: []string{"data.updated"}, Secret: "s3cret", Active: true}}
	res := newTestDispatcher().DispatchEvent(context.Background(), "data.updated",
		map[string]any{"state_fips": "27", "etl_step": "complete"}, subs)

	if res != (Result{Delivered: 1}) {
		t.Fatalf("expected 1 delivered, got %+v", res)
	}
	if !verify(gotSig, body, "s3cret") {
		t.Errorf("signature %q does not verify", gotSig)
	}
	if gotDelivery == "" {
		t.Error("expected a delivery id")
	}

	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "data.updated" || env.Data["state_fips"] != "27" {
		t.Errorf("unexpected body %s", body)
	}
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subs := []Subscription{{URL: srv.URL, Events: []string{"data.updated"}, Active: true}}
	res := newTestDispatcher().DispatchEvent(context.Background(), "data.updated", nil, subs)
	if res.Delivered != 1 {
		t.Errorf("expected delivery on third attempt, got %+v", res)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	var outcomes []string
	d := NewDispatcher(Options{BaseBackoff: time.Millisecond, OnDelivery: func(o string) { outcomes = append(outcomes, o) }})
	subs := []Subscription{{URL: srv.URL, Events: []string{"data.updated"}, Active: true}}
	res := d.DispatchEvent(context.Background(), "data.updated", nil, subs)
	if res != (Result{Failed: 1}) {
		t.Errorf("expected 1 failed, got %+v", res)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
	if len(outcomes) != 1 || outcomes[0] != "failed" {
		t.Errorf("unexpected outcomes %v", outcomes)
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	subs := []Subscription{
		{URL: srv.URL, Events: []string{"data.updated"}, Active: false},
		{URL: srv.URL, Events: []string{"threshold.exceeded"}, Active: true},
		{URL: srv.URL, Events: []string{"data.updated"}, Active: true, Filters: &Filters{StateFIPS: []string{"06"}}},
	}
	res := newTestDispatcher().DispatchEvent(context.Background(), "data.updated", map[string]any{"state_fips": "27"}, subs)
	if res != (Result{}) {
		t.Errorf("expected no deliveries, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("expected no requests")
	}
}

func TestFiltersMatches(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	tests := []struct {
		name   string
		f      *Filters
		event  string
		data   map[string]any
		expect bool
	}{
		{"nil filter", nil, "data.updated", nil, true},
		{"state listed", &Filters{StateFIPS: []string{"27"}}, "data.updated", map[string]any{"state_fips": "27"}, true},
		{"state absent from payload", &Filters{StateFIPS: []string{"06"}}, "data.updated", map[string]any{}, true},
		{"geoid excluded", &Filters{GEOIDs: []string{"27053000100"}}, "data.updated", map[string]any{"geoid": "27053000200"}, false},
		{"threshold above", &Filters{Thresholds: map[string]Threshold{"poverty_rate": {Operator: ">", Value: v(20)}}},
			EventThresholdExceeded, map[string]any{"poverty_rate": 25.0}, true},
		{"threshold default operator", &Filters{Thresholds: map[string]Threshold{"poverty_rate": {Value: v(20)}}},
			EventThresholdExceeded, map[string]any{"poverty_rate": 15.0}, false},
		{"threshold at bound", &Filters{Thresholds: map[string]Threshold{"poverty_rate": {Operator: "<=", Value: v(20)}}},
			EventThresholdExceeded, map[string]any{"poverty_rate": 20.0}, true},
		{"thresholds ignored for other events", &Filters{Thresholds: map[string]Threshold{"poverty_rate": {Value: v(20)}}},
			"data.updated", map[string]any{"poverty_rate": 1.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(tt.event, tt.data); got != tt.expect {
				t.Errorf("expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "k")
	if verify(sig, []byte(`{"a":2}`), "k") {
		t.Error("expected tampered body to fail")
	}
	if verify(sig[len(signaturePrefix):], []byte(`{"a":1}`), "k") {
		t.Error("expected missing prefix to fail")
	}
}
