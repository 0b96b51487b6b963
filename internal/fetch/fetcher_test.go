package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
)

func newFetcher(opts fetch.Options) *fetch.Fetcher {
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	return fetch.New(opts)
}

// TestRateLimitedIsAttemptedThreeTimes verifies the retry bound on 429s.
func TestRateLimitedIsAttemptedThreeTimes(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var waits []time.Duration
	f := newFetcher(fetch.Options{
		BaseBackoff: 5 * time.Millisecond,
		OnRetry:     func(_ string, _ int, wait time.Duration) { waits = append(waits, wait) },
	})

	_, err := f.Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, fetch.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("expected %d backoff waits, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d: expected %s, got %s", i+1, want[i], waits[i])
		}
	}
}

// TestServerErrorIsNotRetried verifies non-429 statuses fail immediately.
func TestServerErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newFetcher(fetch.Options{}).Get(context.Background(), srv.URL, nil)

	var se *fetch.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 StatusError, got %v", err)
	}
	if errors.Is(err, fetch.ErrRateLimited) {
		t.Error("500 must not match ErrRateLimited")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

// TestRecoversAfterRateLimit verifies a later success is returned.
func TestRecoversAfterRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[["a"],["1"]]`))
	}))
	defer srv.Close()

	resp, err := newFetcher(fetch.Options{}).Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rows [][]string
	if err := resp.DecodeJSON(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][0] != "1" {
		t.Errorf("unexpected body %v", rows)
	}
}

// TestInjectsKeyAndHeaders verifies the credential and extra headers are sent.
func TestInjectsKeyAndHeaders(t *testing.T) {
	var gotQuery url.Values
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotToken = r.Header.Get("X-App-Token")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFetcher(fetch.Options{
		APIKey: "secret",
		Header: http.Header{"X-App-Token": []string{"tok"}},
	})
	params := url.Values{}
	params.Set("for", "tract:*")

	if _, err := f.Get(context.Background(), srv.URL+"?get=NAME", params); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotQuery.Get("key") != "secret" {
		t.Errorf("expected key=secret, got %q", gotQuery.Get("key"))
	}
	if gotQuery.Get("get") != "NAME" || gotQuery.Get("for") != "tract:*" {
		t.Errorf("expected existing and new params, got %v", gotQuery)
	}
	if gotToken != "tok" {
		t.Errorf("expected X-App-Token tok, got %q", gotToken)
	}
}

// TestNoKeyWhenUnset verifies no credential parameter leaks when unconfigured.
func TestNoKeyWhenUnset(t *testing.T) {
	var has bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has = r.URL.Query()["key"]
	}))
	defer srv.Close()

	if _, err := newFetcher(fetch.Options{}).Get(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if has {
		t.Error("expected no key parameter")
	}
}
