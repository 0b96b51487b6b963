package ejscreen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/socrata"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

type fakeStore struct {
	rows  []tracts.Row
	rates []tracts.UnitRates
}

func (f *fakeStore) Upsert(_ context.Context, rows []tracts.Row, _, _ []string, _ ...tracts.UpsertOption) (int64, error) {
	f.rows = rows
	return int64(len(rows)), nil
}

func (f *fakeStore) AreaRates(context.Context, string) ([]tracts.UnitRates, error) {
	return f.rates, nil
}

// TestEstimateCeiling verifies poverty=30, vulnerability=1 yields base+coefficient.
func TestEstimateCeiling(t *testing.T) {
	got := Estimate(tracts.Float(30), tracts.Float(1.0))
	for _, m := range metrics {
		v, _ := got.Get(m.name)
		if want := tracts.Round(m.base+m.coefficient, m.places); v != want {
			t.Errorf("%s: expected %v, got %v", m.name, want, v)
		}
	}
	if v, _ := got.Get("traffic_proximity"); v != 550.0 {
		t.Errorf("expected traffic_proximity 550, got %v", v)
	}
	if v, _ := got.Get(SourceKey); v != SourceEstimated {
		t.Errorf("expected estimated tag, got %v", v)
	}
}

// TestEstimateFloor verifies poverty=0, vulnerability=0 clamps to 0.1.
func TestEstimateFloor(t *testing.T) {
	if b := BurdenFactor(0, 0); b != 0.1 {
		t.Fatalf("expected burden floor 0.1, got %v", b)
	}
	got := Estimate(tracts.Float(0), tracts.Float(0))
	for _, m := range metrics {
		v, _ := got.Get(m.name)
		if want := tracts.Round(m.base+0.1*m.coefficient, m.places); v != want {
			t.Errorf("%s: expected %v, got %v", m.name, want, v)
		}
	}
	if v, _ := got.Get("pm25"); v != 6.6 {
		t.Errorf("expected pm25 6.6, got %v", v)
	}
}

func TestEstimateDefaults(t *testing.T) {
	// poverty 10, vulnerability 0.5 -> (1/3 + 0.5) / 2
	want := Estimate(tracts.Float(10), tracts.Float(0.5))
	got := Estimate(nil, nil)
	a, _ := json.Marshal(want)
	b, _ := json.Marshal(got)
	if string(a) != string(b) {
		t.Errorf("expected defaults %s, got %s", a, b)
	}
}

func newLoader(url string, store *fakeStore) *Loader {
	pager := socrata.NewPager(fetch.New(fetch.Options{}), Source, 0, zap.NewNop())
	return NewLoader(pager, url, store, store, zap.NewNop())
}

// TestFallbackWhenAPIFails verifies the estimator path writes every tract.
func TestFallbackWhenAPIFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeStore{rates: []tracts.UnitRates{
		{GEOID: "27053000200", PovertyRate: tracts.Float(30), Vulnerability: tracts.Float(1)},
		{GEOID: "27053000100"},
	}}
	n, err := newLoader(srv.URL, store).LoadArea(context.Background(), "27")
	if err != nil {
		t.Fatalf("LoadArea: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	ind := store.rows[1].Values[tracts.ColEnvironmentalIndicators].(*Indicators)
	if v, _ := ind.Get("pm25"); v != 12.0 {
		t.Errorf("expected pm25 12 for max burden, got %v", v)
	}
	if v, _ := ind.Get(SourceKey); v != SourceEstimated {
		t.Errorf("expected estimated, got %v", v)
	}
}

// TestRealDataTagged verifies API rows are renamed and tagged real.
func TestRealDataTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "27053000100", "pm25": "7.9", "dslpm": "0.31", "ptraf": "n/a"},
			{"id": "270530001001", "pm25": "1"},
		})
	}))
	defer srv.Close()

	store := &fakeStore{}
	n, err := newLoader(srv.URL, store).LoadArea(context.Background(), "27")
	if err != nil {
		t.Fatalf("LoadArea: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 tract row, got %d", n)
	}
	b, _ := json.Marshal(store.rows[0].Values[tracts.ColEnvironmentalIndicators])
	if string(b) != `{"pm25":7.9,"diesel_pm":0.31,"_source":"real"}` {
		t.Errorf("unexpected indicators %s", b)
	}
}

// TestBreakerStopsCallingDeadAPI verifies the API is skipped once the
// breaker opens.
func TestBreakerStopsCallingDeadAPI(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &fakeStore{rates: []tracts.UnitRates{{GEOID: "27053000100"}}}
	l := newLoader(srv.URL, store)
	for i := 0; i < 5; i++ {
		if _, err := l.LoadArea(context.Background(), "27"); err != nil {
			t.Fatalf("LoadArea %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 API calls before the breaker opened, got %d", got)
	}
}
