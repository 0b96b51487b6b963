package socrata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
)

// TestFetchAllStopsOnShortPage serves 2 full pages and a short one.
func TestFetchAllStopsOnShortPage(t *testing.T) {
	const total = 5
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offsets = append(offsets, r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		var page []map[string]string
		for i := offset; i < total && i < offset+limit; i++ {
			page = append(page, map[string]string{"id": strconv.Itoa(i)})
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	p := NewPager(fetch.New(fetch.Options{}), "test", 2, zap.NewNop())
	rows, err := p.FetchAll(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rows) != total {
		t.Errorf("expected %d rows, got %d", total, len(rows))
	}
	if len(offsets) != 3 || offsets[2] != "4" {
		t.Errorf("unexpected offsets %v", offsets)
	}
}

func TestStartsWithRejectsBadArea(t *testing.T) {
	if _, err := StartsWith("id", "27') OR (1=1"); err == nil {
		t.Error("expected error for malformed area")
	}
	got, err := StartsWith("locationid", "06")
	if err != nil || got != "starts_with(locationid, '06')" {
		t.Errorf("unexpected clause %q err=%v", got, err)
	}
}

func TestFloatAcceptsStringsAndNumbers(t *testing.T) {
	row := map[string]any{"a": "12.5", "b": 3.0, "c": "n/a"}
	if v, ok := Float(row, "a"); !ok || v != 12.5 {
		t.Errorf("a: %v %v", v, ok)
	}
	if v, ok := Float(row, "b"); !ok || v != 3 {
		t.Errorf("b: %v %v", v, ok)
	}
	if _, ok := Float(row, "c"); ok {
		t.Error("c: expected not ok")
	}
	if _, ok := Float(row, "missing"); ok {
		t.Error("missing: expected not ok")
	}
}

func TestFloatRejectsNonFinite(t *testing.T) {
	row := map[string]any{"nan": "NaN", "inf": "+Inf", "neg": "-infinity"}
	for key := range row {
		if v, ok := Float(row, key); ok {
			t.Errorf("%s: expected null, got %v", key, v)
		}
	}
}
