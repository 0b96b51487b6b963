package sdoh

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

func TestComputeExample(t *testing.T) {
	f := tracts.Float
	units := []tracts.UnitRates{
		{GEOID: "06001000100", PovertyRate: f(20), UnemploymentRate: f(10), Vulnerability: f(0.5)},
		{GEOID: "06001000200", PovertyRate: f(10), UnemploymentRate: f(5)},
		{GEOID: "06001000300", PovertyRate: f(30), UnemploymentRate: f(15)},
		{GEOID: "06001000400"},
	}
	got := Compute(units)

	if v := got["06001000100"]; v == nil || *v != 0.5 {
		t.Errorf("expected 0.5, got %v", v)
	}
	if v := got["06001000200"]; v == nil || *v != 0 {
		t.Errorf("expected 0 for the area minimum, got %v", v)
	}
	if v := got["06001000300"]; v == nil || *v != 1 {
		t.Errorf("expected 1 for the area maximum, got %v", v)
	}
	if v, ok := got["06001000400"]; !ok || v != nil {
		t.Errorf("expected nil index for a unit with no inputs, got %v", v)
	}
}

func TestComputeZeroVariance(t *testing.T) {
	f := tracts.Float
	got := Compute([]tracts.UnitRates{
		{GEOID: "a", PovertyRate: f(12), Vulnerability: f(0.25)},
		{GEOID: "b", PovertyRate: f(12)},
	})
	if v := got["a"]; v == nil || *v != 0.25 {
		t.Errorf("expected only the percentile to count, got %v", v)
	}
	if got["b"] != nil {
		t.Errorf("expected nil when the only rate has no spread, got %v", *got["b"])
	}
}

func TestComputeRounds(t *testing.T) {
	f := tracts.Float
	got := Compute([]tracts.UnitRates{
		{GEOID: "a", PovertyRate: f(0), Vulnerability: f(0.33333)},
		{GEOID: "b", PovertyRate: f(3)},
		{GEOID: "c", PovertyRate: f(1), Vulnerability: f(0)},
	})
	// (1/3 + 0) / 2
	if v := got["c"]; v == nil || *v != 0.1667 {
		t.Errorf("expected 0.1667, got %v", v)
	}
}

type fakeStore struct {
	rates []tracts.UnitRates
	rows  []tracts.Row
	cols  []string
}

func (f *fakeStore) AreaRates(context.Context, string) ([]tracts.UnitRates, error) {
	return f.rates, nil
}

func (f *fakeStore) Upsert(_ context.Context, rows []tracts.Row, cols, _ []string, _ ...tracts.UpsertOption) (int64, error) {
	f.rows, f.cols = rows, cols
	return int64(len(rows)), nil
}

func TestComputeAreaWritesOnlyIndex(t *testing.T) {
	store := &fakeStore{rates: []tracts.UnitRates{
		{GEOID: "27053000100", Vulnerability: tracts.Float(0.7)},
		{GEOID: "27053000200"},
	}}
	n, err := NewCalculator(store, zap.NewNop()).ComputeArea(context.Background(), "27")
	if err != nil {
		t.Fatalf("ComputeArea: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
	if len(store.cols) != 1 || store.cols[0] != tracts.ColCompositeIndex {
		t.Errorf("expected only %s updated, got %v", tracts.ColCompositeIndex, store.cols)
	}
	if v := store.rows[0].Values[tracts.ColCompositeIndex].(*float64); *v != 0.7 {
		t.Errorf("expected 0.7, got %v", *v)
	}
}
