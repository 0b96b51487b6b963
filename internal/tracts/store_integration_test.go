package tracts

import (
	"context"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/db"
)

// testArea is not a real area code, so the test never touches loaded data.
const testArea = "99"

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env.local")
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	d, err := db.Open(dsn, zap.NewNop(), "silent")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewStore(d, zap.NewNop())
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		d.Exec("DELETE FROM "+TableName+" WHERE area_code = ?", testArea)
	})
	return s
}

func square(x, y float64) []byte {
	mp := orb.MultiPolygon{{{{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y}}}}
	b, _ := wkb.Marshal(mp)
	return b
}

// TestUpsertIsIdempotent runs the same upsert twice and expects identical
// counts and values, with untouched columns left alone.
func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	units := []Unit{
		{GEOID: "99001000100", AreaCode: testArea, SubareaCode: "001", UnitCode: "000100", WKB: square(0, 0)},
		{GEOID: "99001000200", AreaCode: testArea, SubareaCode: "001", UnitCode: "000200", WKB: square(1, 0)},
	}
	if n, err := s.ReplaceArea(ctx, testArea, units); err != nil || n != 2 {
		t.Fatalf("ReplaceArea: n=%d err=%v", n, err)
	}
	if err := s.db.Exec("UPDATE "+TableName+" SET median_age = 40 WHERE area_code = ?", testArea).Error; err != nil {
		t.Fatal(err)
	}

	var themes Measures
	themes.Set("rpl_themes", Float(0.42))
	rows := []Row{
		{GEOID: "99001000100", Values: map[string]any{ColPovertyRate: 12.5, ColVulnerabilityThemes: themes}},
		{GEOID: "99001000200", Values: map[string]any{ColPovertyRate: nil}},
		{GEOID: "99999999999", Values: map[string]any{ColPovertyRate: 1.0}},
	}
	cols := []string{ColPovertyRate, ColVulnerabilityThemes}
	json := []string{ColVulnerabilityThemes}

	first, err := s.Upsert(ctx, rows, cols, json)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.Upsert(ctx, rows, cols, json)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first != 2 || second != 2 {
		t.Errorf("expected 2 updated both times, got %d and %d", first, second)
	}

	rates, err := s.AreaRates(ctx, testArea)
	if err != nil {
		t.Fatal(err)
	}
	if len(rates) != 2 {
		t.Fatalf("expected 2 units, got %d", len(rates))
	}
	if rates[0].PovertyRate == nil || *rates[0].PovertyRate != 12.5 {
		t.Errorf("unexpected poverty rate %v", rates[0].PovertyRate)
	}
	if rates[0].Vulnerability == nil || *rates[0].Vulnerability != 0.42 {
		t.Errorf("unexpected vulnerability %v", rates[0].Vulnerability)
	}

	var ages []float64
	s.db.Raw("SELECT median_age FROM "+TableName+" WHERE area_code = ? ORDER BY geoid", testArea).Scan(&ages)
	if len(ages) != 2 || ages[0] != 40 || ages[1] != 40 {
		t.Errorf("median_age must be untouched, got %v", ages)
	}

	loaded, err := s.LoadedAreas(ctx, []string{testArea})
	if err != nil {
		t.Fatal(err)
	}
	if !loaded[testArea] {
		t.Error("expected test area to report loaded geometry")
	}
}
