package svi

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Loader writes the theme map for one area from a shared Dataset.
type Loader struct {
	store tracts.Upserter
	log   *zap.Logger
}

func NewLoader(store tracts.Upserter, log *zap.Logger) *Loader {
	return &Loader{store: store, log: log}
}

// LoadArea upserts vulnerability_themes for the area's tracts. Percentiles
// are rounded to four places; missing values stay as null keys.
func (l *Loader) LoadArea(ctx context.Context, ds *Dataset, area string) (int64, error) {
	entries := ds.ForArea(area)

	rows := make([]tracts.Row, 0, len(entries))
	for _, e := range entries {
		var themes tracts.Measures
		for i, col := range ThemeColumns {
			themes.Set(strings.ToLower(col), tracts.RoundPtr(e.Themes[i], 4))
		}
		rows = append(rows, tracts.Row{
			GEOID:  e.FIPS,
			Values: map[string]any{tracts.ColVulnerabilityThemes: themes},
		})
	}

	start := time.Now()
	n, err := l.store.Upsert(ctx, rows,
		[]string{tracts.ColVulnerabilityThemes},
		[]string{tracts.ColVulnerabilityThemes},
	)
	if err != nil {
		etlog.LogError(l.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, n, time.Since(start))
	return n, nil
}
