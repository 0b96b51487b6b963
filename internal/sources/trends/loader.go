// Package trends folds several ACS vintages into a per-tract year map.
package trends

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/acs"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the trends step.
const Source = "trends"

// Snapshot is the demographic values present for one year.
type Snapshot = tracts.OrderedMap[float64]

// Years maps a year string to its snapshot.
type Years = tracts.OrderedMap[*Snapshot]

// AreaFetcher returns the joined demographic records for one year.
type AreaFetcher interface {
	FetchArea(ctx context.Context, year int, area string) ([]acs.Record, error)
}

// Mode selects how a run's years combine with years already stored.
type Mode int

const (
	// Merge keeps stored years and overwrites the ones fetched this run.
	Merge Mode = iota
	// Replace writes only the years fetched this run.
	Replace
)

// Loader writes the trends column for an area.
type Loader struct {
	fetcher AreaFetcher
	store   tracts.Upserter
	mode    Mode
	log     *zap.Logger
}

func NewLoader(fetcher AreaFetcher, store tracts.Upserter, mode Mode, log *zap.Logger) *Loader {
	return &Loader{fetcher: fetcher, store: store, mode: mode, log: log}
}

// LoadArea fetches every year in [start, end]. A year that fails is logged
// and skipped; the range is never aborted.
func (l *Loader) LoadArea(ctx context.Context, area string, start, end int) (int64, error) {
	if end < start {
		return 0, fmt.Errorf("trends: end year %d before start year %d", end, start)
	}

	perYear := make(map[int][]acs.Record, end-start+1)
	var fetched []int
	for year := start; year <= end; year++ {
		records, err := l.fetcher.FetchArea(ctx, year, area)
		if err != nil {
			l.log.Warn("skipping trends year",
				zap.String("area", area), zap.Int("year", year), zap.Error(err))
			continue
		}
		perYear[year] = records
		fetched = append(fetched, year)
	}
	if len(fetched) == 0 {
		l.log.Warn("no trends years fetched", zap.String("area", area))
		return 0, nil
	}

	rows := Fold(perYear)

	var opts []tracts.UpsertOption
	if l.mode == Merge {
		opts = append(opts, tracts.MergeJSON(tracts.ColTrends))
	}
	began := time.Now()
	n, err := l.store.Upsert(ctx, rows, []string{tracts.ColTrends}, []string{tracts.ColTrends}, opts...)
	if err != nil {
		etlog.LogError(l.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, n, time.Since(began))
	return n, nil
}

// Fold pivots per-year records into one year map per tract. Years appear in
// ascending order and each snapshot holds only the values present; a fetched
// year with no values is kept as an empty snapshot.
func Fold(perYear map[int][]acs.Record) []tracts.Row {
	years := make([]int, 0, len(perYear))
	for y := range perYear {
		years = append(years, y)
	}
	sort.Ints(years)

	byTract := make(map[string]*Years)
	for _, y := range years {
		key := strconv.Itoa(y)
		for _, r := range perYear[y] {
			snap := &Snapshot{}
			for _, col := range tracts.DemographicColumns {
				if v, ok := r.Values[col]; ok {
					snap.Set(col, v)
				}
			}
			ym, ok := byTract[r.GEOID]
			if !ok {
				ym = &Years{}
				byTract[r.GEOID] = ym
			}
			ym.Set(key, snap)
		}
	}

	geoids := make([]string, 0, len(byTract))
	for g := range byTract {
		geoids = append(geoids, g)
	}
	sort.Strings(geoids)

	out := make([]tracts.Row, 0, len(geoids))
	for _, g := range geoids {
		out = append(out, tracts.Row{GEOID: g, Values: map[string]any{tracts.ColTrends: byTract[g]}})
	}
	return out
}
