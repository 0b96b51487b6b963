// Package ejscreen loads EPA EJScreen environmental indicators, estimating
// them from demographics when the API has nothing for an area.
package ejscreen

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/socrata"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the EJScreen API.
const Source = "ejscreen"

// SourceKey tags each indicator map with its provenance.
const (
	SourceKey       = "_source"
	SourceReal      = "real"
	SourceEstimated = "estimated"
)

const geoidWidth = 11

// ErrNoData is returned by the primary path when the API has no tract rows.
var ErrNoData = errors.New("ejscreen returned no tract rows")

// Indicators is an environmental indicator map: numeric metrics plus the
// string provenance tag.
type Indicators = tracts.OrderedMap[any]

// fieldMap pairs EJScreen API fields with stored names.
var fieldMap = []struct{ api, name string }{
	{"pm25", "pm25"},
	{"ozone", "ozone"},
	{"dslpm", "diesel_pm"},
	{"cancer", "air_toxics_cancer_risk"},
	{"resp", "respiratory_hazard_index"},
	{"ptraf", "traffic_proximity"},
	{"pre1960pct", "lead_paint_pct"},
	{"pnpl", "superfund_proximity"},
	{"prmp", "rmp_proximity"},
	{"ptsdf", "hazardous_waste_proximity"},
	{"pwdis", "wastewater_discharge"},
}

// RatesReader reads the inputs of the estimator back from the store.
type RatesReader interface {
	AreaRates(ctx context.Context, area string) ([]tracts.UnitRates, error)
}

// Loader fills environmental_indicators for an area.
type Loader struct {
	pager    *socrata.Pager
	endpoint string
	rates    RatesReader
	store    tracts.Upserter
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewLoader builds a loader. One breaker is shared across areas so that a
// dead API stops being called after a few consecutive failures.
func NewLoader(pager *socrata.Pager, endpoint string, rates RatesReader, store tracts.Upserter, log *zap.Logger) *Loader {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        Source,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// An area without rows is not an outage.
			return err == nil || errors.Is(err, ErrNoData)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Loader{pager: pager, endpoint: endpoint, rates: rates, store: store, breaker: breaker, log: log}
}

// LoadArea tries the API first and falls back to the estimator when it
// fails or returns nothing. Both paths write the same column.
func (l *Loader) LoadArea(ctx context.Context, area string) (int64, error) {
	rows, err := l.fetchReal(ctx, area)
	if err != nil {
		l.log.Info("ejscreen unavailable, estimating from demographics",
			zap.String("area", area), zap.Error(err))
		rows, err = l.estimateArea(ctx, area)
		if err != nil {
			etlog.LogError(l.log, Source, "estimate", err)
			return 0, err
		}
	}
	if len(rows) == 0 {
		l.log.Warn("no tracts found for area", zap.String("area", area))
		return 0, nil
	}

	start := time.Now()
	n, err := l.store.Upsert(ctx, rows,
		[]string{tracts.ColEnvironmentalIndicators},
		[]string{tracts.ColEnvironmentalIndicators},
	)
	if err != nil {
		etlog.LogError(l.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, n, time.Since(start))
	return n, nil
}

func (l *Loader) fetchReal(ctx context.Context, area string) ([]tracts.Row, error) {
	where, err := socrata.StartsWith("id", area)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("$where", where)

	out, err := l.breaker.Execute(func() (interface{}, error) {
		raw, err := l.pager.FetchAll(ctx, l.endpoint, params)
		if err != nil {
			return nil, err
		}
		rows := MapReal(raw)
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]tracts.Row), nil
}

// MapReal renames API fields and tags each tract as real data. Rows whose
// id is not tract-level are dropped; unparseable values are omitted.
func MapReal(raw []map[string]any) []tracts.Row {
	byTract := make(map[string]*Indicators, len(raw))
	for _, r := range raw {
		geoid := socrata.String(r, "id")
		if len(geoid) != geoidWidth {
			continue
		}
		ind := &Indicators{}
		for _, f := range fieldMap {
			if v, ok := socrata.Float(r, f.api); ok {
				ind.Set(f.name, v)
			}
		}
		ind.Set(SourceKey, SourceReal)
		byTract[geoid] = ind
	}
	return sortedRows(byTract)
}

func (l *Loader) estimateArea(ctx context.Context, area string) ([]tracts.Row, error) {
	units, err := l.rates.AreaRates(ctx, area)
	if err != nil {
		return nil, fmt.Errorf("read estimator inputs: %w", err)
	}
	byTract := make(map[string]*Indicators, len(units))
	for _, u := range units {
		byTract[u.GEOID] = Estimate(u.PovertyRate, u.Vulnerability)
	}
	return sortedRows(byTract), nil
}

func sortedRows(byTract map[string]*Indicators) []tracts.Row {
	geoids := make([]string, 0, len(byTract))
	for g := range byTract {
		geoids = append(geoids, g)
	}
	sort.Strings(geoids)

	out := make([]tracts.Row, 0, len(geoids))
	for _, g := range geoids {
		out = append(out, tracts.Row{GEOID: g, Values: map[string]any{tracts.ColEnvironmentalIndicators: byTract[g]}})
	}
	return out
}
