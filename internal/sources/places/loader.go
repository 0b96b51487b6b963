// Package places loads CDC PLACES tract-level crude prevalence measures.
package places

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/socrata"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the PLACES API.
const Source = "places"

const (
	valueType  = "Crude prevalence"
	geoidWidth = 11
)

// Measures is the allow-list of PLACES measure ids kept per tract.
var Measures = []string{
	"DIABETES", "OBESITY", "MHLTH", "PHLTH", "BPHIGH", "CASTHMA", "CHD",
	"CSMOKING", "ACCESS2", "CHECKUP", "DENTAL", "SLEEP", "LPA", "BINGE",
}

// Loader pivots long PLACES rows into one measure map per tract.
type Loader struct {
	pager    *socrata.Pager
	endpoint func(year int) string
	store    tracts.Upserter
	log      *zap.Logger
}

// NewLoader builds a loader. endpoint maps a PLACES release year to its
// SODA resource URL.
func NewLoader(pager *socrata.Pager, endpoint func(year int) string, store tracts.Upserter, log *zap.Logger) *Loader {
	return &Loader{pager: pager, endpoint: endpoint, store: store, log: log}
}

// LoadArea fetches every crude-prevalence row for the area from the given
// release and upserts health_measures.
func (l *Loader) LoadArea(ctx context.Context, year int, area string) (int64, error) {
	where, err := socrata.StartsWith("locationid", area)
	if err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("$where", fmt.Sprintf("%s AND data_value_type='%s'", where, valueType))

	raw, err := l.pager.FetchAll(ctx, l.endpoint(year), params)
	if err != nil {
		etlog.LogError(l.log, Source, "fetch", err)
		return 0, err
	}

	start := time.Now()
	rows := Pivot(raw)
	etlog.LogTransform(l.log, Source, len(raw), len(rows), time.Since(start))

	start = time.Now()
	n, err := l.store.Upsert(ctx, rows,
		[]string{tracts.ColHealthMeasures},
		[]string{tracts.ColHealthMeasures},
	)
	if err != nil {
		etlog.LogError(l.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, n, time.Since(start))
	return n, nil
}

// Pivot keeps tract-level rows for allow-listed measures and folds them into
// one row per tract. The first value seen for a (tract, measure) pair wins;
// values are rounded to one decimal and every allow-listed measure is
// present, null when missing. Rows are sorted by GEOID.
func Pivot(raw []map[string]any) []tracts.Row {
	allowed := make(map[string]bool, len(Measures))
	for _, m := range Measures {
		allowed[m] = true
	}

	byTract := make(map[string]map[string]*float64)
	for _, r := range raw {
		geoid := socrata.String(r, "locationid")
		measure := strings.ToUpper(socrata.String(r, "measureid"))
		if len(geoid) != geoidWidth || !allowed[measure] {
			continue
		}
		vals, ok := byTract[geoid]
		if !ok {
			vals = make(map[string]*float64, len(Measures))
			byTract[geoid] = vals
		}
		if _, seen := vals[measure]; seen {
			continue
		}
		if v, ok := socrata.Float(r, "data_value"); ok {
			vals[measure] = tracts.Float(tracts.Round(v, 1))
		}
	}

	geoids := make([]string, 0, len(byTract))
	for g := range byTract {
		geoids = append(geoids, g)
	}
	sort.Strings(geoids)

	out := make([]tracts.Row, 0, len(geoids))
	for _, g := range geoids {
		var m tracts.Measures
		for _, id := range Measures {
			m.Set(strings.ToLower(id), byTract[g][id])
		}
		out = append(out, tracts.Row{GEOID: g, Values: map[string]any{tracts.ColHealthMeasures: m}})
	}
	return out
}
