package acs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Loader writes the demographic scalars for an area.
type Loader struct {
	client *Client
	store  tracts.Upserter
	log    *zap.Logger
}

func NewLoader(client *Client, store tracts.Upserter, log *zap.Logger) *Loader {
	return &Loader{client: client, store: store, log: log}
}

// LoadArea fetches both ACS tables for the area and period and upserts the
// six scalars. Units present in only one table still get their values;
// everything else is written as null.
func (l *Loader) LoadArea(ctx context.Context, year int, area string) (int64, error) {
	records, err := l.client.FetchArea(ctx, year, area)
	if err != nil {
		etlog.LogError(l.log, Source, "fetch", err)
		return 0, err
	}

	rows := make([]tracts.Row, 0, len(records))
	for _, r := range records {
		vals := make(map[string]any, len(tracts.DemographicColumns))
		for _, col := range tracts.DemographicColumns {
			if v, ok := r.Values[col]; ok {
				vals[col] = v
			} else {
				vals[col] = nil
			}
		}
		rows = append(rows, tracts.Row{GEOID: r.GEOID, Values: vals})
	}

	start := time.Now()
	n, err := l.store.Upsert(ctx, rows, tracts.DemographicColumns, nil)
	if err != nil {
		etlog.LogError(l.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, n, time.Since(start))
	return n, nil
}
