// Package sdoh derives the composite social-determinants index for a tract
// from its already-loaded rates and vulnerability percentile.
package sdoh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the index step.
const Source = "sdoh"

// Store reads an area's inputs and writes the index back.
type Store interface {
	tracts.Upserter
	AreaRates(ctx context.Context, area string) ([]tracts.UnitRates, error)
}

type Calculator struct {
	store Store
	log   *zap.Logger
}

func NewCalculator(store Store, log *zap.Logger) *Calculator {
	return &Calculator{store: store, log: log}
}

// ComputeArea recomputes composite_index for every tract in area.
func (c *Calculator) ComputeArea(ctx context.Context, area string) (int64, error) {
	units, err := c.store.AreaRates(ctx, area)
	if err != nil {
		etlog.LogError(c.log, Source, "read rates", err)
		return 0, err
	}

	start := time.Now()
	index := Compute(units)
	rows := make([]tracts.Row, 0, len(units))
	for _, u := range units {
		rows = append(rows, tracts.Row{
			GEOID:  u.GEOID,
			Values: map[string]any{tracts.ColCompositeIndex: index[u.GEOID]},
		})
	}
	etlog.LogTransform(c.log, Source, len(units), len(rows), time.Since(start))

	start = time.Now()
	n, err := c.store.Upsert(ctx, rows, []string{tracts.ColCompositeIndex}, nil)
	if err != nil {
		etlog.LogError(c.log, Source, "upsert", err)
		return 0, err
	}
	etlog.LogUpsert(c.log, Source, area, n, time.Since(start))
	return n, nil
}

// Compute returns the composite index per GEOID. Each rate is min-max
// normalized within units; a rate with no spread contributes nothing. The
// index is the mean of the available normalized rates and the vulnerability
// percentile, rounded to 4 places, or nil when none is available.
func Compute(units []tracts.UnitRates) map[string]*float64 {
	rates := []func(tracts.UnitRates) *float64{
		func(u tracts.UnitRates) *float64 { return u.PovertyRate },
		func(u tracts.UnitRates) *float64 { return u.UninsuredRate },
		func(u tracts.UnitRates) *float64 { return u.UnemploymentRate },
	}
	scalers := make([]minMax, len(rates))
	for i, rate := range rates {
		for _, u := range units {
			scalers[i].add(rate(u))
		}
	}

	out := make(map[string]*float64, len(units))
	for _, u := range units {
		var sum float64
		var n int
		for i, rate := range rates {
			if v, ok := scalers[i].scale(rate(u)); ok {
				sum += v
				n++
			}
		}
		if u.Vulnerability != nil {
			sum += *u.Vulnerability
			n++
		}
		if n == 0 {
			out[u.GEOID] = nil
			continue
		}
		out[u.GEOID] = tracts.Float(tracts.Round(sum/float64(n), 4))
	}
	return out
}

type minMax struct {
	min, max float64
	seen     bool
}

func (m *minMax) add(v *float64) {
	if v == nil {
		return
	}
	if !m.seen {
		m.min, m.max, m.seen = *v, *v, true
		return
	}
	m.min = min(m.min, *v)
	m.max = max(m.max, *v)
}

func (m *minMax) scale(v *float64) (float64, bool) {
	if v == nil || !m.seen || m.max == m.min {
		return 0, false
	}
	return (*v - m.min) / (m.max - m.min), true
}
