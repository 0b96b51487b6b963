package ejscreen

import "github.com/EmpoweredVote/geohealth-etl/internal/tracts"

const (
	defaultPoverty       = 10.0
	defaultVulnerability = 0.5
	povertyScale         = 30.0
	minBurden            = 0.1
	maxBurden            = 1.0
)

// metric is base + burden*coefficient, rounded to places.
type metric struct {
	name        string
	base        float64
	coefficient float64
	places      int
}

// Higher poverty and vulnerability track higher environmental burden; each
// metric scales linearly with the burden factor.
var metrics = []metric{
	{"pm25", 6.0, 6.0, 1},
	{"ozone", 35.0, 15.0, 1},
	{"diesel_pm", 0.1, 0.8, 2},
	{"air_toxics_cancer_risk", 15.0, 30.0, 1},
	{"respiratory_hazard_index", 0.2, 0.6, 2},
	{"traffic_proximity", 50.0, 500.0, 0},
	{"lead_paint_pct", 0.1, 0.5, 2},
	{"superfund_proximity", 0, 2.0, 2},
	{"rmp_proximity", 0, 1.5, 2},
	{"hazardous_waste_proximity", 0, 3.0, 2},
	{"wastewater_discharge", 0, 50.0, 1},
}

// BurdenFactor is clamp((poverty/30 + vulnerability)/2, 0.1, 1.0).
func BurdenFactor(poverty, vulnerability float64) float64 {
	b := (poverty/povertyScale + vulnerability) / 2
	return min(max(b, minBurden), maxBurden)
}

// Estimate derives the indicator map for one tract from its poverty rate and
// overall vulnerability percentile. Null inputs use the national defaults
// (10% poverty, 0.5 percentile).
func Estimate(poverty, vulnerability *float64) *Indicators {
	p, v := defaultPoverty, defaultVulnerability
	if poverty != nil {
		p = *poverty
	}
	if vulnerability != nil {
		v = *vulnerability
	}
	b := BurdenFactor(p, v)

	out := &Indicators{}
	for _, m := range metrics {
		out.Set(m.name, tracts.Round(m.base+b*m.coefficient, m.places))
	}
	out.Set(SourceKey, SourceEstimated)
	return out
}
