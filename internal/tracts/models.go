package tracts

import "gorm.io/datatypes"

// TableName is the fused per-tract table every loader writes.
const TableName = "tract_profiles"

// TractProfile is one geographic unit keyed by its 11-character GEOID
// (2-digit area + 3-digit subarea + 6-digit unit code).
type TractProfile struct {
	GEOID       string  `gorm:"column:geoid;primaryKey;type:varchar(11)"`
	AreaCode    string  `gorm:"column:area_code;type:varchar(2);not null;index"`
	SubareaCode string  `gorm:"column:subarea_code;type:varchar(3);not null"`
	UnitCode    string  `gorm:"column:unit_code;type:varchar(6);not null"`
	DisplayName *string `gorm:"column:display_name;type:text"`

	// Written only through SQL (ST_GeomFromWKB); never read into Go.
	Geometry *string `gorm:"column:geometry;type:geometry(MultiPolygon,4326)" json:"-"`

	TotalPopulation       *int64   `gorm:"column:total_population"`
	MedianHouseholdIncome *float64 `gorm:"column:median_household_income"`
	PovertyRate           *float64 `gorm:"column:poverty_rate"`
	UninsuredRate         *float64 `gorm:"column:uninsured_rate"`
	UnemploymentRate      *float64 `gorm:"column:unemployment_rate"`
	MedianAge             *float64 `gorm:"column:median_age"`

	VulnerabilityThemes     datatypes.JSON `gorm:"column:vulnerability_themes;type:jsonb"`
	HealthMeasures          datatypes.JSON `gorm:"column:health_measures;type:jsonb"`
	CompositeIndex          *float64       `gorm:"column:composite_index"`
	Trends                  datatypes.JSON `gorm:"column:trends;type:jsonb"`
	EnvironmentalIndicators datatypes.JSON `gorm:"column:environmental_indicators;type:jsonb"`
}

func (TractProfile) TableName() string { return TableName }

// Demographic scalar columns, in the order loaders emit them.
const (
	ColTotalPopulation       = "total_population"
	ColMedianHouseholdIncome = "median_household_income"
	ColPovertyRate           = "poverty_rate"
	ColUninsuredRate         = "uninsured_rate"
	ColUnemploymentRate      = "unemployment_rate"
	ColMedianAge             = "median_age"

	ColVulnerabilityThemes     = "vulnerability_themes"
	ColHealthMeasures          = "health_measures"
	ColCompositeIndex          = "composite_index"
	ColTrends                  = "trends"
	ColEnvironmentalIndicators = "environmental_indicators"
)

// DemographicColumns lists the six scalars loaded from the survey tables.
var DemographicColumns = []string{
	ColTotalPopulation,
	ColMedianHouseholdIncome,
	ColPovertyRate,
	ColUninsuredRate,
	ColUnemploymentRate,
	ColMedianAge,
}
