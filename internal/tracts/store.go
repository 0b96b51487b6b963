package tracts

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/geohealth-etl/internal/db"
)

const insertBatchSize = 1000

// Store is the Postgres/PostGIS persistence layer for tract rows.
type Store struct {
	db    *gorm.DB
	table string
	log   *zap.Logger
}

// NewStore wraps an open connection.
func NewStore(d *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: d, table: TableName, log: log.Named("tracts")}
}

// EnsureSchema creates the PostGIS extension, the tract table and its
// spatial index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	d := s.db.WithContext(ctx)
	if err := db.EnsureExtension(d, "postgis"); err != nil {
		return fmt.Errorf("ensure postgis: %w", err)
	}
	if err := d.AutoMigrate(&TractProfile{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	if err := d.Exec(`CREATE INDEX IF NOT EXISTS idx_tract_profiles_geometry ON ` + s.table + ` USING GIST (geometry)`).Error; err != nil {
		return fmt.Errorf("geometry index: %w", err)
	}
	return nil
}

// LoadedAreas returns the area codes that already have geometry. When areas
// is non-empty the result is limited to those codes.
func (s *Store) LoadedAreas(ctx context.Context, areas []string) (map[string]bool, error) {
	q := s.db.WithContext(ctx).
		Table(s.table).
		Distinct("area_code").
		Where("geometry IS NOT NULL")
	if len(areas) > 0 {
		q = q.Where("area_code = ANY(?)", pq.Array(areas))
	}

	var codes []string
	if err := q.Pluck("area_code", &codes).Error; err != nil {
		return nil, fmt.Errorf("query loaded areas: %w", err)
	}
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out, nil
}

// UnitRates are the already-loaded inputs the derived steps read back.
type UnitRates struct {
	GEOID            string   `gorm:"column:geoid"`
	PovertyRate      *float64 `gorm:"column:poverty_rate"`
	UninsuredRate    *float64 `gorm:"column:uninsured_rate"`
	UnemploymentRate *float64 `gorm:"column:unemployment_rate"`
	// Vulnerability is the overall vulnerability percentile (rpl_themes).
	Vulnerability *float64 `gorm:"column:vulnerability"`
}

// AreaRates reads rate columns and the overall vulnerability percentile for
// every unit in an area, ordered by GEOID.
func (s *Store) AreaRates(ctx context.Context, area string) ([]UnitRates, error) {
	var out []UnitRates
	err := s.db.WithContext(ctx).Raw(`
		SELECT geoid,
		       poverty_rate,
		       uninsured_rate,
		       unemployment_rate,
		       (vulnerability_themes->>'rpl_themes')::double precision AS vulnerability
		FROM `+s.table+`
		WHERE area_code = ?
		ORDER BY geoid`, area).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("read rates for area %s: %w", area, err)
	}
	return out, nil
}

// Unit is a tract boundary ready for insertion.
type Unit struct {
	GEOID       string
	AreaCode    string
	SubareaCode string
	UnitCode    string
	DisplayName *string
	// WKB is a MultiPolygon in EPSG:4326; nil stores a NULL geometry.
	WKB []byte
	// Degenerate marks boundaries whose rings could not be classified; they
	// are dissolved with ST_UnaryUnion before storage.
	Degenerate bool
}

const (
	geomExpr           = "ST_Multi(ST_GeomFromWKB(?::bytea, 4326))"
	degenerateGeomExpr = "ST_Multi(ST_CollectionExtract(ST_UnaryUnion(ST_MakeValid(ST_GeomFromWKB(?::bytea, 4326))), 3))"
)

// ReplaceArea deletes every row for area and inserts units in one
// transaction. It is the only write path that creates rows.
func (s *Store) ReplaceArea(ctx context.Context, area string, units []Unit) (int, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM "+s.table+" WHERE area_code = ?", area).Error; err != nil {
			return fmt.Errorf("delete area %s: %w", area, err)
		}
		for start := 0; start < len(units); start += insertBatchSize {
			end := min(start+insertBatchSize, len(units))
			sql, args := insertUnitsSQL(s.table, units[start:end])
			if err := tx.Exec(sql, args...).Error; err != nil {
				return fmt.Errorf("insert area %s rows %d-%d: %w", area, start, end, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(units), nil
}

func insertUnitsSQL(table string, units []Unit) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO " + table + " (geoid, area_code, subarea_code, unit_code, display_name, geometry) VALUES ")
	args := make([]any, 0, len(units)*6)
	for i, u := range units {
		if i > 0 {
			b.WriteString(", ")
		}
		expr := geomExpr
		if u.Degenerate {
			expr = degenerateGeomExpr
		}
		b.WriteString("(?, ?, ?, ?, ?, " + expr + ")")
		var wkb any
		if u.WKB != nil {
			wkb = u.WKB
		}
		args = append(args, u.GEOID, u.AreaCode, u.SubareaCode, u.UnitCode, u.DisplayName, wkb)
	}
	return b.String(), args
}
