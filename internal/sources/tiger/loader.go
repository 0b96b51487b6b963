// Package tiger loads Census TIGER/Line tract boundaries. It is the only
// loader that creates tract rows: each area is deleted and re-inserted.
package tiger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/archive"
	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the TIGER download.
const Source = "tiger"

var (
	ErrMissingField = errors.New("tiger shapefile missing field")
	// ErrNoUnits is returned instead of replacing an area with nothing.
	ErrNoUnits = errors.New("tiger shapefile has no tracts for area")
)

// AreaWriter replaces every tract row of an area.
type AreaWriter interface {
	ReplaceArea(ctx context.Context, area string, units []tracts.Unit) (int, error)
}

// Loader downloads one zipped shapefile per area.
type Loader struct {
	get         fetch.Getter
	urlTemplate string
	archive     archive.Archive
	store       AreaWriter
	log         *zap.Logger
}

// NewLoader uses urlTemplate with {year} and {state} substituted.
func NewLoader(get fetch.Getter, urlTemplate string, arc archive.Archive, store AreaWriter, log *zap.Logger) *Loader {
	if arc == nil {
		arc = archive.Nop{}
	}
	return &Loader{get: get, urlTemplate: urlTemplate, archive: arc, store: store, log: log}
}

// LoadArea replaces the area's tracts with the boundaries for year. It
// returns the number of rows inserted.
func (l *Loader) LoadArea(ctx context.Context, year int, area string) (int, error) {
	u := strings.NewReplacer("{year}", strconv.Itoa(year), "{state}", area).Replace(l.urlTemplate)
	resp, err := l.get.Get(ctx, u, nil)
	if err != nil {
		etlog.LogError(l.log, Source, "download", err)
		return 0, fmt.Errorf("download tiger %d area %s: %w", year, area, err)
	}

	name := fmt.Sprintf("tl_%d_%s_tract.zip", year, area)
	if err := l.archive.Put(ctx, fmt.Sprintf("tiger/%d/%s", year, name), resp.Body, "application/zip"); err != nil {
		etlog.LogError(l.log, Source, "archive", err)
	}

	// The shapefile reader needs a seekable file on disk.
	tmp, err := os.CreateTemp("", "tiger-*.zip")
	if err != nil {
		return 0, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(resp.Body); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	start := time.Now()
	units, skipped, err := ReadUnits(tmp.Name(), area)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	if skipped > 0 {
		l.log.Warn("skipped records outside area", zap.String("area", area), zap.Int("skipped", skipped))
	}
	etlog.LogTransform(l.log, Source, len(units)+skipped, len(units), time.Since(start))
	if len(units) == 0 {
		err := fmt.Errorf("%w %s (%d records skipped)", ErrNoUnits, area, skipped)
		etlog.LogError(l.log, Source, "read", err)
		return 0, err
	}

	start = time.Now()
	n, err := l.store.ReplaceArea(ctx, area, units)
	if err != nil {
		etlog.LogError(l.log, Source, "replace", err)
		return 0, err
	}
	etlog.LogUpsert(l.log, Source, area, int64(n), time.Since(start))
	return n, nil
}

// ReadUnits parses a zipped TIGER tract shapefile. Records whose GEOID is
// not an 11-character code in area are skipped and counted. Coordinates
// are taken as EPSG:4326 (TIGER ships NAD83 lon/lat).
func ReadUnits(zipPath, area string) ([]tracts.Unit, int, error) {
	r, err := shp.OpenZip(zipPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	fields := make(map[string]int)
	for i, f := range r.Fields() {
		fields[strings.ToUpper(f.String())] = i
	}
	geoidField, ok := fields["GEOID"]
	if !ok {
		return nil, 0, fmt.Errorf("%w: GEOID", ErrMissingField)
	}
	nameField, hasName := fields["NAMELSAD"]
	if !hasName {
		nameField, hasName = fields["NAME"]
	}

	var units []tracts.Unit
	skipped := 0
	for r.Next() {
		n, shape := r.Shape()
		geoid := attribute(r, geoidField)
		if len(geoid) != 11 || !strings.HasPrefix(geoid, area) {
			skipped++
			continue
		}

		mp, degenerate := toMultiPolygon(shape)
		b, err := encodeWKB(mp)
		if err != nil {
			return nil, 0, fmt.Errorf("record %d: %w", n, err)
		}

		u := tracts.Unit{
			GEOID:       geoid,
			AreaCode:    geoid[:2],
			SubareaCode: geoid[2:5],
			UnitCode:    geoid[5:],
			WKB:         b,
			Degenerate:  degenerate,
		}
		if hasName {
			if name := attribute(r, nameField); name != "" {
				u.DisplayName = &name
			}
		}
		units = append(units, u)
	}
	if err := r.Err(); err != nil {
		return nil, 0, fmt.Errorf("read shapes: %w", err)
	}
	return units, skipped, nil
}

// attribute strips the space and NUL padding of a fixed-width DBF value.
func attribute(r *shp.ZipReader, field int) string {
	return strings.Trim(r.Attribute(field), " \x00")
}
