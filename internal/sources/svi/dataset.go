// Package svi loads CDC/ATSDR Social Vulnerability Index theme percentiles
// from the national tract-level CSV.
package svi

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/EmpoweredVote/geohealth-etl/internal/archive"
	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
)

// Source is the log/metrics name of the SVI download.
const Source = "svi"

// missingValue marks an unavailable percentile in the SVI files.
const missingValue = -999

var ErrMissingColumn = errors.New("svi csv missing column")

// ThemeColumns are the percentile rankings kept per tract, lower-cased on
// storage.
var ThemeColumns = []string{"RPL_THEME1", "RPL_THEME2", "RPL_THEME3", "RPL_THEME4", "RPL_THEMES"}

// Entry is one tract row of the national file. Themes has one entry per
// ThemeColumns element; nil means missing.
type Entry struct {
	FIPS   string
	Themes []*float64
}

// Dataset is the parsed national file. It is read-only once built and is
// shared by every area in a run.
type Dataset struct {
	Year    int
	entries []Entry
}

// NewDataset builds a dataset from already-parsed entries.
func NewDataset(year int, entries []Entry) *Dataset {
	return &Dataset{Year: year, entries: entries}
}

// Len returns the number of tract rows.
func (d *Dataset) Len() int { return len(d.entries) }

// ForArea returns the rows whose FIPS starts with area.
func (d *Dataset) ForArea(area string) []Entry {
	var out []Entry
	for _, e := range d.entries {
		if strings.HasPrefix(e.FIPS, area) {
			out = append(out, e)
		}
	}
	return out
}

// Downloader fetches the national CSV once per run.
type Downloader struct {
	get         fetch.Getter
	urlTemplate string
	archive     archive.Archive
	log         *zap.Logger
}

// NewDownloader uses urlTemplate with {year} substituted.
func NewDownloader(get fetch.Getter, urlTemplate string, arc archive.Archive, log *zap.Logger) *Downloader {
	if arc == nil {
		arc = archive.Nop{}
	}
	return &Downloader{get: get, urlTemplate: urlTemplate, archive: arc, log: log}
}

// Download fetches and parses the national file for year.
func (d *Downloader) Download(ctx context.Context, year int) (*Dataset, error) {
	u := strings.ReplaceAll(d.urlTemplate, "{year}", strconv.Itoa(year))
	d.log.Info("downloading national vulnerability file", zap.String("url", u))

	resp, err := d.get.Get(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("download svi %d: %w", year, err)
	}

	key := fmt.Sprintf("svi/%d/SVI_%d_US.csv", year, year)
	if err := d.archive.Put(ctx, key, resp.Body, "text/csv"); err != nil {
		etlog.LogError(d.log, Source, "archive", err)
	}

	start := time.Now()
	entries, err := ParseCSV(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse svi %d: %w", year, err)
	}
	etlog.LogTransform(d.log, Source, len(entries), len(entries), time.Since(start))
	return NewDataset(year, entries), nil
}

// ParseCSV reads the national file. A leading byte-order mark is dropped,
// FIPS stays a string and ten-digit FIPS codes are zero-padded.
func ParseCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	fipsCol, ok := idx["FIPS"]
	if !ok {
		return nil, fmt.Errorf("%w: FIPS", ErrMissingColumn)
	}
	themeCols := make([]int, len(ThemeColumns))
	for i, c := range ThemeColumns {
		col, ok := idx[c]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
		themeCols[i] = col
	}

	var out []Entry
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if fipsCol >= len(rec) {
			continue
		}
		fips := strings.TrimSpace(rec[fipsCol])
		if len(fips) == 10 {
			fips = "0" + fips
		}
		if fips == "" {
			continue
		}

		themes := make([]*float64, len(themeCols))
		for i, col := range themeCols {
			if col >= len(rec) {
				continue
			}
			themes[i] = parseTheme(rec[col])
		}
		out = append(out, Entry{FIPS: fips, Themes: themes})
	}
	return out, nil
}

func parseTheme(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f == missingValue {
		return nil
	}
	return &f
}
