// Package acs loads the six demographic scalars from the Census ACS 5-year
// detail and subject tables.
package acs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
)

// Source is the log/metrics name of the Census API.
const Source = "census"

// ErrMalformedTable is returned when a response is not a header-first table.
var ErrMalformedTable = errors.New("malformed census table")

// Census annotation values that stand in for "no estimate". -666666666 is
// the common one; the others mark medians and margins that could not be
// computed.
var nullSentinels = map[float64]bool{
	-666666666: true,
	-999999999: true,
	-888888888: true,
	-555555555: true,
	-333333333: true,
	-222222222: true,
}

type variable struct {
	code   string
	column string
}

var detailVariables = []variable{
	{"B01003_001E", tracts.ColTotalPopulation},
	{"B19013_001E", tracts.ColMedianHouseholdIncome},
	{"B01002_001E", tracts.ColMedianAge},
}

var subjectVariables = []variable{
	{"S1701_C03_001E", tracts.ColPovertyRate},
	{"S2701_C05_001E", tracts.ColUninsuredRate},
	{"S2301_C04_001E", tracts.ColUnemploymentRate},
}

// Record holds the demographic values present for one tract. A column
// missing from Values is null.
type Record struct {
	GEOID  string
	Values map[string]float64
}

// Client reads ACS tables for one area at a time.
type Client struct {
	get     fetch.Getter
	baseURL string
	log     *zap.Logger
}

// NewClient creates a client against baseURL (https://api.census.gov/data).
func NewClient(get fetch.Getter, baseURL string, log *zap.Logger) *Client {
	return &Client{get: get, baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

// FetchArea fetches the detail and subject tables for an area and outer
// joins them on GEOID. Records are sorted by GEOID.
func (c *Client) FetchArea(ctx context.Context, year int, area string) ([]Record, error) {
	detail, err := c.fetchTable(ctx, fmt.Sprintf("%s/%d/acs/acs5", c.baseURL, year), detailVariables, area)
	if err != nil {
		return nil, fmt.Errorf("detail table %d area %s: %w", year, area, err)
	}
	subject, err := c.fetchTable(ctx, fmt.Sprintf("%s/%d/acs/acs5/subject", c.baseURL, year), subjectVariables, area)
	if err != nil {
		return nil, fmt.Errorf("subject table %d area %s: %w", year, area, err)
	}

	start := time.Now()
	joined := make(map[string]map[string]float64, len(detail))
	for _, table := range []map[string]map[string]float64{detail, subject} {
		for geoid, vals := range table {
			dst, ok := joined[geoid]
			if !ok {
				dst = make(map[string]float64, 6)
				joined[geoid] = dst
			}
			for k, v := range vals {
				dst[k] = v
			}
		}
	}

	out := make([]Record, 0, len(joined))
	for geoid, vals := range joined {
		out = append(out, Record{GEOID: geoid, Values: vals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GEOID < out[j].GEOID })

	etlog.LogTransform(c.log, Source, len(detail)+len(subject), len(out), time.Since(start))
	return out, nil
}

func (c *Client) fetchTable(ctx context.Context, endpoint string, vars []variable, area string) (map[string]map[string]float64, error) {
	codes := make([]string, len(vars))
	for i, v := range vars {
		codes[i] = v.code
	}
	params := url.Values{}
	params.Set("get", strings.Join(codes, ","))
	params.Set("for", "tract:*")
	params.Set("in", "state:"+area)

	resp, err := c.get.Get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var table [][]*string
	if err := resp.DecodeJSON(&table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}
	return parseTable(table, vars)
}

// parseTable turns a header-first Census table into GEOID -> column -> value.
func parseTable(table [][]*string, vars []variable) (map[string]map[string]float64, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedTable)
	}

	idx := make(map[string]int, len(table[0]))
	for i, h := range table[0] {
		if h != nil {
			idx[*h] = i
		}
	}
	for _, key := range []string{"state", "county", "tract"} {
		if _, ok := idx[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q column", ErrMalformedTable, key)
		}
	}
	for _, v := range vars {
		if _, ok := idx[v.code]; !ok {
			return nil, fmt.Errorf("%w: missing %q column", ErrMalformedTable, v.code)
		}
	}

	out := make(map[string]map[string]float64, len(table)-1)
	for _, row := range table[1:] {
		if len(row) != len(table[0]) {
			return nil, fmt.Errorf("%w: row has %d cells, header has %d", ErrMalformedTable, len(row), len(table[0]))
		}
		geoid := cell(row, idx["state"]) + cell(row, idx["county"]) + cell(row, idx["tract"])
		vals := make(map[string]float64, len(vars))
		for _, v := range vars {
			if f, ok := parseValue(cell(row, idx[v.code])); ok {
				vals[v.column] = f
			}
		}
		out[geoid] = vals
	}
	return out, nil
}

func cell(row []*string, i int) string {
	if row[i] == nil {
		return ""
	}
	return strings.TrimSpace(*row[i])
}

func parseValue(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || nullSentinels[f] {
		return 0, false
	}
	return f, true
}
