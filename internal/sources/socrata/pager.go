// Package socrata pages through SODA (data.cdc.gov) resource endpoints.
package socrata

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
)

// DefaultPageSize is the largest $limit the SODA 2.x API accepts per page.
const DefaultPageSize = 50000

var areaRe = regexp.MustCompile(`^[0-9]{2}$`)

// Pager fetches every page of a query.
type Pager struct {
	get      fetch.Getter
	source   string
	pageSize int
	log      *zap.Logger
}

// NewPager builds a pager. pageSize <= 0 uses DefaultPageSize.
func NewPager(get fetch.Getter, source string, pageSize int, log *zap.Logger) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{get: get, source: source, pageSize: pageSize, log: log}
}

// FetchAll requests pages with increasing $offset until a short or empty
// page comes back.
func (p *Pager) FetchAll(ctx context.Context, endpoint string, baseParams url.Values) ([]map[string]any, error) {
	var all []map[string]any
	offset := 0

	for {
		params := url.Values{}
		for k, vs := range baseParams {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
		params.Set("$limit", strconv.Itoa(p.pageSize))
		params.Set("$offset", strconv.Itoa(offset))

		start := time.Now()
		resp, err := p.get.Get(ctx, endpoint, params)
		if err != nil {
			return nil, fmt.Errorf("%s page offset=%d: %w", p.source, offset, err)
		}

		var page []map[string]any
		if err := resp.DecodeJSON(&page); err != nil {
			etlog.LogError(p.log, p.source, "decode", err)
			return nil, fmt.Errorf("decode %s page: %w", p.source, err)
		}
		all = append(all, page...)
		etlog.LogResponse(p.log, p.source, resp.StatusCode, time.Since(start), len(page))

		if len(page) < p.pageSize {
			break
		}
		offset += len(page)
	}

	return all, nil
}

// StartsWith builds a SoQL starts_with clause for an area prefix. Areas are
// validated so the clause cannot be broken out of.
func StartsWith(field, area string) (string, error) {
	if !areaRe.MatchString(area) {
		return "", fmt.Errorf("invalid area code %q", area)
	}
	return fmt.Sprintf("starts_with(%s, '%s')", field, area), nil
}

// String reads a field as a trimmed string.
func String(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Float reads a numeric field. SODA serializes numbers as strings.
func Float(row map[string]any, key string) (float64, bool) {
	switch v := row[key].(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
