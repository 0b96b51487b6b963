package tracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stagingTable     = "_etl_staging"
	stagingBatchSize = 1000
)

var (
	ErrInvalidColumn = errors.New("invalid column name")
	ErrInvalidValue  = errors.New("unsupported column value")

	columnRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// Row is one keyed record bound for the staging table. Values holds one
// entry per update column; a missing entry or nil is written as NULL.
type Row struct {
	GEOID  string
	Values map[string]any
}

// Upserter merges keyed rows into existing tract rows.
type Upserter interface {
	Upsert(ctx context.Context, rows []Row, updateColumns, jsonColumns []string, opts ...UpsertOption) (int64, error)
}

// UpsertOption adjusts how staged values are merged.
type UpsertOption func(*upsertPlan)

// MergeJSON merges staged objects into the existing column value key by key
// (jsonb ||) instead of replacing it. Columns must also be json columns.
func MergeJSON(columns ...string) UpsertOption {
	return func(p *upsertPlan) {
		for _, c := range columns {
			p.merge[c] = true
		}
	}
}

type upsertPlan struct {
	columns []string
	json    map[string]bool
	merge   map[string]bool
}

func newUpsertPlan(updateColumns, jsonColumns []string, opts ...UpsertOption) (*upsertPlan, error) {
	if len(updateColumns) == 0 {
		return nil, fmt.Errorf("%w: no update columns", ErrInvalidColumn)
	}
	p := &upsertPlan{json: map[string]bool{}, merge: map[string]bool{}}
	seen := map[string]bool{}
	for _, c := range updateColumns {
		if !columnRe.MatchString(c) || c == "geoid" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, c)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		p.columns = append(p.columns, c)
	}
	for _, c := range jsonColumns {
		if !seen[c] {
			return nil, fmt.Errorf("%w: json column %q is not an update column", ErrInvalidColumn, c)
		}
		p.json[c] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	for c := range p.merge {
		if !p.json[c] {
			return nil, fmt.Errorf("%w: merge column %q is not a json column", ErrInvalidColumn, c)
		}
	}
	return p, nil
}

// createSQL declares the staging table. JSON travels as text and is cast on
// merge; scalars are double precision and cast by assignment.
func (p *upsertPlan) createSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TEMP TABLE " + stagingTable + " (geoid varchar(11) PRIMARY KEY")
	for _, c := range p.columns {
		typ := "double precision"
		if p.json[c] {
			typ = "text"
		}
		b.WriteString(", " + c + " " + typ)
	}
	b.WriteString(") ON COMMIT DROP")
	return b.String()
}

func (p *upsertPlan) updateSQL(target string) string {
	sets := make([]string, 0, len(p.columns))
	for _, c := range p.columns {
		switch {
		case p.merge[c]:
			sets = append(sets, fmt.Sprintf("%s = COALESCE(t.%s, '{}'::jsonb) || COALESCE(s.%s::jsonb, '{}'::jsonb)", c, c, c))
		case p.json[c]:
			sets = append(sets, fmt.Sprintf("%s = s.%s::jsonb", c, c))
		default:
			sets = append(sets, fmt.Sprintf("%s = s.%s", c, c))
		}
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.geoid = s.geoid",
		target, strings.Join(sets, ", "), stagingTable)
}

// stagingRows converts rows into insertable maps. Duplicate GEOIDs keep the
// last row; input order is otherwise preserved.
func (p *upsertPlan) stagingRows(rows []Row) ([]map[string]any, error) {
	index := make(map[string]int, len(rows))
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		if r.GEOID == "" {
			return nil, fmt.Errorf("%w: empty geoid", ErrInvalidValue)
		}
		m := make(map[string]any, len(p.columns)+1)
		m["geoid"] = r.GEOID
		for _, c := range p.columns {
			v, err := p.stagingValue(c, r.Values[c])
			if err != nil {
				return nil, fmt.Errorf("geoid %s: %w", r.GEOID, err)
			}
			m[c] = v
		}
		if i, ok := index[r.GEOID]; ok {
			out[i] = m
			continue
		}
		index[r.GEOID] = len(out)
		out = append(out, m)
	}
	return out, nil
}

func (p *upsertPlan) stagingValue(column string, v any) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	if p.json[column] {
		if raw, ok := v.(json.RawMessage); ok {
			return string(raw), nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", column, err)
		}
		return string(b), nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case *float64:
		return *n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case *int64:
		return float64(*n), nil
	}
	return nil, fmt.Errorf("%w: %s has %T", ErrInvalidValue, column, v)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Upsert writes rows into a session-local staging table, then sets exactly
// updateColumns on the matching tract rows with one UPDATE ... FROM. The
// staging table is dropped before and after use and the whole call runs in
// one transaction. It returns the number of tract rows matched; rows whose
// GEOID does not exist are ignored. Empty input is a no-op.
func (s *Store) Upsert(ctx context.Context, rows []Row, updateColumns, jsonColumns []string, opts ...UpsertOption) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	plan, err := newUpsertPlan(updateColumns, jsonColumns, opts...)
	if err != nil {
		return 0, err
	}
	staged, err := plan.stagingRows(rows)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var updated int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP TABLE IF EXISTS " + stagingTable).Error; err != nil {
			return fmt.Errorf("drop staging: %w", err)
		}
		if err := tx.Exec(plan.createSQL()).Error; err != nil {
			return fmt.Errorf("create staging: %w", err)
		}
		if err := tx.Table(stagingTable).CreateInBatches(staged, stagingBatchSize).Error; err != nil {
			return fmt.Errorf("write staging: %w", err)
		}
		res := tx.Exec(plan.updateSQL(s.table))
		if res.Error != nil {
			return fmt.Errorf("merge staging: %w", res.Error)
		}
		updated = res.RowsAffected
		if err := tx.Exec("DROP TABLE IF EXISTS " + stagingTable).Error; err != nil {
			return fmt.Errorf("drop staging: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug("staged upsert",
		zap.Strings("columns", plan.columns),
		zap.Int("staged", len(staged)),
		zap.Int64("updated", updated),
		zap.Duration("took", time.Since(start)),
	)
	return updated, nil
}
