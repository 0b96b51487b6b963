package webhooks

import "slices"

// EventThresholdExceeded is the only event that evaluates thresholds.
const EventThresholdExceeded = "threshold.exceeded"

// Matches reports whether data passes f. A nil filter matches everything,
// and a filter key whose payload field is absent does not exclude.
func (f *Filters) Matches(event string, data map[string]any) bool {
	if f == nil {
		return true
	}
	if len(f.StateFIPS) > 0 {
		if s, _ := data["state_fips"].(string); s != "" && !slices.Contains(f.StateFIPS, s) {
			return false
		}
	}
	if len(f.GEOIDs) > 0 {
		if g, _ := data["geoid"].(string); g != "" && !slices.Contains(f.GEOIDs, g) {
			return false
		}
	}
	if event != EventThresholdExceeded {
		return true
	}
	for metric, cond := range f.Thresholds {
		actual, ok := number(data[metric])
		if !ok || cond.Value == nil {
			continue
		}
		if !cond.holds(actual) {
			return false
		}
	}
	return true
}

func (t Threshold) holds(actual float64) bool {
	switch t.Operator {
	case "", ">":
		return actual > *t.Value
	case ">=":
		return actual >= *t.Value
	case "<":
		return actual < *t.Value
	case "<=":
		return actual <= *t.Value
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
