package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// AllAreas is every state-equivalent area code: the 50 states, DC and the
// five inhabited territories.
var AllAreas = []string{
	"01", "02", "04", "05", "06", "08", "09", "10", "11", "12",
	"13", "15", "16", "17", "18", "19", "20", "21", "22", "23",
	"24", "25", "26", "27", "28", "29", "30", "31", "32", "33",
	"34", "35", "36", "37", "38", "39", "40", "41", "42", "44",
	"45", "46", "47", "48", "49", "50", "51", "53", "54", "55",
	"56", "60", "66", "69", "72", "78",
}

// ParseAreas expands "all" or a comma-separated list of codes. Codes are
// zero-padded to two digits and duplicates are dropped.
func ParseAreas(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return append([]string(nil), AllAreas...), nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 99 {
			return nil, fmt.Errorf("invalid area code %q", part)
		}
		code := fmt.Sprintf("%02d", n)
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no area codes in %q", s)
	}
	return out, nil
}
