package config

import (
	"fmt"
	"strconv"
	"time"
)

var unitDurations = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseAutoReturnTime parses a composition of w/d/h/m/s units, e.g.
// "1w2d3h4m5s" or plain "10h", into a time.Duration. Units may appear in
// any order and each may appear at most once.
func ParseAutoReturnTime(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty auto_return_time")
	}

	var total time.Duration
	seen := make(map[byte]bool)
	numStart := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			continue
		}
		unit, ok := unitDurations[c]
		if !ok {
			return 0, fmt.Errorf("invalid unit %q in auto_return_time %q", string(c), s)
		}
		if numStart == i {
			return 0, fmt.Errorf("missing number before unit %q in auto_return_time %q", string(c), s)
		}
		if seen[c] {
			return 0, fmt.Errorf("duplicate unit %q in auto_return_time %q", string(c), s)
		}
		seen[c] = true

		n, err := strconv.Atoi(s[numStart:i])
		if err != nil {
			return 0, fmt.Errorf("invalid number in auto_return_time %q: %w", s, err)
		}
		total += time.Duration(n) * unit
		numStart = i + 1
	}

	if numStart != len(s) {
		return 0, fmt.Errorf("trailing number without unit in auto_return_time %q", s)
	}
	return total, nil
}
