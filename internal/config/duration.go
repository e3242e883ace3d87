package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields stay strings in the config structs so an absent field is
// distinguishable from an explicit "0s" (which e.g. disables the stall
// sweep). Validate parses them once up front; the wiring layer parses again
// through the same helpers when building component configs.

// ParseDurationField parses a non-negative Go duration string. Empty means
// zero; path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationDefault is ParseDurationField with a fallback for fields left
// unset. An explicit "0s" stays zero; only an absent field gets the default.
func ParseDurationDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
