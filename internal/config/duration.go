package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("30s", "5m").
// An empty value means unset; callers choose between zero (ParseDurationField)
// and a fallback (ParseDurationOrDefault). The path parameter names the
// field in error messages, e.g. "monitor.fetch.timeout".

func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
