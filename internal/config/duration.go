package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value, or fallback when value is blank. Both come
// from config strings such as "30s" or "1h30m".
func DurationOrDefault(value, fallback string) (time.Duration, error) {
	for _, candidate := range []string{value, fallback} {
		s := strings.TrimSpace(candidate)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("duration value is empty")
}
