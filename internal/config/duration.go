package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseMillisField parses an integer millisecond value. Empty means def.
func ParseMillisField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid milliseconds %q", ErrInvalid, path, raw)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("%w: %s: must be > 0", ErrInvalid, path)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseIntField(path, raw string, def int) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid integer %q", ErrInvalid, path, raw)
	}
	return n, nil
}

func parseInt64Field(path, raw string, def int64) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid integer %q", ErrInvalid, path, raw)
	}
	return n, nil
}

func parseBoolField(path, raw string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s: invalid boolean %q", ErrInvalid, path, raw)
	}
}
