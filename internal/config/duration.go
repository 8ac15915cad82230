package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration. Empty is zero.
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

// Duration returns the parsed value, or def when raw is empty, zero or
// invalid. Use after Validate.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseChatID parses a Telegram chat id such as "-1001234567890".
func ParseChatID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("chat id is empty")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", raw)
	}
	return id, nil
}
