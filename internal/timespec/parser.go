// Package timespec parses the --since/--until flags of listing commands.
package timespec

import (
	"fmt"
	"time"
)

// Parse turns a time specification into Unix milliseconds.
// Two forms are accepted:
//   - a Go duration, taken as that long before now: "1h", "30m", "2h45m30s"
//   - an RFC3339 timestamp: "2026-10-29T13:00:00Z"
func Parse(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("invalid time specification: %s (duration must not be negative)", spec)
		}
		return now.Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2026-10-29T13:00:00Z')", spec)
}

// ParseRange parses both ends of a range. A zero result means that end is
// unbounded. since must come before until when both are set.
func ParseRange(since, until string, now time.Time) (sinceMs, untilMs int64, err error) {
	if since != "" {
		if sinceMs, err = Parse(since, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		if untilMs, err = Parse(until, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMs > 0 && untilMs > 0 && sinceMs >= untilMs {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMs, untilMs, nil
}
