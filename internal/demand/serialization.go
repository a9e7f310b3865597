package demand

import (
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Demand and Redis hashes.
//
// Timestamps are stored as Unix milliseconds. A stopped timer stores an empty
// last_started_at_ms field rather than omitting it, so HSET fully overwrites.

// ToHash converts a Demand to a Redis hash.
func ToHash(d *Demand) map[string]interface{} {
	return map[string]interface{}{
		"id":                       d.ID,
		"team_id":                  d.TeamID,
		"board_id":                 d.BoardID,
		"title":                    d.Title,
		"status":                   string(d.Status),
		"assignee_id":              d.AssigneeID,
		"last_started_at_ms":       FormatStartedAt(d.Timer.LastStartedAt),
		"time_in_progress_seconds": d.Timer.TimeInProgressSeconds,
		"created_at_ms":            d.CreatedAtMs,
		"updated_at_ms":            d.UpdatedAtMs,
	}
}

// FromHash converts a Redis hash to a Demand.
func FromHash(hash map[string]string) (*Demand, error) {
	seconds, err := strconv.ParseInt(hash["time_in_progress_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid time_in_progress_seconds field: %w", err)
	}

	startedAt, err := ParseStartedAt(hash["last_started_at_ms"])
	if err != nil {
		return nil, err
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Demand{
		ID:         hash["id"],
		TeamID:     hash["team_id"],
		BoardID:    hash["board_id"],
		Title:      hash["title"],
		Status:     Status(hash["status"]),
		AssigneeID: hash["assignee_id"],
		Timer: TimerState{
			LastStartedAt:         startedAt,
			TimeInProgressSeconds: seconds,
		},
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}, nil
}

// FormatStartedAt encodes a running anchor, or "" for a stopped timer.
func FormatStartedAt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseStartedAt decodes a value written by FormatStartedAt.
func ParseStartedAt(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_started_at_ms field: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}
