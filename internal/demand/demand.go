// Package demand defines the demand record and its timer state.
package demand

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table is the row-change table name for demands.
const Table = "demands"

// Demand is the core trackable work item.
type Demand struct {
	ID          string     `json:"id"`          // UUID
	TeamID      string     `json:"team_id"`     // Team owning the demand; scope of the single-timer rule
	BoardID     string     `json:"board_id"`    // Board the demand is shown on
	Title       string     `json:"title"`       // Human-readable title
	Status      Status     `json:"status"`      // Kanban column
	AssigneeID  string     `json:"assignee_id"` // Optional user id
	Timer       TimerState `json:"timer"`       // Time tracking state
	CreatedAtMs int64      `json:"created_at_ms"`
	UpdatedAtMs int64      `json:"updated_at_ms"`
}

// Status is the kanban column of a demand.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// TimerState is the persisted time tracking state of a demand.
//
// When LastStartedAt is set the timer is running and the true elapsed time is
// TimeInProgressSeconds plus the whole seconds since LastStartedAt. When it is
// nil, TimeInProgressSeconds is the elapsed time exactly.
type TimerState struct {
	LastStartedAt         *time.Time `json:"last_started_at"`
	TimeInProgressSeconds int64      `json:"time_in_progress_seconds"`
}

// Running reports whether the timer is accruing time.
func (t TimerState) Running() bool {
	return t.LastStartedAt != nil
}

// Elapsed returns the total tracked seconds at now.
func (t TimerState) Elapsed(now time.Time) int64 {
	if t.LastStartedAt == nil {
		return t.TimeInProgressSeconds
	}
	return t.TimeInProgressSeconds + ElapsedSince(*t.LastStartedAt, now)
}

// ElapsedSince returns the whole seconds between start and now, floored.
// A start in the future (clock skew between clients) counts as zero.
func ElapsedSince(start, now time.Time) int64 {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Validate checks if the Demand has valid field values.
func (d *Demand) Validate() error {
	if !isValidUUID(d.ID) {
		return fmt.Errorf("invalid demand ID: not a valid UUID")
	}

	if d.TeamID == "" {
		return fmt.Errorf("team_id cannot be empty")
	}

	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}

	if err := d.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if d.Timer.TimeInProgressSeconds < 0 {
		return fmt.Errorf("invalid time_in_progress_seconds: must be >= 0, got %d", d.Timer.TimeInProgressSeconds)
	}

	return nil
}

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Columns returns the filterable column snapshot published with row changes.
func (d *Demand) Columns() map[string]string {
	return map[string]string{
		"id":          d.ID,
		"team_id":     d.TeamID,
		"board_id":    d.BoardID,
		"status":      string(d.Status),
		"assignee_id": d.AssigneeID,
	}
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
