// Package board renders demand lists and single demands for the CLI.
package board

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/livetimer"
)

// FormatTable writes demands as a table with a live timer column computed at now.
// Returns the number of demands formatted.
func FormatTable(w io.Writer, demands []*demand.Demand, teamID string, now time.Time) int {
	if len(demands) == 0 {
		fmt.Fprintf(w, "No demands found for team '%s'\n", teamID)
		return 0
	}

	fmt.Fprintf(w, "Demands for team '%s':\n\n", teamID)

	fmt.Fprintf(w, "%-10s %-12s %-12s %-13s %-8s %s\n",
		"ID", "STATUS", "ASSIGNEE", "TIMER", "AGE", "TITLE")
	fmt.Fprintf(w, "%-10s %-12s %-12s %-13s %-8s %s\n",
		"----------", "------------", "------------", "-------------", "--------", "----------------------------------------")

	for _, d := range demands {
		fmt.Fprintf(w, "%-10s %-12s %-12s %-13s %-8s %s\n",
			formatID(d.ID),
			d.Status,
			formatAssignee(d.AssigneeID),
			formatTimer(d.Timer, now),
			formatAge(d.CreatedAtMs, now),
			formatTitle(d.Title),
		)
	}

	countMsg := "demand"
	if len(demands) != 1 {
		countMsg = "demands"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(demands), countMsg)

	return len(demands)
}

// FormatJSONL writes one compact JSON object per demand.
func FormatJSONL(w io.Writer, demands []*demand.Demand) error {
	for _, d := range demands {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal demand to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes a single demand as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, d *demand.Demand) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal demand to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAssignee(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 12 {
		return id[:11] + "…"
	}
	return id
}

// formatTimer shows the live duration, with a marker on running timers.
// A timer that never accrued time shows "-".
func formatTimer(state demand.TimerState, now time.Time) string {
	text, ok := livetimer.Display(livetimer.FromState(state), now)
	if !ok {
		return "-"
	}
	if state.Running() {
		return text + " ▶"
	}
	return text
}

// formatTitle keeps the first non-empty line, truncated to 40 characters.
func formatTitle(title string) string {
	for _, line := range strings.Split(title, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(trimmed) > 40 {
			return trimmed[:37] + "..."
		}
		return trimmed
	}
	return "-"
}

// formatAge renders a millisecond timestamp relative to now, e.g. "2m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
