// Package livetimer derives the running duration shown for a demand from its
// persisted timer state. Nothing here touches the network: a running timer
// is recomputed locally from its anchor once a second.
package livetimer

import (
	"fmt"
	"time"

	"github.com/dyluth/demandhub/internal/demand"
)

// Input is what the display is derived from.
type Input struct {
	Active        bool
	BaseSeconds   int64
	LastStartedAt *time.Time
}

// FromState builds the input for a persisted timer.
func FromState(state demand.TimerState) Input {
	return Input{
		Active:        state.Running(),
		BaseSeconds:   state.TimeInProgressSeconds,
		LastStartedAt: state.LastStartedAt,
	}
}

// Total returns the elapsed seconds at now. An inactive timer reports its
// base regardless of any anchor.
func Total(in Input, now time.Time) int64 {
	if !in.Active || in.LastStartedAt == nil {
		return in.BaseSeconds
	}
	return in.BaseSeconds + demand.ElapsedSince(*in.LastStartedAt, now)
}

// Format renders seconds as DD:HH:MM:SS. Negative input renders as zero.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / 86400
	hours := seconds % 86400 / 3600
	minutes := seconds % 3600 / 60
	secs := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, secs)
}

// Display returns the text to show, or false when nothing should be shown:
// an inactive timer that has never accrued time.
func Display(in Input, now time.Time) (string, bool) {
	total := Total(in, now)
	if total <= 0 && !in.Active {
		return "", false
	}
	return Format(total), true
}
