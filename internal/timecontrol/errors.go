package timecontrol

import "fmt"

// TransitionError reports which write of a timer transition failed.
// Writes before Step were applied; nothing after it was attempted.
type TransitionError struct {
	Op       string // "start", "pause" or "reconcile"
	DemandID string // Demand whose write failed
	Step     string // e.g. "load", "pause running", "start"
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("timer %s failed at %s for demand %s: %v", e.Op, e.Step, e.DemandID, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
