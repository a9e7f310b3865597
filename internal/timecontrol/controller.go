// Package timecontrol starts and pauses demand timers while keeping at most
// one timer running per team.
//
// Start pauses every other running timer of the team before anchoring the
// new one. The writes are sequential and independent: a failure part way
// leaves the team with fewer running timers, never with the wrong one
// paused, and re-applying a pause is harmless. Two clients starting
// different demands at the same moment can still both win; Reconcile
// repairs that afterwards.
package timecontrol

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/eventlog"
)

// Store is the persistence the controller drives. *store.Store implements it.
type Store interface {
	Get(ctx context.Context, demandID string) (*demand.Demand, error)
	ListRunning(ctx context.Context, teamID string) ([]*demand.Demand, error)
	StartTimer(ctx context.Context, demandID string, at time.Time) error
	PauseTimer(ctx context.Context, demandID string, seconds int64) error
}

// Invalidator is told about every acknowledged write. *cache.Cache
// implements it.
type Invalidator interface {
	Invalidate(key cache.Key) <-chan error
}

// Notice is a short user-facing message about a failed action.
type Notice struct {
	Title   string
	Message string
}

// Notifier shows notices to the user (a toast).
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

// Paused describes one timer folded into its base by a transition.
type Paused struct {
	DemandID string
	Seconds  int64
}

// Outcome is what a transition changed.
type Outcome struct {
	Paused    []Paused
	StartedID string
	StartedAt time.Time
}

// Controller runs timer transitions.
type Controller struct {
	store    Store
	cache    Invalidator
	notifier Notifier
	events   *eventlog.Logger
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithInvalidator invalidates cached demands after each write.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Controller) {
		c.cache = inv
	}
}

// WithNotifier reports failures to the user.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithEventLog records transitions.
func WithEventLog(l *eventlog.Logger) Option {
	return func(c *Controller) {
		c.events = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller over store.
func New(store Store, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start makes demandID the running timer of teamID. Every other running
// timer in the team is paused first. Starting a timer that is already
// running keeps its anchor.
func (c *Controller) Start(ctx context.Context, demandID, teamID string) (*Outcome, error) {
	now := c.now()
	out := &Outcome{}

	target, err := c.store.Get(ctx, demandID)
	if err != nil {
		return nil, c.fail("start", demandID, "load", err)
	}
	if target.TeamID != teamID {
		return nil, c.fail("start", demandID, "load", fmt.Errorf("demand belongs to team %s, not %s", target.TeamID, teamID))
	}

	running, err := c.store.ListRunning(ctx, teamID)
	if err != nil {
		return nil, c.fail("start", demandID, "list running", err)
	}

	for _, r := range running {
		if r.ID == demandID {
			continue
		}
		seconds, err := c.pause(ctx, r, now)
		if err != nil {
			return out, c.fail("start", r.ID, "pause running", err)
		}
		out.Paused = append(out.Paused, Paused{DemandID: r.ID, Seconds: seconds})
	}

	if target.Timer.Running() {
		out.StartedID = demandID
		out.StartedAt = *target.Timer.LastStartedAt
		return out, nil
	}

	if err := c.store.StartTimer(ctx, demandID, now); err != nil {
		return out, c.fail("start", demandID, "start", err)
	}
	c.invalidate(demandID, teamID)

	out.StartedID = demandID
	out.StartedAt = now
	c.events.Info("timer_started", map[string]interface{}{
		"demand_id": demandID,
		"team_id":   teamID,
		"paused":    len(out.Paused),
	})
	return out, nil
}

// Pause folds the time since d's anchor into its base and stops the timer.
// d carries the caller's last known timer state and is not modified.
// Pausing a stopped timer does nothing.
func (c *Controller) Pause(ctx context.Context, d *demand.Demand) (*Outcome, error) {
	out := &Outcome{}
	if !d.Timer.Running() {
		return out, nil
	}

	seconds, err := c.pause(ctx, d, c.now())
	if err != nil {
		return nil, c.fail("pause", d.ID, "pause", err)
	}
	out.Paused = append(out.Paused, Paused{DemandID: d.ID, Seconds: seconds})
	return out, nil
}

// PauseByID loads the current state of a demand and pauses it.
func (c *Controller) PauseByID(ctx context.Context, demandID string) (*Outcome, error) {
	d, err := c.store.Get(ctx, demandID)
	if err != nil {
		return nil, c.fail("pause", demandID, "load", err)
	}
	return c.Pause(ctx, d)
}

// Reconcile repairs a team left with several running timers by a race
// between clients: the most recently started one keeps running, the others
// are paused.
func (c *Controller) Reconcile(ctx context.Context, teamID string) (*Outcome, error) {
	out := &Outcome{}

	running, err := c.store.ListRunning(ctx, teamID)
	if err != nil {
		return nil, c.fail("reconcile", teamID, "list running", err)
	}
	if len(running) == 0 {
		return out, nil
	}

	sort.Slice(running, func(i, j int) bool {
		a, b := running[i].Timer.LastStartedAt, running[j].Timer.LastStartedAt
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return running[i].ID < running[j].ID
	})

	keep := running[0]
	out.StartedID = keep.ID
	out.StartedAt = *keep.Timer.LastStartedAt

	now := c.now()
	for _, r := range running[1:] {
		seconds, err := c.pause(ctx, r, now)
		if err != nil {
			return out, c.fail("reconcile", r.ID, "pause running", err)
		}
		out.Paused = append(out.Paused, Paused{DemandID: r.ID, Seconds: seconds})
	}

	if len(out.Paused) > 0 {
		c.events.Warn("timers_reconciled", map[string]interface{}{
			"team_id": teamID,
			"kept":    keep.ID,
			"paused":  len(out.Paused),
		})
	}
	return out, nil
}

func (c *Controller) pause(ctx context.Context, d *demand.Demand, now time.Time) (int64, error) {
	seconds := d.Timer.Elapsed(now)
	if err := c.store.PauseTimer(ctx, d.ID, seconds); err != nil {
		return 0, err
	}
	c.invalidate(d.ID, d.TeamID)

	c.events.Info("timer_paused", map[string]interface{}{
		"demand_id": d.ID,
		"team_id":   d.TeamID,
		"seconds":   seconds,
	})
	return seconds, nil
}

// invalidate runs only after a write was acknowledged.
func (c *Controller) invalidate(demandID, teamID string) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(cache.DemandKey(demandID))
	c.cache.Invalidate(cache.TeamDemandsKey(teamID))
}

func (c *Controller) fail(op, demandID, step string, err error) error {
	terr := &TransitionError{Op: op, DemandID: demandID, Step: step, Err: err}
	log.Printf("[TimeControl] %v", terr)

	if c.notifier != nil {
		c.notifier.Notify(Notice{
			Title:   fmt.Sprintf("Could not %s the timer", op),
			Message: err.Error(),
		})
	}
	return terr
}
