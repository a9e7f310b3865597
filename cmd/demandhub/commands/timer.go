package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/eventlog"
	"github.com/dyluth/demandhub/internal/livetimer"
	"github.com/dyluth/demandhub/internal/presence"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/timecontrol"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/spf13/cobra"
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Start, pause and follow demand timers",
	Long: `Drive the time tracking of demands.

A team runs at most one timer at a time. Starting a timer pauses every other
running timer of the team first, folding its elapsed time into its total.`,
}

var timerStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start the timer of a demand, pausing any other running timer",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimerStart,
}

var timerPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause the timer of a demand",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimerPause,
}

var timerShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Follow the live timer of a demand until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimerShow,
}

var timerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Pause all but the most recently started timer of the team",
	Args:  cobra.NoArgs,
	RunE:  runTimerReconcile,
}

func init() {
	timerCmd.AddCommand(timerStartCmd, timerPauseCmd, timerShowCmd, timerReconcileCmd)
	rootCmd.AddCommand(timerCmd)
}

func runTimerStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.resolveID(ctx, args[0])
	if err != nil {
		return err
	}

	out, err := s.timers.Start(ctx, id, s.team)
	printOutcome(out)
	if err != nil {
		return err
	}

	printer.Success("Timer running for %s since %s\n", shortID(out.StartedID), out.StartedAt.Local().Format("15:04:05"))
	return nil
}

func runTimerPause(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.resolveID(ctx, args[0])
	if err != nil {
		return err
	}

	out, err := s.timers.PauseByID(ctx, id)
	if err != nil {
		return err
	}
	if len(out.Paused) == 0 {
		printer.Info("Timer of %s was not running\n", shortID(id))
		return nil
	}
	printOutcome(out)
	return nil
}

func runTimerReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.timers.Reconcile(ctx, s.team)
	printOutcome(out)
	if err != nil {
		return err
	}

	switch {
	case out.StartedID == "":
		printer.Info("No timer is running in team %s\n", s.team)
	case len(out.Paused) == 0:
		printer.Info("Only %s is running; nothing to repair\n", shortID(out.StartedID))
	default:
		printer.Success("Kept %s running\n", shortID(out.StartedID))
	}
	return nil
}

func runTimerShow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.resolveID(ctx, args[0])
	if err != nil {
		return err
	}

	key := cache.DemandKey(id)
	view, err := s.cache.Read(ctx, key)
	if err != nil {
		return writeError("show", err)
	}
	d := view.Data.(*demand.Demand)

	// Updates to the row revalidate the entry; the watch below repaints
	sub, err := s.feed.WatchDemand(ctx, id, s.cache, nil)
	if err != nil {
		return fmt.Errorf("failed to follow demand: %w", err)
	}
	defer sub.Close()

	changes, cancelWatch := s.cache.Watch(key)
	defer cancelWatch()

	line := &statusLine{out: os.Stdout, title: d.Title}

	var tracker *presence.Tracker
	tracker = presence.NewTracker(s.rt, s.presenceUser(),
		presence.WithHeartbeat(s.cfg.Presence.Heartbeat),
		presence.WithOnChange(func() { line.setViewers(viewerNames(tracker)) }),
		presence.WithEventLog(eventlog.New("presence", s.instance)),
	)
	if err := tracker.Connect(ctx, realtime.DemandTopic(id)); err != nil {
		printer.Warning("Presence unavailable: %v\n", err)
	}
	defer tracker.Close(context.Background())

	ticker := livetimer.NewTicker(livetimer.FromState(d.Timer), line.setTime)
	defer ticker.Close()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case _, open := <-changes:
			if !open {
				return nil
			}
			v, ok := s.cache.Peek(key)
			if !ok {
				fmt.Println()
				printer.Warning("Demand %s was deleted\n", shortID(id))
				return nil
			}
			if v.Stale {
				continue
			}
			fresh := v.Data.(*demand.Demand)
			line.setTitle(fresh.Title)
			ticker.Update(livetimer.FromState(fresh.Timer))
		}
	}
}

// printOutcome lists the timers a transition paused, even on partial failure.
func printOutcome(out *timecontrol.Outcome) {
	if out == nil {
		return
	}
	for _, p := range out.Paused {
		printer.Step("Paused %s at %s\n", shortID(p.DemandID), livetimer.Format(p.Seconds))
	}
}

// viewerNames lists the other users on the topic once each, even when they
// have several sessions open.
func viewerNames(t *presence.Tracker) []string {
	viewers := t.Viewers()
	names := make([]string, 0, len(viewers))
	seen := make(map[string]bool)
	for _, v := range viewers {
		if seen[v.UserID] {
			continue
		}
		seen[v.UserID] = true
		names = append(names, v.DisplayName)
	}
	return names
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
