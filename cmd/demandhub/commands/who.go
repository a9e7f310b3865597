package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/demandhub/internal/eventlog"
	"github.com/dyluth/demandhub/internal/presence"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/spf13/cobra"
)

var (
	whoDemand string
	whoFollow bool
)

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "Show who is online in the team, or viewing a demand",
	Long: `Join the team's presence channel and list who is online.

With --demand, list who else is viewing that demand instead.
With --follow, keep listening and print the roster whenever it changes.`,
	Args: cobra.NoArgs,
	RunE: runWho,
}

func init() {
	whoCmd.Flags().StringVar(&whoDemand, "demand", "", "List viewers of this demand")
	whoCmd.Flags().BoolVarP(&whoFollow, "follow", "f", false, "Keep printing the roster as it changes")
	rootCmd.AddCommand(whoCmd)
}

func runWho(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	topic := realtime.TeamTopic(s.team)
	list := func(t *presence.Tracker) []realtime.PresenceRecord { return t.OnlineUsers() }
	if whoDemand != "" {
		id, err := s.resolveID(ctx, whoDemand)
		if err != nil {
			return err
		}
		topic = realtime.DemandTopic(id)
		list = func(t *presence.Tracker) []realtime.PresenceRecord { return t.Viewers() }
	}

	changed := make(chan struct{}, 1)
	tracker := presence.NewTracker(s.rt, s.presenceUser(),
		presence.WithHeartbeat(s.cfg.Presence.Heartbeat),
		presence.WithOnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
		presence.WithEventLog(eventlog.New("presence", s.instance)),
	)
	if err := tracker.Connect(ctx, topic); err != nil {
		return printer.Error("presence unavailable", err.Error(), nil)
	}
	defer tracker.Close(context.Background())

	printRoster(list(tracker))
	if !whoFollow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if tracker.State() != presence.StateConnected {
				printer.Warning("Presence connection lost\n")
				return nil
			}
			fmt.Printf("\n[%s]\n", time.Now().Format("15:04:05"))
			printRoster(list(tracker))
		}
	}
}

func printRoster(records []realtime.PresenceRecord) {
	if len(records) == 0 {
		fmt.Println("Nobody else is here.")
		return
	}
	for _, r := range records {
		since := time.UnixMilli(r.OnlineAtMs).Format("15:04")
		name := r.DisplayName
		if name == "" {
			name = r.UserID
		}
		fmt.Printf("  ● %s (%s) since %s\n", name, r.UserID, since)
	}
}
