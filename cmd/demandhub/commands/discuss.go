package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/typing"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/spf13/cobra"
)

var discussCmd = &cobra.Command{
	Use:   "discuss <demand-id>",
	Short: "Draft a comment on a demand with live typing indicators",
	Long: `Draft a comment on a demand. Every line typed is saved as a local draft
and announces that you are typing to everyone watching the conversation.
Other people typing on the same demand are shown as they start and stop.

End the draft with Ctrl-D; it stays saved until discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscuss,
}

var discussDiscard bool

func init() {
	discussCmd.Flags().BoolVar(&discussDiscard, "discard", false, "Discard the saved draft and exit")
	rootCmd.AddCommand(discussCmd)
}

func runDiscuss(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	demandID, err := s.resolveID(ctx, args[0])
	if err != nil {
		return err
	}

	if discussDiscard {
		if err := s.local.DiscardDraft(ctx, demandID); err != nil {
			return err
		}
		printer.Success("Draft for %s discarded\n", shortID(demandID))
		return nil
	}

	draft, err := s.local.Draft(ctx, demandID)
	if err != nil {
		return err
	}

	profiles := typing.NewCachedResolver(s.rosterResolver(), typing.DefaultProfileTTL)
	defer profiles.Close()

	var coord *typing.Coordinator
	coord = typing.NewCoordinator(s.rt, realtime.ConversationTopic(demandID), s.cfg.User.ID, profiles,
		typing.WithIdleTimeout(s.cfg.Typing.IdleTimeout),
		typing.WithSweepInterval(s.cfg.Typing.SweepInterval),
		typing.WithOnChange(func() {
			printTypers(coord.Typers())
		}),
	)
	if err := coord.Listen(ctx); err != nil {
		return fmt.Errorf("failed to join conversation: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		coord.Close(closeCtx)
	}()

	printer.Info("Discussing %s (Ctrl-D to finish)\n", shortID(demandID))
	if draft != "" {
		printer.Printf("Saved draft:\n%s\n", draft)
	}

	lines := readLines(ctx, os.Stdin)

	var text strings.Builder
	text.WriteString(draft)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := coord.Stop(ctx); err != nil {
					printer.Warning("Could not announce that you stopped typing: %v\n", err)
				}
				printer.Success("Draft saved (%d characters)\n", text.Len())
				return nil
			}
			if err := coord.NotifyActivity(ctx); err != nil {
				printer.Warning("Typing indicator unavailable: %v\n", err)
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(line)
			if err := s.local.SaveDraft(ctx, demandID, text.String()); err != nil {
				return err
			}
		}
	}
}

// readLines delivers r line by line until EOF or until ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// rosterResolver finds profiles in the team roster, falling back to the
// bare user id for users who are not online.
func (s *session) rosterResolver() typing.ProfileResolver {
	topic := realtime.TeamTopic(s.team)
	return typing.ResolverFunc(func(ctx context.Context, userID string) (typing.Profile, error) {
		records, err := s.rt.Roster(ctx, topic)
		if err != nil {
			return typing.Profile{}, err
		}
		for _, rec := range records {
			if rec.UserID == userID {
				return typing.Profile{UserID: userID, DisplayName: rec.DisplayName, AvatarRef: rec.AvatarRef}, nil
			}
		}
		return typing.Profile{UserID: userID, DisplayName: userID}, nil
	})
}

func printTypers(typers []typing.Profile) {
	if len(typers) == 0 {
		printer.Printf("  (nobody else is typing)\n")
		return
	}
	names := make([]string, 0, len(typers))
	for _, p := range typers {
		name := p.DisplayName
		if name == "" {
			name = p.UserID
		}
		names = append(names, name)
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	printer.Printf("  ✎ %s %s typing...\n", strings.Join(names, ", "), verb)
}
