package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/demandhub/internal/board"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/resolver"
	"github.com/dyluth/demandhub/internal/store"
	"github.com/dyluth/demandhub/internal/timespec"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// warningMultipleTimers is shown when a race left several timers running.
const warningMultipleTimers = "multiple-timers"

// createDraftKey is the draft slot used by `demand create` before an id exists.
const createDraftKey = "new"

var (
	demandTitle    string
	demandBoard    string
	demandStatus   string
	demandAssignee string
	demandSaveOnly bool

	listOutput  string
	listStatus  string
	listMine    bool
	listRunning bool
	listSince   string
	listUntil   string
)

var demandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Create, inspect and remove demands",
}

var demandCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a demand on the selected board",
	Long: `Create a demand for your team.

Without --title the saved draft is used. With --draft the title is only saved
locally, to be picked up by a later create.`,
	Args: cobra.NoArgs,
	RunE: runDemandCreate,
}

var demandGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a demand as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runDemandGet,
}

var demandListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the team's demands with live timers",
	Long: `List the team's demands.

Output Formats:
  default - Table with a live timer column
  jsonl   - Line-delimited JSON, one demand per line

The selected board (demandhub board use) narrows the list unless --board is given.`,
	Args: cobra.NoArgs,
	RunE: runDemandList,
}

var demandUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the title, status, board or assignee of a demand",
	Args:  cobra.ExactArgs(1),
	RunE:  runDemandUpdate,
}

var demandDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a demand",
	Args:  cobra.ExactArgs(1),
	RunE:  runDemandDelete,
}

func init() {
	demandCreateCmd.Flags().StringVar(&demandTitle, "title", "", "Demand title (defaults to the saved draft)")
	demandCreateCmd.Flags().StringVar(&demandBoard, "board", "", "Board id (defaults to the selected board)")
	demandCreateCmd.Flags().StringVar(&demandStatus, "status", string(demand.StatusTodo), "Initial status")
	demandCreateCmd.Flags().StringVar(&demandAssignee, "assignee", "", "Assignee user id")
	demandCreateCmd.Flags().BoolVar(&demandSaveOnly, "draft", false, "Only save the title as a local draft")

	demandUpdateCmd.Flags().StringVar(&demandTitle, "title", "", "New title")
	demandUpdateCmd.Flags().StringVar(&demandBoard, "board", "", "New board id")
	demandUpdateCmd.Flags().StringVar(&demandStatus, "status", "", "New status")
	demandUpdateCmd.Flags().StringVar(&demandAssignee, "assignee", "", "New assignee user id")

	demandListCmd.Flags().StringVarP(&listOutput, "output", "o", string(board.OutputFormatDefault), "Output format (default or jsonl)")
	demandListCmd.Flags().StringVar(&demandBoard, "board", "", "Board id (defaults to the selected board)")
	demandListCmd.Flags().StringVar(&listStatus, "status", "", "Only demands with this status")
	demandListCmd.Flags().BoolVar(&listMine, "mine", false, "Only demands assigned to you")
	demandListCmd.Flags().BoolVar(&listRunning, "running", false, "Only demands with a running timer")
	demandListCmd.Flags().StringVar(&listSince, "since", "", "Only demands created after this time (e.g. 2h, 2026-10-01T00:00:00Z)")
	demandListCmd.Flags().StringVar(&listUntil, "until", "", "Only demands created before this time")

	demandCmd.AddCommand(demandCreateCmd, demandGetCmd, demandListCmd, demandUpdateCmd, demandDeleteCmd)
	rootCmd.AddCommand(demandCmd)
}

func runDemandCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if demandSaveOnly {
		if demandTitle == "" {
			return fmt.Errorf("--draft needs --title")
		}
		if err := s.local.SaveDraft(ctx, createDraftKey, demandTitle); err != nil {
			return err
		}
		printer.Success("Draft saved\n")
		return nil
	}

	title := demandTitle
	if title == "" {
		title, err = s.local.Draft(ctx, createDraftKey)
		if err != nil {
			return err
		}
		if title == "" {
			return printer.Error(
				"title is required",
				"No --title was given and there is no saved draft.",
				[]string{"demandhub demand create --title \"...\""},
			)
		}
	}

	boardID, err := s.boardOrSelected(ctx, demandBoard)
	if err != nil {
		return err
	}

	d := &demand.Demand{
		ID:         uuid.New().String(),
		TeamID:     s.team,
		BoardID:    boardID,
		Title:      title,
		Status:     demand.Status(demandStatus),
		AssigneeID: demandAssignee,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return writeError("create", err)
	}

	if err := s.local.DiscardDraft(ctx, createDraftKey); err != nil {
		printer.Warning("Could not discard draft: %v\n", err)
	}

	printer.Success("Created demand %s\n", d.ID)
	return nil
}

func runDemandGet(cmd *cobra.Command, args []string) error {
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

	if err := board.GetDemand(ctx, s.cache, id, os.Stdout); err != nil {
		if board.IsNotFound(err) {
			return printer.Error("demand not found", err.Error(), nil)
		}
		return err
	}
	return nil
}

func runDemandList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format := board.OutputFormat(listOutput)
	if format != board.OutputFormatDefault && format != board.OutputFormatJSONL {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	now := time.Now()
	sinceMs, untilMs, err := timespec.ParseRange(listSince, listUntil, now)
	if err != nil {
		return printer.Error("invalid time range", err.Error(), []string{"Use a duration like 1h30m or an RFC3339 timestamp"})
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	boardID, err := s.boardOrSelected(ctx, demandBoard)
	if err != nil {
		return err
	}

	filters := &board.FilterCriteria{
		Status:           demand.Status(listStatus),
		BoardID:          boardID,
		RunningOnly:      listRunning,
		SinceTimestampMs: sinceMs,
		UntilTimestampMs: untilMs,
	}
	if listMine {
		filters.AssigneeID = s.cfg.User.ID
	}

	if err := board.ListDemands(ctx, s.cache, s.team, format, filters, now, os.Stdout); err != nil {
		return err
	}

	if format == board.OutputFormatDefault {
		s.warnMultipleTimers(ctx)
	}
	return nil
}

// warnMultipleTimers points at `timer reconcile` when concurrent starts left
// more than one timer running, unless the user dismissed the warning.
func (s *session) warnMultipleTimers(ctx context.Context) {
	if dismissed, err := s.local.WarningDismissed(ctx, warningMultipleTimers); err != nil || dismissed {
		return
	}
	running, err := s.store.ListRunning(ctx, s.team)
	if err != nil || len(running) < 2 {
		return
	}
	printer.Warning("\n%d timers are running in team %s. Run 'demandhub timer reconcile' to keep only the latest.\n", len(running), s.team)
	printer.Printf("(hide this with: demandhub dismiss %s)\n", warningMultipleTimers)
}

func runDemandUpdate(cmd *cobra.Command, args []string) error {
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

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return writeError("update", err)
	}

	flags := cmd.Flags()
	if flags.Changed("title") {
		d.Title = demandTitle
	}
	if flags.Changed("board") {
		d.BoardID = demandBoard
	}
	if flags.Changed("status") {
		d.Status = demand.Status(demandStatus)
	}
	if flags.Changed("assignee") {
		d.AssigneeID = demandAssignee
	}

	if err := s.store.Update(ctx, d); err != nil {
		return writeError("update", err)
	}

	printer.Success("Updated demand %s\n", d.ID)
	return nil
}

func runDemandDelete(cmd *cobra.Command, args []string) error {
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

	if err := s.store.Delete(ctx, id); err != nil {
		return writeError("delete", err)
	}

	if err := s.local.DiscardDraft(ctx, id); err != nil {
		printer.Warning("Could not discard draft: %v\n", err)
	}

	printer.Success("Deleted demand %s\n", id)
	return nil
}

// boardOrSelected returns explicit when set, else the locally selected board.
func (s *session) boardOrSelected(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return s.local.SelectedBoard(ctx)
}

// resolveDemandID wraps the resolver with formatted errors.
func resolveDemandID(ctx context.Context, lookup resolver.Lookup, arg string) (string, error) {
	id, err := resolver.ResolveDemandID(ctx, lookup, arg)
	if err == nil {
		return id, nil
	}

	var ambiguous *resolver.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		return "", printer.Error("ambiguous demand id", ambiguous.Describe(), nil)
	case resolver.IsNotFoundError(err):
		return "", printer.Error("demand not found", err.Error(), []string{"List demands:\n  demandhub demand list"})
	default:
		return "", err
	}
}

// writeError turns store write errors into formatted CLI errors.
func writeError(op string, err error) error {
	switch store.CodeOf(err) {
	case store.CodeNotFound:
		return printer.Error("demand not found", err.Error(), nil)
	case store.CodeInvalidInput:
		return printer.Error(fmt.Sprintf("cannot %s demand", op), err.Error(), nil)
	case store.CodeUnavailable:
		return printer.Error("store unavailable", err.Error(), []string{"Check the instance: demandhub list"})
	}
	if store.IsNotFound(err) {
		return printer.Error("demand not found", err.Error(), nil)
	}
	return err
}
