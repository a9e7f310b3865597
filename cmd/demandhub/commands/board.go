package commands

import (
	"context"

	"github.com/dyluth/demandhub/internal/printer"
	"github.com/spf13/cobra"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Choose the board demand commands default to",
}

var boardUseCmd = &cobra.Command{
	Use:   "use [board-id]",
	Short: "Select a board (no argument clears the selection)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBoardUse,
}

var boardShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the selected board",
	Args:  cobra.NoArgs,
	RunE:  runBoardShow,
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <warning>",
	Short: "Stop showing a warning",
	Long: `Stop showing a recurring warning on this machine.

Known warnings:
  ` + warningMultipleTimers + ` - several timers of the team are running`,
	Args: cobra.ExactArgs(1),
	RunE: runDismiss,
}

func init() {
	boardCmd.AddCommand(boardUseCmd, boardShowCmd)
	rootCmd.AddCommand(boardCmd, dismissCmd)
}

func runDismiss(cmd *cobra.Command, args []string) error {
	local, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	if err := local.DismissWarning(context.Background(), args[0]); err != nil {
		return err
	}
	printer.Success("Warning '%s' dismissed\n", args[0])
	return nil
}

func runBoardUse(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	local, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	boardID := ""
	if len(args) == 1 {
		boardID = args[0]
	}

	if err := local.SetSelectedBoard(ctx, boardID); err != nil {
		return err
	}

	if boardID == "" {
		printer.Success("Board selection cleared\n")
	} else {
		printer.Success("Using board %s\n", boardID)
	}
	return nil
}

func runBoardShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	local, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	boardID, err := local.SelectedBoard(ctx)
	if err != nil {
		return err
	}
	if boardID == "" {
		printer.Info("No board selected; listing the whole team\n")
		return nil
	}
	printer.Println(boardID)
	return nil
}
