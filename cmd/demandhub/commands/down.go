package commands

import (
	"context"
	"fmt"

	dockerpkg "github.com/dyluth/demandhub/internal/docker"
	"github.com/dyluth/demandhub/internal/instance"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/spf13/cobra"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a local demandhub instance",
	Long: `Stop and remove the containers of a local demandhub instance.

The instance is auto-inferred when exactly one is running.
The command does not prompt for confirmation and executes immediately.`,
	RunE: runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	name := instanceFlag
	if name == "" {
		name, err = instance.InferInstance(ctx, cli)
		if err != nil {
			return instanceInferenceError(err)
		}
	}

	removed, err := instance.Remove(ctx, cli, name)
	for _, c := range removed {
		printer.Step("Removed %s\n", c)
	}
	if err != nil {
		return printer.Error(
			fmt.Sprintf("could not remove instance '%s'", name),
			err.Error(),
			[]string{"Run 'demandhub list' to see available instances"},
		)
	}

	printer.Success("\nInstance '%s' removed successfully\n", name)
	return nil
}
