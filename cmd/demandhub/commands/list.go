package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	dockerpkg "github.com/dyluth/demandhub/internal/docker"
	"github.com/dyluth/demandhub/internal/instance"
	"github.com/spf13/cobra"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local demandhub instances",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	infos, err := instance.ListInstances(ctx, cli, time.Now())
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No demandhub instances found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tREDIS PORT\tUPTIME")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.Name, info.Status, info.RedisPort, info.Uptime)
	}
	return w.Flush()
}
