package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/watch"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the team's demand activity as it happens",
	Long: `Stream demand creations, updates and deletions for your team.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the configured team
  demandhub watch

  # Export events as JSON
  demandhub watch --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching team %s on instance %s (Ctrl-C to stop)\n", s.team, s.instance)
	}
	return watch.StreamActivity(ctx, s.feed, s.team, format, os.Stdout)
}
