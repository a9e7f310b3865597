package commands

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/dyluth/demandhub/internal/config"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/timecontrol"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	instanceFlag string
	redisURLFlag string
	teamFlag     string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "demandhub",
	Short: "demandhub - realtime team demand tracker",
	Long: `demandhub tracks a team's demands on shared boards with live timers,
presence and typing indicators, all kept in sync over Redis.

Only one timer per team runs at a time: starting one pauses the others.`,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Cobra's own error printing is silenced;
// errors are printed here through the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	var terr *timecontrol.TransitionError
	// Failed timer transitions have already been shown as a toast.
	if err != nil && !printer.IsFormatted(err) && !errors.As(err, &terr) {
		printer.Error("command failed", err.Error(), nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to demandhub.yml")
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "name", "n", "", "Target instance name (auto-inferred if omitted)")
	rootCmd.PersistentFlags().StringVar(&redisURLFlag, "redis-url", "", "Connect to this Redis instead of a local instance")
	rootCmd.PersistentFlags().StringVar(&teamFlag, "team", "", "Team to act on (defaults to the configured team)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print operational logs to stderr")
}
