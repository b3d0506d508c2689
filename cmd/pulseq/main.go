package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/cmd/pulseq/commands"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulseq",
	Short: "pulseq - single-node task queue",
	Long: `pulseq - a single-node task queue backed by SQLite.

Producers register tasks; a dispatch loop spawns one detached worker
process per due task; a reaper cleans old rows and reclaims stuck ones.

Available commands:
  queue   - Register, run and inspect tasks
  am      - Manage pulseq configuration ("I am")
  version - Show version information

Examples:
  pulseq queue start                # Start the dispatch loop
  pulseq queue push "Report" "report build"
  pulseq queue ls                   # List tasks
  pulseq am show                    # Show current configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLog, _ := cmd.Flags().GetBool("json-log")

		// Config errors surface in the command itself; the logger falls back to defaults
		if cfg, err := am.Load(); err == nil {
			logger.SetTheme(cfg.Log.Theme)
			jsonLog = jsonLog || cfg.Log.JSON
		}

		if err := logger.Initialize(jsonLog); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		logger.SetVerbosity(verbosity)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-log", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		commands.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
