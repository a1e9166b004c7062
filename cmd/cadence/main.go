package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - multi-tenant job scheduler",
	Long: `cadence - multi-tenant job scheduler.

Runs one-time and cron jobs for many owners on a durable SQLite-backed
queue, with retries, execution logs and live notifications.

Available commands:
  server  - Run the scheduler engine and HTTP API
  jobs    - Create and control jobs
  queue   - Inspect or clear the task queue
  db      - Manage the database
  am      - Manage configuration
  version - Show build information

Examples:
  cadence server                        # Start engine and API
  cadence jobs ls --owner alice         # List alice's jobs
  cadence jobs create -f backup.yaml    # Create a job from a definition
  cadence queue stats                   # Queue depth by state`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
