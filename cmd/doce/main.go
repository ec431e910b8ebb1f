package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/cmd/doce/commands"
	"github.com/pablopunk/doce.dev-sub004/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "doce",
	Short: "doce - durable job queue and project lifecycle worker",
	Long: `doce - durable job queue and project lifecycle worker for the website builder.

Jobs live in a SQLite database. Workers lease them, run one job per project at
a time, retry failures with backoff and drive each project's containers from
creation to its first agent prompt.

Available commands:
  worker   - Run the queue worker
  serve    - Serve the job API (and run a worker)
  jobs     - List, inspect, cancel and enqueue jobs
  queue    - Pause, resume and size the queue
  project  - Create projects and follow their jobs
  config   - Show and manage configuration
  db       - Database status and migrations

Examples:
  doce serve --addr :8787
  doce project create blog --prompt "A minimal personal blog"
  doce jobs ls --state failed
  doce queue pause`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// config show prints machine-readable output on stdout
		if cmd.Name() == "show" {
			return nil
		}
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
	rootCmd.PersistentFlags().StringVar(&commands.ConfigFile, "config", "", "Config file (replaces the config cascade)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
