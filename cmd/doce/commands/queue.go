package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/display"
	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// QueueCmd manages the queue-wide settings row.
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Pause, resume and size the queue",
	Long: `Manage queue-wide settings. Running workers read them on every poll.

Examples:
  doce queue stats
  doce queue pause
  doce queue resume
  doce queue concurrency 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from claiming new jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSettings((*queue.Queue).Pause, "Queue paused")
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let workers claim jobs again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSettings((*queue.Queue).Resume, "Queue resumed")
	},
}

var queueConcurrencyCmd = &cobra.Command{
	Use:   "concurrency <n>",
	Short: "Set how many jobs each worker runs at once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.NewInvalidRequestError("concurrency must be an integer, got %q", args[0])
		}
		return changeSettings(func(q *queue.Queue, ctx context.Context) (queue.Settings, error) {
			return q.SetConcurrency(ctx, n)
		}, "Concurrency updated")
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-state job counts and settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON := display.ShouldOutputJSON(cmd)
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(stats)
			}

			pterm.DefaultSection.Println("Queue")
			printSettings(stats.Settings)
			pterm.Println()

			data := pterm.TableData{{"STATE", "JOBS"}}
			for _, state := range queue.AllStates {
				data = append(data, []string{string(state), strconv.Itoa(stats.Counts[state])})
			}
			data = append(data, []string{"total", strconv.Itoa(stats.Total)})
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	queueStatsCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	QueueCmd.AddCommand(queuePauseCmd)
	QueueCmd.AddCommand(queueResumeCmd)
	QueueCmd.AddCommand(queueConcurrencyCmd)
	QueueCmd.AddCommand(queueStatsCmd)
}

func changeSettings(op func(*queue.Queue, context.Context) (queue.Settings, error), msg string) error {
	return withQueue(func(ctx context.Context, q *queue.Queue) error {
		s, err := op(q, ctx)
		if err != nil {
			return err
		}
		pterm.Success.Println(msg)
		printSettings(s)
		return nil
	})
}

func printSettings(s queue.Settings) {
	state := pterm.FgGreen.Sprint("running")
	if s.Paused {
		state = pterm.FgYellow.Sprint("paused")
	}
	pterm.Printf("  Status:      %s\n", state)
	pterm.Printf("  Concurrency: %d\n", s.Concurrency)
	pterm.Printf("  Updated:     %s\n", formatTime(&s.UpdatedAt))
}
