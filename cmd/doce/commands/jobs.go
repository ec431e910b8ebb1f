package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/display"
	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// JobsCmd groups job inspection and control.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control queued jobs",
	Long: `Inspect and control queued jobs.

Examples:
  doce jobs ls                        # Newest jobs first
  doce jobs ls --state failed         # Only failed jobs
  doce jobs ls --project blog         # Jobs of one project
  doce jobs status <id>               # Full job record
  doce jobs cancel <id>               # Cancel a queued or running job
  doce jobs retry <id>                # Requeue a failed or cancelled job
  doce jobs unlock <id>               # Release a stuck lease
  doce jobs purge --state succeeded   # Delete finished jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		project, _ := cmd.Flags().GetString("project")
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON := display.ShouldOutputJSON(cmd)

		if state != "" && !queue.IsValidState(state) {
			return errors.NewInvalidRequestError("unknown state %q (want one of %v)", state, queue.AllStates)
		}
		filter := queue.ListFilter{
			ProjectID: project,
			State:     queue.JobState(state),
			Type:      jobType,
			Page:      queue.Page{Limit: limit, Offset: offset},
		}
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			jobs, err := q.List(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(jobs)
			}
			printJobTable(jobs)
			return nil
		})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON := display.ShouldOutputJSON(cmd)
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			job, err := q.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(job)
			}
			printJobDetail(job)
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job. A queued job is cancelled at once; a running job is flagged
and its worker stops it at the next check.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobTransition(args[0], (*queue.Queue).Cancel, func(job *queue.Job) {
			if job.State == queue.StateCancelled {
				pterm.Success.Printf("Job %s cancelled\n", job.ID)
				return
			}
			pterm.Info.Printf("Cancellation requested for running job %s\n", job.ID)
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed or cancelled job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobTransition(args[0], (*queue.Queue).Retry, func(job *queue.Job) {
			pterm.Success.Printf("Job %s requeued\n", job.ID)
		})
	},
}

var jobsUnlockCmd = &cobra.Command{
	Use:   "unlock <job-id>",
	Short: "Release a job's lease so another worker can claim it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobTransition(args[0], (*queue.Queue).ForceUnlock, func(job *queue.Job) {
			pterm.Success.Printf("Job %s unlocked (%s)\n", job.ID, job.State)
		})
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every job in a terminal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		if !queue.IsValidState(state) {
			return errors.NewInvalidRequestError("--state must be one of succeeded, failed, cancelled")
		}
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			n, err := q.DeleteByState(ctx, queue.JobState(state))
			if err != nil {
				return err
			}
			pterm.Success.Printf("Deleted %d %s job(s)\n", n, state)
			return nil
		})
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [payload-json]",
	Short: "Enqueue a raw job",
	Long: `Enqueue a job with an explicit type and JSON payload. The type is not
checked against the registered handlers; unknown types fail when claimed.

Example:
  doce jobs enqueue compose.up '{"projectId":"blog"}' --project blog --dedupe compose.up:blog`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(`{}`)
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return errors.NewInvalidRequestError("payload is not valid JSON")
			}
			payload = json.RawMessage(args[1])
		}
		project, _ := cmd.Flags().GetString("project")
		priority, _ := cmd.Flags().GetInt("priority")
		attempts, _ := cmd.Flags().GetInt("max-attempts")
		dedupe, _ := cmd.Flags().GetString("dedupe")
		delay, _ := cmd.Flags().GetDuration("delay")

		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			res, err := q.EnqueueRaw(ctx, args[0], payload, queue.EnqueueOptions{
				ProjectID:   project,
				Priority:    priority,
				MaxAttempts: attempts,
				DedupeKey:   dedupe,
				Delay:       delay,
			})
			if err != nil {
				return err
			}
			if res.Created {
				pterm.Success.Printf("Enqueued %s job %s\n", res.Job.Type, res.Job.ID)
			} else {
				pterm.Info.Printf("Active job %s already holds dedupe key %q\n", res.Job.ID, dedupe)
			}
			return nil
		})
	},
}

func init() {
	jobsLsCmd.Flags().String("state", "", "Filter by state (queued, running, succeeded, failed, cancelled)")
	jobsLsCmd.Flags().String("project", "", "Filter by project id")
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().Int("limit", queue.DefaultPageSize, "Maximum number of jobs to show")
	jobsLsCmd.Flags().Int("offset", 0, "Number of jobs to skip")
	jobsLsCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	jobsStatusCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	jobsPurgeCmd.Flags().String("state", "", "Terminal state to purge (succeeded, failed, cancelled)")
	jobsPurgeCmd.MarkFlagRequired("state")

	jobsEnqueueCmd.Flags().String("project", "", "Project id (jobs of one project never run concurrently)")
	jobsEnqueueCmd.Flags().Int("priority", 0, "Higher runs first")
	jobsEnqueueCmd.Flags().Int("max-attempts", 0, "Attempt budget (default queue.default_max_attempts)")
	jobsEnqueueCmd.Flags().String("dedupe", "", "Dedupe key")
	jobsEnqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes claimable")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsUnlockCmd)
	JobsCmd.AddCommand(jobsPurgeCmd)
	JobsCmd.AddCommand(jobsEnqueueCmd)
}

// withQueue opens the configured database for one short command.
func withQueue(fn func(ctx context.Context, q *queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(context.Background(), newCLIQueue(database))
}

func newCLIQueue(database *sql.DB) *queue.Queue {
	return queue.NewQueue(queue.NewStore(database), queue.WithLogger(logger.Logger))
}

func jobTransition(id string, op func(*queue.Queue, context.Context, string) (*queue.Job, error), report func(*queue.Job)) error {
	return withQueue(func(ctx context.Context, q *queue.Queue) error {
		job, err := op(q, ctx, id)
		if err != nil {
			return err
		}
		report(job)
		return nil
	})
}

func printJSON(v interface{}) error {
	return display.OutputJSON(v)
}

func printJobTable(jobs []*queue.Job) {
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return
	}

	data := pterm.TableData{{"ID", "TYPE", "STATE", "PROJECT", "PRI", "ATTEMPTS", "RUN AT", "CREATED"}}
	for _, job := range jobs {
		data = append(data, []string{
			truncate(job.ID, 13),
			job.Type,
			stateLabel(job),
			job.Project(),
			strconv.Itoa(job.Priority),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			job.RunAt.Local().Format("01-02 15:04:05"),
			job.CreatedAt.Local().Format("01-02 15:04:05"),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Printf("\nTotal: %d job(s)\n", len(jobs))
}

func printJobDetail(job *queue.Job) {
	pterm.DefaultSection.Printf("Job %s", job.ID)
	rows := [][2]string{
		{"Type", job.Type},
		{"State", stateLabel(job)},
		{"Project", job.Project()},
		{"Priority", strconv.Itoa(job.Priority)},
		{"Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
		{"Run at", formatTime(&job.RunAt)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Updated", formatTime(&job.UpdatedAt)},
	}
	if job.LockedBy != nil {
		rows = append(rows,
			[2]string{"Locked by", *job.LockedBy},
			[2]string{"Locked at", formatTime(job.LockedAt)},
			[2]string{"Lease expires", formatTime(job.LockExpiresAt)},
		)
	}
	if job.DedupeKey != nil {
		rows = append(rows, [2]string{"Dedupe key", *job.DedupeKey})
	}
	if job.CancelRequestedAt != nil {
		rows = append(rows, [2]string{"Cancel requested", formatTime(job.CancelRequestedAt)})
	}
	if job.CancelledAt != nil {
		rows = append(rows, [2]string{"Cancelled", formatTime(job.CancelledAt)})
	}
	if job.LastError != nil {
		rows = append(rows, [2]string{"Last error", *job.LastError})
	}
	for _, r := range rows {
		pterm.Printf("  %-17s %s\n", r[0]+":", r[1])
	}
	pterm.Printf("  %-17s %s\n", "Payload:", string(job.Payload))
}

func stateLabel(job *queue.Job) string {
	label := string(job.State)
	switch job.State {
	case queue.StateSucceeded:
		return pterm.FgGreen.Sprint(label)
	case queue.StateFailed:
		return pterm.FgRed.Sprint(label)
	case queue.StateRunning:
		if job.CancelRequestedAt != nil {
			label += " (cancelling)"
		}
		return pterm.FgCyan.Sprint(label)
	case queue.StateCancelled:
		return pterm.FgGray.Sprint(label)
	default:
		return label
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
