package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/lifecycle"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// ProjectCmd starts and inspects project lifecycles.
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Create projects and follow their lifecycle jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Enqueue the lifecycle chain for a new project",
	Long: `Enqueue project.create for a new project. A worker then runs the chain
project.create -> compose.up -> preview.wait_ready -> agent.session_init ->
agent.prompt_send (the last step only when --prompt is set).

Repeating the command while the project's create step is still active
returns that job instead of enqueueing another.

Example:
  doce project create blog --name "My blog" --prompt "A minimal personal blog"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		if name == "" {
			name = args[0]
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		wf, err := newWorkflow(cfg, nil)
		if err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			res, err := wf.Start(ctx, q, lifecycle.CreateProject{ProjectID: args[0], Name: name, Prompt: prompt})
			if err != nil {
				return err
			}
			if !res.Created {
				pterm.Info.Printf("Project %s is already being created by job %s (%s)\n", args[0], res.Job.ID, res.Job.State)
				return nil
			}
			pterm.Success.Printf("Enqueued %s job %s\n", res.Job.Type, res.Job.ID)
			pterm.Info.Printf("Follow it with: doce project jobs %s\n", args[0])
			return nil
		})
	},
}

var projectJobsCmd = &cobra.Command{
	Use:   "jobs <project-id>",
	Short: "List a project's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := lifecycle.ValidateProjectID(args[0]); err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			jobs, err := q.Store().ListByProject(ctx, args[0], queue.Page{})
			if err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		})
	},
}

func init() {
	projectCreateCmd.Flags().String("name", "", "Display name (default the project id)")
	projectCreateCmd.Flags().String("prompt", "", "Initial prompt sent to the coding agent")

	ProjectCmd.AddCommand(projectCreateCmd)
	ProjectCmd.AddCommand(projectJobsCmd)
}
