package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// stopGrace is how long running handlers get to finish on shutdown before
// their jobs are requeued.
const stopGrace = 30 * time.Second

// settleGrace bounds the wait for cancelled handlers to record their outcome.
const settleGrace = 5 * time.Second

// WorkerCmd runs the queue worker in the foreground.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker",
	Long: `Run the job worker in the foreground.

The worker polls the queue, claims jobs under a lease and runs the container
lifecycle handlers (project.create, compose.up, preview.wait_ready,
agent.session_init, agent.prompt_send). Concurrency follows the queue settings
and is re-applied when queue.concurrency changes in the config file.

Press Ctrl+C once for a graceful stop, twice to exit immediately.

Examples:
  doce worker
  DOCE_QUEUE_LEASE_MS=60000 doce worker`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	handle, err := a.startWorker(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start worker")
	}

	watcher, err := a.watchConfig(ctx)
	if err != nil {
		a.logger.Warnw("Config hot reload disabled", "error", err)
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	printWorkerBanner(a, handle)
	return waitForShutdown(handle, nil)
}

func printWorkerBanner(a *app, handle *queue.WorkerHandle) {
	wc := handle.Config()
	pterm.Success.Println("Worker started")
	pterm.Printf("  Worker ID:     %s\n", wc.ID)
	pterm.Printf("  Database:      %s\n", a.cfg.GetDatabasePath())
	pterm.Printf("  Lease:         %v (heartbeat %v)\n", wc.Lease, wc.HeartbeatInterval)
	pterm.Printf("  Poll interval: %v\n", wc.PollInterval)
	pterm.Printf("  Max slots:     %d\n", wc.MaxSlots)
	pterm.Printf("  Job types:     %v\n", a.registry.Types())
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}

// waitForShutdown blocks until a signal arrives, the worker fails, or serverDone
// closes, then stops the worker. A second signal exits immediately.
func waitForShutdown(handle *queue.WorkerHandle, serverDone <-chan struct{}) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var cause error
	select {
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	case <-handle.Done():
		cause = handle.Err()
	case <-serverDone:
		cause = errors.New("HTTP server exited")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		err := handle.Stop(ctx)
		if err != nil {
			// Cancelled handlers still settle their jobs as retries.
			select {
			case <-handle.Done():
			case <-time.After(settleGrace):
			}
		}
		stopped <- err
	}()

	select {
	case err := <-stopped:
		if cause != nil {
			return errors.Wrap(cause, "worker stopped")
		}
		if err != nil {
			return errors.Wrap(err, "worker shutdown")
		}
		pterm.Success.Println("Worker stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}
