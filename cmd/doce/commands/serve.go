package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/server"
)

var (
	serveAddr     string
	serveNoWorker bool
)

// ServeCmd runs the HTTP API, and by default a worker in the same process.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API (and run a worker)",
	Long: `Serve the job API over HTTP.

Endpoints:
  GET    /api/jobs                 list jobs (?project=&state=&type=&limit=&offset=)
  POST   /api/jobs                 enqueue {type, payload, projectId, priority, maxAttempts, dedupeKey, delayMs}
  DELETE /api/jobs?state=          purge terminal jobs
  GET    /api/jobs/{id}            job details
  POST   /api/jobs/{id}/cancel     cancel
  POST   /api/jobs/{id}/retry      retry a failed or cancelled job
  POST   /api/jobs/{id}/unlock     release a lease
  GET    /api/jobs/events?topic=   server-sent events
  GET    /api/jobs/ws?topic=       WebSocket events
  GET    /api/queue/settings       paused flag and concurrency (PUT to change)
  GET    /api/queue/stats          per-state counts
  GET    /metrics                  prometheus metrics

Topics are "jobs" (default), "queue", "job:<id>" and "project:<id>".

Examples:
  doce serve
  doce serve --addr 0.0.0.0:4321 --no-worker`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	ServeCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Serve the API without running a worker")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv, err := server.New(a.queue, server.Options{
		Registry:       a.registry,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverDone := make(chan struct{})
	var serverErr error
	go func() {
		defer close(serverDone)
		serverErr = srv.Serve(serverCtx, addr)
	}()

	pterm.Success.Printf("API listening on http://%s\n", addr)

	if serveNoWorker {
		return waitForServer(stopServer, serverDone, &serverErr)
	}

	handle, err := a.startWorker(ctx)
	if err != nil {
		stopServer()
		<-serverDone
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

	workerErr := waitForShutdown(handle, serverDone)
	stopServer()
	<-serverDone
	return joinShutdownErrors(workerErr, serverErr)
}

// waitForServer runs the API alone until a signal or a server failure.
func waitForServer(stop func(), done <-chan struct{}, serverErr *error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully...")
		stop()
		<-done
	case <-done:
	}
	return *serverErr
}

func joinShutdownErrors(workerErr, serverErr error) error {
	switch {
	case workerErr != nil && serverErr != nil:
		return errors.WithDetail(workerErr, fmt.Sprintf("HTTP server: %v", serverErr))
	case serverErr != nil:
		return serverErr
	default:
		return workerErr
	}
}
