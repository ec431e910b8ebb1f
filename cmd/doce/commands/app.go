package commands

import (
	"context"
	"database/sql"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/config"
	"github.com/pablopunk/doce.dev-sub004/db"
	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/lifecycle"
	"github.com/pablopunk/doce.dev-sub004/logger"
	"github.com/pablopunk/doce.dev-sub004/queue"
	"github.com/pablopunk/doce.dev-sub004/stream"
)

// ConfigFile is set by the root --config flag. Empty means the layered search.
var ConfigFile string

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if ConfigFile != "" {
		cfg, err = config.LoadFromFile(ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// activeConfigFile is the file a running worker watches for changes: the --config
// flag, else the highest-precedence config file that exists.
func activeConfigFile() string {
	if ConfigFile != "" {
		return ConfigFile
	}
	paths := config.ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	dbPath := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// app bundles what the long-running commands share.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	hub      *stream.Hub
	metrics  *queue.Metrics
	queue    *queue.Queue
	registry *queue.HandlerRegistry
	workflow *lifecycle.Workflow
	logger   *zap.SugaredLogger
}

// openApp loads config, opens the database and builds the queue. With handlers
// set it also builds the lifecycle workflow and registers its steps.
func openApp(handlers bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		hub:      stream.NewHub(stream.DefaultBufferSize),
		registry: queue.NewHandlerRegistry(),
		logger:   logger.Logger,
	}
	a.metrics = queue.NewMetrics(prometheus.DefaultRegisterer)
	a.queue = queue.NewQueue(
		queue.NewStore(database),
		queue.WithHub(a.hub),
		queue.WithMetrics(a.metrics),
		queue.WithLogger(a.logger),
	)

	if handlers {
		wf, err := newWorkflow(cfg, a.logger)
		if err != nil {
			database.Close()
			return nil, err
		}
		wf.Register(a.registry)
		a.workflow = wf
	}
	return a, nil
}

// newWorkflow builds the lifecycle workflow from the lifecycle section.
func newWorkflow(cfg *config.Config, log *zap.SugaredLogger) (*lifecycle.Workflow, error) {
	lc := cfg.Lifecycle
	runtime, err := lifecycle.NewComposeRuntime(lifecycle.ComposeOptions{
		ProjectsDir:        lc.ProjectsDir,
		Command:            lc.ComposeCommand,
		PreviewURLTemplate: lc.PreviewURLTemplate,
		Logger:             log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure compose runtime")
	}
	agent, err := lifecycle.NewHTTPAgent(lifecycle.AgentConfig{BaseURL: lc.AgentURL})
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure agent client")
	}
	return lifecycle.New(runtime, lifecycle.NewHTTPProber(0), agent, lifecycle.Options{
		ReadyTimeout:  lc.ReadyTimeout(),
		ProbeInterval: lc.ProbeInterval(),
		Priority:      lc.Priority,
		MaxAttempts:   cfg.Queue.DefaultMaxAttempts,
	}), nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// startWorker applies the configured concurrency, if any, and starts the worker.
func (a *app) startWorker(ctx context.Context) (*queue.WorkerHandle, error) {
	if n := a.cfg.Queue.Concurrency; n > 0 {
		if _, err := a.queue.SetConcurrency(ctx, n); err != nil {
			return nil, err
		}
	}
	return queue.StartWorker(ctx, queue.WorkerDeps{
		Queue:    a.queue,
		Registry: a.registry,
		Metrics:  a.metrics,
		Logger:   a.logger,
	}, a.cfg.Queue.WorkerConfig())
}

// watchConfig re-applies queue.concurrency whenever the active config file changes.
// It returns nil when there is no file to watch.
func (a *app) watchConfig(ctx context.Context) (*config.Watcher, error) {
	path := activeConfigFile()
	if path == "" {
		return nil, nil
	}
	w, err := config.NewWatcher(path, a.logger)
	if err != nil {
		return nil, err
	}
	w.OnReload(func(cfg *config.Config) error {
		n := cfg.Queue.Concurrency
		if n <= 0 || n == a.cfg.Queue.Concurrency {
			return nil
		}
		if _, err := a.queue.SetConcurrency(ctx, n); err != nil {
			return err
		}
		a.logger.Infow("Applied concurrency from config", "file", path, "concurrency", n)
		a.cfg.Queue.Concurrency = n
		return nil
	})
	w.Start()
	return w, nil
}
