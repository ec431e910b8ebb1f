package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// ReloadCallback is called with the freshly loaded config after the file changes.
type ReloadCallback func(*Config) error

// Watcher reloads one config file when it changes on disk.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	ownWrite      bool
	closed        bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debouncePeriod = d }
}

// NewWatcher watches configPath. The parent directory is watched so editors that
// replace the file by rename are still seen.
func NewWatcher(configPath string, log *zap.SugaredLogger, opts ...WatcherOption) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", configPath)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory of %s", abs)
	}

	w := &Watcher{
		configPath:     abs,
		watcher:        fw,
		logger:         log.Named("config"),
		debouncePeriod: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnReload registers a callback.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Save writes cfg to the watched file without triggering a reload.
func (w *Watcher) Save(cfg *Config) error {
	w.mu.Lock()
	w.ownWrite = true
	w.mu.Unlock()
	return Save(w.configPath, cfg)
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configPath || isBackupFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.checkOwnWrite() {
				w.logger.Debugw("Config watcher ignoring own write", "file", event.Name)
				continue
			}
			w.logger.Infow("Config watcher detected change", "file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) checkOwnWrite() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ownWrite {
		w.ownWrite = false
		return true
	}
	return false
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.reload(); err != nil {
			w.logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (w *Watcher) reload() error {
	cfg, err := LoadFromFile(w.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping the previous one")
	}
	w.logger.Infow("Config reloaded", "path", w.configPath)

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			// Remaining callbacks still run
			w.logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back")
}
