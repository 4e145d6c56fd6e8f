package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conveyor/conveyor/pkg/telemetry"
)

const defaultReloadDelay = 250 * time.Millisecond

// Watcher reloads a configuration file whenever it changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	logger   *telemetry.Logger
	onChange func(*Config)
	delay    time.Duration

	mu      sync.RWMutex
	current *Config
	timer   *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads path and starts watching it. onChange is called with every
// successfully reloaded configuration; files that fail to load are logged
// and the previous configuration stays current.
func (l *Loader) Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Config)) (*Watcher, error) {
	return l.watch(ctx, path, logger, onChange, defaultReloadDelay)
}

func (l *Loader) watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Config), delay time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := l.Load(abs)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch its directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
	}

	w := &Watcher{
		loader:   l,
		path:     abs,
		logger:   logger.NewComponentLogger("config").WithField("path", abs),
		onChange: onChange,
		delay:    delay,
		current:  cfg,
		watcher:  fw,
		done:     make(chan struct{}),
	}

	go w.processEvents(ctx)

	w.logger.Info("Watching configuration file")
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debugf("Configuration file changed (%s)", event.Op)
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to reload configuration, keeping previous")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.WithField("execution_mode", cfg.Executor.ExecutionMode).Info("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
