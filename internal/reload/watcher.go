package reload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pgtelemetry/internal/export"
)

// Reload triggers reported in self metrics.
const (
	TriggerFile   = "file"
	TriggerSignal = "signal"
)

const debounce = 100 * time.Millisecond

// Loader reads the configuration file and returns its settings.
type Loader func() (Settings, error)

// Watcher re-reads the configuration file when it changes and feeds the
// result to a Bridge.
type Watcher struct {
	log    logrus.FieldLogger
	path   string
	load   Loader
	bridge *Bridge
	health *export.HealthMetrics

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for the file at path.
func NewWatcher(
	log logrus.FieldLogger,
	path string,
	load Loader,
	bridge *Bridge,
	health *export.HealthMetrics,
) *Watcher {
	return &Watcher{
		log:    log.WithField("component", "config_watcher"),
		path:   filepath.Clean(path),
		load:   load,
		bridge: bridge,
		health: health,
	}
}

// Start begins watching. The parent directory is watched so editors that
// replace the file on save are still noticed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()

		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	w.watcher = fw

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)

	go w.run(ctx)

	w.log.WithField("path", w.path).Info("Watching config file for changes")

	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}

	w.wg.Wait()

	return err
}

// Reload loads the file and applies it. It reports whether a pipeline
// reload was requested.
func (w *Watcher) Reload(trigger string) (bool, error) {
	settings, err := w.load()
	if err != nil {
		return false, fmt.Errorf("loading config: %w", err)
	}

	if w.health != nil {
		w.health.ConfigReloads.WithLabelValues(trigger).Inc()
	}

	return w.bridge.Apply(settings), nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			// Events may have been lost, so re-read the file anyway.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				timer.Reset(debounce)

				continue
			}

			w.log.WithError(err).Warn("Config watcher error")
		case <-timer.C:
			reloaded, err := w.Reload(TriggerFile)
			if err != nil {
				w.log.WithError(err).Error("Failed to reload config, keeping current settings")

				continue
			}

			w.log.WithField("pipeline_reload", reloaded).Info("Config file reloaded")
		}
	}
}
