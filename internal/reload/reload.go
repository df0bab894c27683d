// Package reload watches the configuration file and applies the
// subset of fields safe to change without a restart (SPEC_FULL.md
// §10.3): logging.level and cache.maxEntries. Every other field is
// read once at startup and never revisited.
package reload

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/avro-ipc/avrorpc/internal/compatcache"
	"github.com/avro-ipc/avrorpc/internal/config"
	"github.com/avro-ipc/avrorpc/internal/logging"
)

// Watcher applies live-reloadable config fields as the backing file
// changes.
type Watcher struct {
	path    string
	level   *slog.LevelVar
	cache   *compatcache.Cache
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// New creates a Watcher for the config file at path. cache may be
// nil if capacity changes should be ignored (e.g. in tests).
func New(path string, level *slog.LevelVar, cache *compatcache.Cache, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, level: level, cache: cache, logger: logger, watcher: fw}, nil
}

// Run blocks, applying reloadable fields on every write event to the
// watched file, until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Error("config watch error", slog.Any("error", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("ignoring invalid config reload", slog.Any("error", err))
		}
		return
	}

	snapshot := cfg.Snapshot()
	logging.ApplyLevel(w.level, snapshot.LogLevel)
	if w.cache != nil {
		w.cache.Resize(snapshot.CacheMaxEntries)
	}

	if w.logger != nil {
		w.logger.Info("applied config reload",
			slog.String("logLevel", snapshot.LogLevel),
			slog.Int("cacheMaxEntries", snapshot.CacheMaxEntries))
	}
}
