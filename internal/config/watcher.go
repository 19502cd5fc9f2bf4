package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives each valid configuration read after a file change.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
// A reload that fails to parse or validate is logged and dropped; the
// previous configuration stays in effect.
type Watcher struct {
	loader   *Loader
	path     string
	onReload ReloadFunc
	settle   time.Duration

	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's file. Bursts of events
// within settle of each other cause one reload.
func NewWatcher(loader *Loader, settle time.Duration, onReload ReloadFunc) (*Watcher, error) {
	path := loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config path is unknown")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		onReload: onReload,
		settle:   settle,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go w.eventLoop()
	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops watching. Pending reloads are dropped.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
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
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring unreadable config change")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		return
	}
	log.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
