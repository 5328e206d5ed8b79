package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc reapplies one watched file.
type ReloadFunc func(ctx context.Context) error

// Reloader watches policy and catalog files and reapplies them on change.
// Directories are watched so editors that replace files atomically still
// trigger a reload.
type Reloader struct {
	watcher  *fsnotify.Watcher
	handlers map[string]ReloadFunc
	log      zerolog.Logger
	delay    time.Duration
}

// NewReloader creates a watcher for the given file -> reload mapping.
// Empty paths are skipped.
func NewReloader(handlers map[string]ReloadFunc, log zerolog.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	r := &Reloader{
		watcher:  watcher,
		handlers: make(map[string]ReloadFunc),
		log:      log,
		delay:    500 * time.Millisecond,
	}
	dirs := make(map[string]bool)
	for p, fn := range handlers {
		if p == "" || fn == nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to resolve %q: %w", p, err)
		}
		r.handlers[abs] = fn
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	return r, nil
}

// AppReloaders maps the server's app files to their reload functions.
func (s *Server) AppReloaders() map[string]ReloadFunc {
	return map[string]ReloadFunc{
		s.app.Config.PolicyPath:  s.app.ReloadPolicies,
		s.app.Config.CatalogPath: func(context.Context) error { return s.app.ReloadCatalog() },
	}
}

// Run watches for file changes until ctx is cancelled. Bursts of events on
// one file collapse into a single reload.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(event.Name)
			fn, watched := r.handlers[path]
			if !watched {
				continue
			}
			mu.Lock()
			if t := pending[path]; t != nil {
				t.Stop()
			}
			pending[path] = time.AfterFunc(r.delay, func() {
				if err := fn(ctx); err != nil {
					r.log.Error().Err(err).Str("path", path).Msg("hot-reload failed, keeping previous version")
					return
				}
				r.log.Info().Str("path", path).Msg("hot-reload applied")
			})
			mu.Unlock()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
