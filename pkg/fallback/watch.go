package fallback

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

// DefaultReloadDebounce collapses the burst of events an editor save produces.
const DefaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads a chain file into an Executor whenever the file changes.
// A file that fails to load is logged and the running chains stay active.
type Watcher struct {
	path     string
	exec     *Executor
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	// onReload observes every reload attempt. Tests use it.
	onReload func(*ChainSet, error)
}

// NewWatcher watches path's directory, so atomic rename-over saves are seen.
func NewWatcher(path string, exec *Executor, logger *zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		exec:     exec,
		watcher:  fw,
		debounce: DefaultReloadDebounce,
		logger:   logging.OrDefault(logger, "fallback-watch"),
	}, nil
}

// Run processes file events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

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
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("file", w.path).Msg("Chain file watch error")
		}
	}
}

func (w *Watcher) reload() {
	set, err := LoadChains(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("file", w.path).Msg("Chain file reload failed, keeping current chains")
	} else {
		w.exec.SetChains(set.Chains)
		w.logger.Info().
			Str("file", w.path).
			Int("operations", len(set.Chains)).
			Msg("Fallback chains reloaded")
	}
	if w.onReload != nil {
		w.onReload(set, err)
	}
}
