package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before reporting a reload.
const DefaultDebounce = 250 * time.Millisecond

// ReloadEvent reports that config.yaml and/or .env changed. Paths is sorted
// and holds each changed file once; Op is the union of the operations seen.
type ReloadEvent struct {
	Paths []string
	Op    fsnotify.Op
}

// Watcher turns file system notifications on the home directory into
// coalesced reload events.
type Watcher struct {
	homeDir  string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config"),
		events:   make(chan ReloadEvent, 4),
	}
}

// SetDebounce changes the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory. Editors that save by rename are caught
// because the directory, not the file, is watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	watched := map[string]struct{}{
		filepath.Clean(ConfigPath(w.homeDir)):            {},
		filepath.Clean(filepath.Join(w.homeDir, ".env")): {},
	}

	go w.loop(ctx, fsw, watched)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, watched map[string]struct{}) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending = map[string]struct{}{}
		ops     fsnotify.Op
		timer   *time.Timer
		fire    <-chan time.Time
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
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if _, ok := watched[name]; !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[name] = struct{}{}
			ops |= ev.Op
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			reload := ReloadEvent{Op: ops}
			for p := range pending {
				reload.Paths = append(reload.Paths, p)
			}
			sort.Strings(reload.Paths)
			pending = map[string]struct{}{}
			ops = 0

			w.logger.Info("config files changed", "paths", reload.Paths, "op", reload.Op.String())
			select {
			case w.events <- reload:
			default:
				w.logger.Warn("config reload dropped; previous reload still pending")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
