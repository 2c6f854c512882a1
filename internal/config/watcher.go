package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups the several events one editor save produces.
const DefaultDebounce = 150 * time.Millisecond

// ReloadEvent carries the configuration re-read after config.yaml changed.
// Err is set when the new file does not load or validate; Config then holds
// defaults and must not be applied.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes so a running daemon can pick
// up a new server URL, log level or schedule without restarting.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger.With("component", "config"),
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 1),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the file itself so that
// editors which replace config.yaml via rename are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := ConfigPath(w.homeDir)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(target)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload failed", "path", path, "error", err)
	} else {
		w.logger.Info("config reloaded", "path", path)
	}
	ev := ReloadEvent{Path: path, Config: cfg, Err: err}
	// Keep only the newest reload when the consumer lags.
	select {
	case <-w.events:
	default:
	}
	select {
	case w.events <- ev:
	default:
	}
}
