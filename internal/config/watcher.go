package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a config.yaml change together with the freshly
// parsed configuration. Err is set when the new file failed to load; the
// caller should keep its previous settings in that case.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory for config.yaml writes until ctx ends.
// The directory is watched rather than the file so editors that replace
// the file on save are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, loadErr := LoadFrom(w.homeDir)
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg, Err: loadErr}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", cfg.Fingerprint())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
