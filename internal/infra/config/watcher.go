package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher re-reads the config file on change and hands the validated result
// to an apply callback. Only runtime tunables are expected to take effect;
// structural settings such as the mirror DSN require a restart.
type Watcher struct {
	loader     *Loader
	configPath string
	apply      func(Config)
	logger     *zap.Logger
}

func NewWatcher(loader *Loader, configPath string, apply func(Config), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:     loader,
		configPath: configPath,
		apply:      apply,
		logger:     logger.Named("config_watcher"),
	}
}

// Run blocks until ctx is canceled. Reload failures keep the previous
// configuration in effect.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(w.configPath)); err != nil {
		w.logger.Warn("config watcher add failed", zap.String("path", w.configPath), zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			cfg, err := w.loader.Load(w.configPath)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous settings", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.configPath))
			w.apply(cfg)
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
