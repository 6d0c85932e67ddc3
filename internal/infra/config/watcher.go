package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// UpdateHandler applies a reloaded configuration.
type UpdateHandler func(ctx context.Context, update domain.ConfigUpdate)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	current  domain.Config
	revision uint64
}

func NewWatcher(loader *Loader, path string, initial domain.Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewLoader(logger)
	}
	return &Watcher{
		loader:   loader,
		path:     path,
		debounce: defaultReloadDebounce,
		logger:   logger.Named("config_watcher"),
		current:  initial,
		revision: 1,
	}
}

func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Current returns the last applied configuration and its revision.
func (w *Watcher) Current() (domain.Config, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.revision
}

// Reload re-reads the file. It returns ok=false when nothing changed.
func (w *Watcher) Reload(ctx context.Context, source domain.ConfigUpdateSource) (domain.ConfigUpdate, bool, error) {
	cfg, err := w.loader.Load(ctx, w.path)
	if err != nil {
		return domain.ConfigUpdate{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if reflect.DeepEqual(cfg, w.current) {
		return domain.ConfigUpdate{}, false, nil
	}
	w.revision++
	w.current = cfg
	return domain.ConfigUpdate{Config: cfg, Revision: w.revision, Source: source}, true, nil
}

// Run watches the config file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context, apply UpdateHandler) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher add %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Debug("watching config", zap.String("path", abs))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			update, changed, err := w.Reload(ctx, domain.ConfigUpdateSourceWatch)
			if err != nil {
				w.logger.Warn("config reload failed; keeping previous config", zap.Error(err))
				continue
			}
			if !changed {
				continue
			}
			w.logger.Info("config reloaded", zap.Uint64("revision", update.Revision))
			if apply != nil {
				apply(ctx, update)
			}
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
