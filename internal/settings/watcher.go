// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce coalesces bursts of file events (editors often
// write a file several times in quick succession).
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads settings when the general preferences file changes on
// disk, so externally edited preferences take effect without a restart.
//
// The parent directory is watched rather than the file itself: atomic
// saves replace the file by rename, which would silently drop a
// file-level watch.
type Watcher struct {
	store    *Store
	onChange func(Settings)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the store's preferences file. onChange
// receives the freshly loaded settings after each coalesced change.
func NewWatcher(store *Store, debounce time.Duration, onChange func(Settings), logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching. The preferences directory is created if missing
// so the watch can be established before the first save.
func (w *Watcher) Watch() error {
	dir := filepath.Dir(w.store.PrefsPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	target := filepath.Base(w.store.PrefsPath())

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// processPending fires onChange once a pending event has been quiet for
// the debounce window.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			fire := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if fire {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if !fire {
				continue
			}

			loaded, err := w.store.Load()
			if err != nil {
				w.logger.Warn("settings reload failed", zap.Error(err))
				continue
			}
			w.logger.Debug("settings reloaded from disk")
			if w.onChange != nil {
				w.onChange(loaded)
			}
		}
	}
}
