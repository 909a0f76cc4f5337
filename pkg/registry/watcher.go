// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

// Sync puts every role in roles whose content differs from the stored
// version. It returns the ids that changed.
func Sync(ctx context.Context, store Store, roles []core.RoleIdentity) ([]string, error) {
	var changed []string
	for _, role := range roles {
		current, err := store.Get(ctx, role.ID)
		if err != nil && !errors.HasCode(err, errors.CodeUnknownRole) {
			return changed, err
		}
		if err == nil && sameContent(current, normalize(role)) {
			continue
		}
		if _, err := store.Put(ctx, role); err != nil {
			return changed, err
		}
		changed = append(changed, role.ID)
	}
	return changed, nil
}

func sameContent(a, b core.RoleIdentity) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Watcher reloads a YAML role catalog into a Store when the file changes.
// Turns already in flight keep their snapshot.
type Watcher struct {
	path     string
	store    Store
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []func([]string)

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce collapses bursts of events for the catalog file.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(path string, store Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnChange registers a callback receiving the ids of changed roles.
func (w *Watcher) OnChange(fn func(changed []string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start syncs the catalog once and then watches its directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("registry: watch %s: %w", w.path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.fs = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call once after Start.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.fs.Close()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("role catalog watch error", slog.String("error", err.Error()))
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if w.debounce <= 0 {
				w.reloadLogged(ctx)
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
			w.reloadLogged(ctx)
		}
	}
}

func (w *Watcher) reloadLogged(ctx context.Context) {
	if err := w.reload(ctx); err != nil {
		w.logger.Error("failed to reload role catalog",
			slog.String("path", w.path), slog.String("error", err.Error()))
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	roles, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	changed, err := Sync(ctx, w.store, roles)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	w.logger.Info("role catalog reloaded", slog.Any("changed", changed))

	w.mu.Lock()
	listeners := append([]func([]string){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(changed)
	}
	return nil
}
