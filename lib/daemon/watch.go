// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/velo/lib/clock"
)

// reloadDebounce coalesces the burst of events an editor or a package
// manager produces when rewriting a manifest.
const reloadDebounce = 200 * time.Millisecond

// manifestWatcher re-materializes roots when their manifest file
// changes. It watches parent directories rather than the files so a
// manifest replaced by rename is still seen.
type manifestWatcher struct {
	watcher *fsnotify.Watcher
	clock   clock.Clock
	logger  *slog.Logger
	reload  func(ctx context.Context, rootID, path string)

	mu      sync.Mutex
	ctx     context.Context
	roots   map[string]string          // root id -> manifest path
	byPath  map[string]map[string]bool // manifest path -> root ids
	dirs    map[string]int             // watched directory -> manifests in it
	pending map[string]*clock.Timer    // manifest path -> scheduled reload
}

func newManifestWatcher(clk clock.Clock, logger *slog.Logger, reload func(context.Context, string, string)) (*manifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating manifest watcher: %w", err)
	}
	return &manifestWatcher{
		watcher: watcher,
		clock:   clk,
		logger:  logger,
		reload:  reload,
		ctx:     context.Background(),
		roots:   make(map[string]string),
		byPath:  make(map[string]map[string]bool),
		dirs:    make(map[string]int),
		pending: make(map[string]*clock.Timer),
	}, nil
}

// watch binds rootID to the manifest at path, replacing any previous
// binding for rootID.
func (w *manifestWatcher) watch(rootID, path string) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		w.logger.Warn("not watching manifest", "root", rootID, "manifest", path, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.roots[rootID] == absolute {
		return
	}
	w.unwatchLocked(rootID)

	directory := filepath.Dir(absolute)
	if w.dirs[directory] == 0 {
		if err := w.watcher.Add(directory); err != nil {
			w.logger.Warn("not watching manifest", "root", rootID, "manifest", absolute, "error", err)
			return
		}
	}
	w.dirs[directory]++
	w.roots[rootID] = absolute
	if w.byPath[absolute] == nil {
		w.byPath[absolute] = make(map[string]bool)
	}
	w.byPath[absolute][rootID] = true
	w.logger.Debug("watching manifest", "root", rootID, "manifest", absolute)
}

// unwatch forgets rootID's manifest, if any.
func (w *manifestWatcher) unwatch(rootID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(rootID)
}

func (w *manifestWatcher) unwatchLocked(rootID string) {
	path, exists := w.roots[rootID]
	if !exists {
		return
	}
	delete(w.roots, rootID)
	delete(w.byPath[path], rootID)
	if len(w.byPath[path]) == 0 {
		delete(w.byPath, path)
		if timer, scheduled := w.pending[path]; scheduled {
			timer.Stop()
			delete(w.pending, path)
		}
	}

	directory := filepath.Dir(path)
	w.dirs[directory]--
	if w.dirs[directory] <= 0 {
		delete(w.dirs, directory)
		if err := w.watcher.Remove(directory); err != nil {
			w.logger.Debug("removing directory watch", "directory", directory, "error", err)
		}
	}
}

// watchedPath reports whether path is a manifest some root uses.
func (w *manifestWatcher) watchedPath(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byPath[path]) > 0
}

// run dispatches filesystem events until ctx is done.
func (w *manifestWatcher) run(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

func (w *manifestWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(event.Name)
	if !w.watchedPath(path) {
		return
	}
	w.schedule(path)
}

// schedule queues a reload of every root using path, pushing back a
// reload already queued.
func (w *manifestWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, scheduled := w.pending[path]; scheduled {
		timer.Reset(reloadDebounce)
		return
	}
	w.pending[path] = w.clock.AfterFunc(reloadDebounce, func() {
		w.fire(path)
	})
}

func (w *manifestWatcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	ctx := w.ctx
	rootIDs := make([]string, 0, len(w.byPath[path]))
	for rootID := range w.byPath[path] {
		rootIDs = append(rootIDs, rootID)
	}
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	for _, rootID := range rootIDs {
		w.logger.Info("manifest changed", "root", rootID, "manifest", path)
		w.reload(ctx, rootID, path)
	}
}

func (w *manifestWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func (w *manifestWatcher) close() error {
	return w.watcher.Close()
}
