// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/testutil"
)

type reloadRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *reloadRecorder) reload(_ context.Context, rootID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rootID+"="+path)
}

func (r *reloadRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := slices.Clone(r.calls)
	slices.Sort(calls)
	return calls
}

func newTestWatcher(t *testing.T) (*manifestWatcher, *clock.FakeClock, *reloadRecorder) {
	t.Helper()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	recorder := &reloadRecorder{}
	watcher, err := newManifestWatcher(fake, testutil.Logger(), recorder.reload)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { watcher.close() })
	return watcher, fake, recorder
}

func TestWatcherDebouncesBursts(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	path := filepath.Join(t.TempDir(), "velo.jsonc")
	watcher.watch("app", path)

	for range 3 {
		watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
		fake.Advance(reloadDebounce / 2)
	}
	if calls := recorder.snapshot(); len(calls) != 0 {
		t.Fatalf("reloaded during burst: %v", calls)
	}

	fake.Advance(reloadDebounce)
	if calls := recorder.snapshot(); !slices.Equal(calls, []string{"app=" + path}) {
		t.Errorf("calls = %v, want one reload", calls)
	}
	if fake.Pending() != 0 {
		t.Errorf("%d timers left pending", fake.Pending())
	}
}

func TestWatcherIgnoresUnrelatedEvents(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	directory := t.TempDir()
	path := filepath.Join(directory, "velo.jsonc")
	watcher.watch("app", path)

	watcher.handle(fsnotify.Event{Name: filepath.Join(directory, "other.jsonc"), Op: fsnotify.Write})
	watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Remove})
	fake.Advance(time.Second)

	if calls := recorder.snapshot(); len(calls) != 0 {
		t.Errorf("unexpected reloads: %v", calls)
	}
}

func TestWatcherSharedManifest(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	path := filepath.Join(t.TempDir(), "velo.jsonc")
	watcher.watch("one", path)
	watcher.watch("two", path)

	watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Create})
	fake.Advance(reloadDebounce)
	want := []string{"one=" + path, "two=" + path}
	if calls := recorder.snapshot(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestWatcherUnwatchCancelsPendingReload(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	directory := t.TempDir()
	path := filepath.Join(directory, "velo.jsonc")
	watcher.watch("app", path)

	watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	watcher.unwatch("app")
	fake.Advance(time.Second)

	if calls := recorder.snapshot(); len(calls) != 0 {
		t.Errorf("reloaded an unwatched root: %v", calls)
	}
	if len(watcher.dirs) != 0 || len(watcher.byPath) != 0 {
		t.Errorf("watch state left behind: dirs=%v byPath=%v", watcher.dirs, watcher.byPath)
	}
}

func TestWatcherRebindsRoot(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	oldPath := filepath.Join(t.TempDir(), "old.jsonc")
	newPath := filepath.Join(t.TempDir(), "new.jsonc")
	watcher.watch("app", oldPath)
	watcher.watch("app", newPath)

	watcher.handle(fsnotify.Event{Name: oldPath, Op: fsnotify.Write})
	watcher.handle(fsnotify.Event{Name: newPath, Op: fsnotify.Write})
	fake.Advance(reloadDebounce)

	if calls := recorder.snapshot(); !slices.Equal(calls, []string{"app=" + newPath}) {
		t.Errorf("calls = %v", calls)
	}
	if _, watched := watcher.dirs[filepath.Dir(oldPath)]; watched {
		t.Error("old manifest directory still watched")
	}
}

func TestWatcherSkipsReloadAfterCancel(t *testing.T) {
	watcher, fake, recorder := newTestWatcher(t)
	path := filepath.Join(t.TempDir(), "velo.jsonc")
	watcher.watch("app", path)

	ctx, cancel := context.WithCancel(context.Background())
	watcher.mu.Lock()
	watcher.ctx = ctx
	watcher.mu.Unlock()

	watcher.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	cancel()
	fake.Advance(reloadDebounce)

	if calls := recorder.snapshot(); len(calls) != 0 {
		t.Errorf("reloaded after shutdown: %v", calls)
	}
}
