// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"sync"
	"sync/atomic"
)

// virtualFile is what the interceptor remembers about a descriptor it
// opened on a virtual entry: the metadata the virtual path presents,
// which differs from the object file's own. A directory descriptor is
// a placeholder that carries the listing taken when it was opened.
type virtualFile struct {
	logical      string
	size         int64
	mode         uint32
	modTimeNanos int64

	dir     bool
	entries []Dirent
}

// fdTable maps descriptors to virtual files. Most processes never
// open a virtual file, so lookups on an empty table skip the lock.
type fdTable struct {
	count atomic.Int64

	mu    sync.RWMutex
	files map[int]virtualFile
}

func newFDTable() *fdTable {
	return &fdTable{files: make(map[int]virtualFile)}
}

func (t *fdTable) set(fd int, file virtualFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.files[fd]; !exists {
		t.count.Add(1)
	}
	t.files[fd] = file
}

func (t *fdTable) get(fd int) (virtualFile, bool) {
	if t.count.Load() == 0 {
		return virtualFile{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	file, exists := t.files[fd]
	return file, exists
}

// remove forgets fd and reports whether it was virtual.
func (t *fdTable) remove(fd int) bool {
	if t.count.Load() == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.files[fd]; !exists {
		return false
	}
	delete(t.files, fd)
	t.count.Add(-1)
	return true
}

func (t *fdTable) len() int {
	return int(t.count.Load())
}
