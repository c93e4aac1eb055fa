// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"sync"
	"time"

	"github.com/bureau-foundation/velo/lib/protocol"
)

// maxSessionEntries bounds the cache. A full cache is dropped rather
// than evicted piecemeal; the next lookups repopulate it.
const maxSessionEntries = 4096

// lookup is one cached answer. A nil entry and nil opened is a cached
// not_found.
type lookup struct {
	entry   *protocol.Entry
	opened  *protocol.OpenResult
	expires time.Time
}

// Session is a process's view of its bound root: the latest generation
// it has seen and lookups answered from it. Any reply from a newer
// generation drops everything cached from older ones. The cache is
// advisory; dropping it only costs round trips.
type Session struct {
	root string
	ttl  time.Duration

	mu         sync.RWMutex
	generation uint64
	lookups    map[string]lookup
}

func newSession(root string, ttl time.Duration) *Session {
	return &Session{
		root:    root,
		ttl:     ttl,
		lookups: make(map[string]lookup),
	}
}

// Root returns the bound root_id.
func (s *Session) Root() string { return s.root }

// Generation returns the newest generation observed.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Len returns the number of cached lookups.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lookups)
}

// Invalidate drops every cached lookup.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.lookups)
}

// get returns the cached lookup for a logical path if it has not
// expired.
func (s *Session) get(logical string, now time.Time) (lookup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, exists := s.lookups[logical]
	if !exists || !now.Before(cached.expires) {
		return lookup{}, false
	}
	return cached, true
}

// observe records that a reply came from generation and reports
// whether lookups from it may be cached. Replies from a generation
// older than one already seen are not cached.
func (s *Session) observe(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked(generation)
}

func (s *Session) observeLocked(generation uint64) bool {
	switch {
	case generation > s.generation:
		s.generation = generation
		clear(s.lookups)
		return true
	case generation == s.generation:
		return true
	default:
		return false
	}
}

// store caches an answer for logical read from generation. A zero
// generation (not_found replies carry none) is cached against the
// current one.
func (s *Session) store(logical string, generation uint64, answer lookup, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != 0 && !s.observeLocked(generation) {
		return
	}
	if len(s.lookups) >= maxSessionEntries {
		clear(s.lookups)
	}
	// An open answer also answers resolve; keep the richer one.
	if previous, exists := s.lookups[logical]; exists && answer.opened == nil && previous.opened != nil {
		answer.opened = previous.opened
	}
	answer.expires = now.Add(s.ttl)
	s.lookups[logical] = answer
}
