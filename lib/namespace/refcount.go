// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/velo/lib/digest"
)

// RefCounts tracks, per digest, how many namespace file entries across
// all live generations point at it. A digest with no entry has count
// zero and is eligible for collection.
type RefCounts struct {
	mu     sync.Mutex
	counts map[digest.Digest]int64
}

// NewRefCounts returns an empty table.
func NewRefCounts() *RefCounts {
	return &RefCounts{counts: make(map[digest.Digest]int64)}
}

// Add increments the count of each digest in delta by its value.
func (r *RefCounts) Add(delta map[digest.Digest]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d, n := range delta {
		r.counts[d] += n
	}
}

// Remove decrements counts by delta. If any count would go negative,
// nothing is changed and an error is returned; that indicates a
// generation released twice, which is a bug in the caller.
func (r *RefCounts) Remove(delta map[digest.Digest]int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d, n := range delta {
		if r.counts[d] < n {
			return fmt.Errorf("reference count for %s would go negative (%d - %d)", d, r.counts[d], n)
		}
	}
	for d, n := range delta {
		remaining := r.counts[d] - n
		if remaining == 0 {
			delete(r.counts, d)
		} else {
			r.counts[d] = remaining
		}
	}
	return nil
}

// Count returns the current count for d.
func (r *RefCounts) Count(d digest.Digest) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[d]
}

// Referenced reports whether d has a non-zero count.
func (r *RefCounts) Referenced(d digest.Digest) bool {
	return r.Count(d) > 0
}

// Snapshot returns every digest with a non-zero count.
func (r *RefCounts) Snapshot() digest.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(digest.Set, len(r.counts))
	for d := range r.counts {
		set.Add(d)
	}
	return set
}

// Len returns the number of referenced digests.
func (r *RefCounts) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}
