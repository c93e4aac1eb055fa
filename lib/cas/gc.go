// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/bureau-foundation/velo/lib/digest"
)

// LiveFunc returns the set of digests that must survive a collection.
type LiveFunc func() (digest.Set, error)

// GCOptions tunes a collection.
type GCOptions struct {
	// DryRun reports what would be removed without deleting anything.
	DryRun bool

	// Recheck, if set, is called for each candidate immediately before
	// deletion while the candidate's put lock is held. Returning true
	// keeps the object. The daemon uses it to consult live reference
	// counts, which may have moved since the snapshot.
	Recheck func(digest.Digest) bool
}

// GCResult summarizes a collection.
type GCResult struct {
	Scanned      int           `cbor:"scanned" json:"scanned"`
	Live         int           `cbor:"live" json:"live"`
	Removed      int           `cbor:"removed" json:"removed"`
	RemovedBytes int64         `cbor:"removed_bytes" json:"removed_bytes"`
	Kept         int           `cbor:"kept" json:"kept"`
	DryRun       bool          `cbor:"dry_run" json:"dry_run"`
	Duration     time.Duration `cbor:"duration_ns" json:"duration_ns"`
}

// GC removes every stored object whose digest is not in the set
// returned by live.
//
// Ordering makes it safe against concurrent Put: the young set starts
// recording before live is called, so any object put after the snapshot
// (or re-put while the scan runs) is kept. Each deletion happens under
// the object's stripe lock after consulting the young set and Recheck.
//
// Cancelling ctx stops the collection between deletions; the partial
// result is returned along with ctx's error. Only one collection runs
// at a time.
func (s *Store) GC(ctx context.Context, live LiveFunc, options GCOptions) (GCResult, error) {
	started := time.Now()
	result := GCResult{DryRun: options.DryRun}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	s.youngMu.Lock()
	s.young = make(digest.Set)
	s.youngMu.Unlock()
	defer func() {
		s.youngMu.Lock()
		s.young = nil
		s.youngMu.Unlock()
	}()

	liveSet, err := live()
	if err != nil {
		return result, fmt.Errorf("computing live set: %w", err)
	}

	type candidate struct {
		digest digest.Digest
		size   int64
	}
	var candidates []candidate
	err = s.Walk(func(d digest.Digest, size int64) error {
		result.Scanned++
		if liveSet.Has(d) {
			result.Live++
			return nil
		}
		candidates = append(candidates, candidate{digest: d, size: size})
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("scanning store: %w", err)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}
		removed, err := s.collect(c.digest, options)
		if err != nil {
			result.Duration = time.Since(started)
			return result, err
		}
		if removed {
			result.Removed++
			result.RemovedBytes += c.size
		} else {
			result.Kept++
		}
	}

	result.Duration = time.Since(started)
	if !options.DryRun {
		s.metrics.ObserveGC(result.Removed, result.RemovedBytes)
	}
	s.logger.Info("garbage collection finished",
		"scanned", result.Scanned,
		"live", result.Live,
		"removed", result.Removed,
		"removed_bytes", result.RemovedBytes,
		"kept", result.Kept,
		"dry_run", result.DryRun,
		"duration", result.Duration,
	)
	return result, nil
}

// collect deletes one candidate unless it became live. Reports whether
// the object was (or, in a dry run, would have been) removed.
func (s *Store) collect(d digest.Digest, options GCOptions) (bool, error) {
	lock := s.stripe(d)
	lock.Lock()
	defer lock.Unlock()

	if s.isYoung(d) {
		return false, nil
	}
	if options.Recheck != nil && options.Recheck(d) {
		return false, nil
	}
	if options.DryRun {
		return true, nil
	}
	if err := os.Remove(s.Path(d)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("removing object %s: %w", d, err)
	}
	s.logger.Debug("removed object", "digest", d.String())
	return true, nil
}
