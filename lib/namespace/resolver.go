// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/metrics"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// Options configures a Resolver.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	// InitialGeneration is the number after which generation ids
	// continue. The daemon restores it from the root registry so ids
	// stay monotonic across restarts.
	InitialGeneration uint64
}

// Resolver owns every project root and the reference counts their
// generations hold on the store.
//
// Reads (Resolve, List, Acquire) never take the write lock and run
// against a pinned generation. Materialize and Unmount serialize with
// each other.
type Resolver struct {
	store   Store
	refs    *RefCounts
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	// writeMu serializes generation publication.
	writeMu sync.Mutex

	rootsMu sync.RWMutex
	roots   map[string]*ProjectRoot

	lastGeneration atomic.Uint64
}

// NewResolver returns a resolver with no project roots.
func NewResolver(store Store, options Options) *Resolver {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	resolver := &Resolver{
		store:   store,
		refs:    NewRefCounts(),
		logger:  logger,
		metrics: options.Metrics,
		clock:   clk,
		roots:   make(map[string]*ProjectRoot),
	}
	resolver.lastGeneration.Store(options.InitialGeneration)
	return resolver
}

// LastGeneration returns the most recently assigned generation id.
func (r *Resolver) LastGeneration() uint64 {
	return r.lastGeneration.Load()
}

// ValidateRootID checks that id is usable as a root name.
func ValidateRootID(id string) error {
	if id == "" || id == "." || id == ".." || len(id) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidRootID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidRootID, id)
		}
	}
	return nil
}

// MaterializeResult describes a newly published generation.
type MaterializeResult struct {
	Root        string `cbor:"root" json:"root"`
	Generation  uint64 `cbor:"generation" json:"generation"`
	Previous    uint64 `cbor:"previous,omitempty" json:"previous,omitempty"`
	Files       int    `cbor:"files" json:"files"`
	Directories int    `cbor:"directories" json:"directories"`
	TotalBytes  int64  `cbor:"total_bytes" json:"total_bytes"`
	Objects     int    `cbor:"objects" json:"objects"`
}

// Materialize ingests m into the store and publishes it as the new
// generation of rootID, creating the root if needed.
//
// The whole manifest is planned and checked for conflicts before
// anything is stored, so a *ConflictError leaves no trace. Reference
// counts are taken before content is written, which keeps a
// concurrent garbage collection from reclaiming an object between its
// Put and the generation swap.
func (r *Resolver) Materialize(ctx context.Context, rootID string, m *manifest.Manifest) (result MaterializeResult, err error) {
	defer func() { r.metrics.ObserveMaterialize(err) }()

	if err := ValidateRootID(rootID); err != nil {
		return MaterializeResult{}, err
	}
	if err := m.Validate(); err != nil {
		return MaterializeResult{}, err
	}

	created := r.clock.Now()
	planned, err := plan(m, r.store, created)
	if err != nil {
		return MaterializeResult{}, err
	}
	tree, err := buildTree(planned, created)
	if err != nil {
		return MaterializeResult{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	generation := newGeneration(r.lastGeneration.Add(1), rootID, tree, created, r.free)
	r.refs.Add(generation.refs)

	ingested := make(digest.Set)
	for i := range planned {
		if err := ctx.Err(); err != nil {
			r.abandon(generation)
			return MaterializeResult{}, err
		}
		p := &planned[i]
		if p.kind != KindFile || ingested.Has(p.digest) {
			continue
		}
		if err := ingest(p, r.store); err != nil {
			r.abandon(generation)
			return MaterializeResult{}, err
		}
		ingested.Add(p.digest)
	}

	root := r.rootFor(rootID)
	var previous uint64
	if current := root.current.Load(); current != nil {
		previous = current.id
	}
	r.metrics.GenerationPublished()
	root.swap(generation)

	r.logger.Info("materialized root",
		"root", rootID,
		"generation", generation.id,
		"previous", previous,
		"files", generation.files,
		"directories", generation.directories,
		"total_bytes", generation.totalBytes,
		"objects", len(generation.refs),
	)
	return MaterializeResult{
		Root:        rootID,
		Generation:  generation.id,
		Previous:    previous,
		Files:       generation.files,
		Directories: generation.directories,
		TotalBytes:  generation.totalBytes,
		Objects:     len(generation.refs),
	}, nil
}

// abandon returns the references of a generation that was never
// published.
func (r *Resolver) abandon(g *Generation) {
	if err := r.refs.Remove(g.refs); err != nil {
		r.logger.Error("releasing references of abandoned generation", "root", g.rootID, "generation", g.id, "error", err)
	}
}

// free is the onFree hook of every generation.
func (r *Resolver) free(g *Generation) {
	if err := r.refs.Remove(g.refs); err != nil {
		r.logger.Error("releasing generation references", "root", g.rootID, "generation", g.id, "error", err)
	}
	r.metrics.GenerationReleased()
	r.logger.Debug("generation freed", "root", g.rootID, "generation", g.id)
}

func (r *Resolver) rootFor(rootID string) *ProjectRoot {
	r.rootsMu.Lock()
	defer r.rootsMu.Unlock()
	root, exists := r.roots[rootID]
	if !exists {
		root = &ProjectRoot{id: rootID}
		r.roots[rootID] = root
	}
	return root
}

func (r *Resolver) lookupRoot(rootID string) (*ProjectRoot, bool) {
	r.rootsMu.RLock()
	defer r.rootsMu.RUnlock()
	root, exists := r.roots[rootID]
	return root, exists
}

// Has reports whether rootID has a published generation.
func (r *Resolver) Has(rootID string) bool {
	root, exists := r.lookupRoot(rootID)
	return exists && root.current.Load() != nil
}

// Acquire pins the current generation of rootID. The caller must
// Release it.
func (r *Resolver) Acquire(rootID string) (*Generation, error) {
	root, exists := r.lookupRoot(rootID)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, rootID)
	}
	generation, ok := root.Acquire()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, rootID)
	}
	return generation, nil
}

// Unmount retires the current generation of rootID and forgets the
// root. Readers holding the generation keep it until they release it.
// Returns the retired generation's id.
func (r *Resolver) Unmount(rootID string) (uint64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.rootsMu.Lock()
	root, exists := r.roots[rootID]
	if exists {
		delete(r.roots, rootID)
	}
	r.rootsMu.Unlock()
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoot, rootID)
	}

	var retired uint64
	if current := root.current.Load(); current != nil {
		retired = current.id
	}
	root.swap(nil)
	r.logger.Info("unmounted root", "root", rootID, "generation", retired)
	return retired, nil
}

// Resolution is the result of resolving a logical path.
type Resolution struct {
	Path       string
	Kind       Kind
	Digest     digest.Digest
	Size       int64
	Mode       fs.FileMode
	ModTime    time.Time
	Entries    []DirEntry
	Generation uint64
}

// Resolve looks up logicalPath in the current generation of rootID.
// Directories are returned with their listing.
func (r *Resolver) Resolve(rootID, logicalPath string) (Resolution, error) {
	generation, err := r.Acquire(rootID)
	if err != nil {
		return Resolution{}, err
	}
	defer generation.Release()
	return generation.Resolve(logicalPath)
}

// List returns the name-ordered listing of a directory in the current
// generation of rootID, and the generation it was read from.
func (r *Resolver) List(rootID, logicalPath string) ([]DirEntry, uint64, error) {
	generation, err := r.Acquire(rootID)
	if err != nil {
		return nil, 0, err
	}
	defer generation.Release()
	entries, err := generation.List(logicalPath)
	return entries, generation.id, err
}

// Resolve looks up logicalPath in this generation.
func (g *Generation) Resolve(logicalPath string) (Resolution, error) {
	canonical, err := vpath.Clean(logicalPath)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %q", ErrNotFound, logicalPath)
	}
	node := g.Lookup(canonical)
	if node == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	resolution := Resolution{
		Path:       canonical,
		Kind:       node.Kind,
		Digest:     node.Digest,
		Size:       node.Size,
		Mode:       node.Mode,
		ModTime:    node.ModTime,
		Generation: g.id,
	}
	if node.IsDir() {
		resolution.Entries = node.entries()
	}
	return resolution, nil
}

// List returns the name-ordered listing of a directory.
func (g *Generation) List(logicalPath string) ([]DirEntry, error) {
	resolution, err := g.Resolve(logicalPath)
	if err != nil {
		return nil, err
	}
	if resolution.Kind != KindDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, resolution.Path)
	}
	return resolution.Entries, nil
}

// RootInfo summarizes one loaded project root.
type RootInfo struct {
	Root        string    `cbor:"root" json:"root"`
	Generation  uint64    `cbor:"generation" json:"generation"`
	Files       int       `cbor:"files" json:"files"`
	Directories int       `cbor:"directories" json:"directories"`
	TotalBytes  int64     `cbor:"total_bytes" json:"total_bytes"`
	Created     time.Time `cbor:"created" json:"created"`
}

// Roots lists loaded roots sorted by id.
func (r *Resolver) Roots() []RootInfo {
	r.rootsMu.RLock()
	roots := make([]*ProjectRoot, 0, len(r.roots))
	for _, root := range r.roots {
		roots = append(roots, root)
	}
	r.rootsMu.RUnlock()

	infos := make([]RootInfo, 0, len(roots))
	for _, root := range roots {
		generation, ok := root.Acquire()
		if !ok {
			continue
		}
		infos = append(infos, RootInfo{
			Root:        root.id,
			Generation:  generation.id,
			Files:       generation.files,
			Directories: generation.directories,
			TotalBytes:  generation.totalBytes,
			Created:     generation.created,
		})
		generation.Release()
	}
	slices.SortFunc(infos, func(a, b RootInfo) int {
		return strings.Compare(a.Root, b.Root)
	})
	return infos
}

// LiveDigests returns every digest referenced by a live generation.
func (r *Resolver) LiveDigests() digest.Set {
	return r.refs.Snapshot()
}

// Referenced reports whether any live generation references d.
func (r *Resolver) Referenced(d digest.Digest) bool {
	return r.refs.Referenced(d)
}

// RefCount returns the current reference count of d.
func (r *Resolver) RefCount(d digest.Digest) int64 {
	return r.refs.Count(d)
}
