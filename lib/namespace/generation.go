// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// Generation is one immutable version of a project root's tree.
//
// A generation is live from publication until it is both retired
// (superseded or unmounted) and released by its last reader. When it
// stops being live, its reference counts are returned.
type Generation struct {
	id      uint64
	rootID  string
	root    *Node
	created time.Time

	// refs is the number of file entries per digest in this tree.
	refs map[digest.Digest]int64

	files       int
	directories int
	totalBytes  int64

	mu      sync.Mutex
	readers int
	retired bool
	freed   bool

	// onFree runs once, outside mu, when the generation stops being
	// live.
	onFree func(*Generation)
}

func newGeneration(id uint64, rootID string, root *Node, created time.Time, onFree func(*Generation)) *Generation {
	g := &Generation{
		id:      id,
		rootID:  rootID,
		root:    root,
		created: created,
		refs:    make(map[digest.Digest]int64),
		onFree:  onFree,
	}
	root.walk(func(n *Node) {
		if n.IsDir() {
			g.directories++
			return
		}
		g.files++
		g.totalBytes += n.Size
		g.refs[n.Digest]++
	})
	return g
}

// ID returns the generation number. Numbers increase monotonically
// across all roots of a resolver.
func (g *Generation) ID() uint64 { return g.id }

// RootID returns the project root this generation belongs to.
func (g *Generation) RootID() string { return g.rootID }

// Root returns the top directory of the tree.
func (g *Generation) Root() *Node { return g.root }

// Created returns the publication time.
func (g *Generation) Created() time.Time { return g.created }

// Files returns the number of file entries.
func (g *Generation) Files() int { return g.files }

// Directories returns the number of directories, including the root.
func (g *Generation) Directories() int { return g.directories }

// TotalBytes returns the summed logical size of all files.
func (g *Generation) TotalBytes() int64 { return g.totalBytes }

// Digests returns the distinct digests the tree references.
func (g *Generation) Digests() digest.Set {
	set := make(digest.Set, len(g.refs))
	for d := range g.refs {
		set.Add(d)
	}
	return set
}

// tryAcquire registers a reader. Fails once the generation has been
// freed, in which case the caller must load the current generation
// again.
func (g *Generation) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.freed {
		return false
	}
	g.readers++
	return true
}

// Release drops a reader obtained from ProjectRoot.Acquire or
// Resolver.Acquire. Every successful Acquire must be paired with
// exactly one Release.
func (g *Generation) Release() {
	g.mu.Lock()
	if g.readers == 0 {
		g.mu.Unlock()
		panic("namespace: Release without Acquire on generation")
	}
	g.readers--
	free := g.retired && g.readers == 0 && !g.freed
	if free {
		g.freed = true
	}
	g.mu.Unlock()
	if free {
		g.onFree(g)
	}
}

// retire marks the generation superseded. It is freed now if no
// reader holds it, or by the last Release otherwise.
func (g *Generation) retire() {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return
	}
	g.retired = true
	free := g.readers == 0 && !g.freed
	if free {
		g.freed = true
	}
	g.mu.Unlock()
	if free {
		g.onFree(g)
	}
}

// Readers returns the number of outstanding Acquires.
func (g *Generation) Readers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readers
}

// Lookup returns the node at a canonical path, or nil.
func (g *Generation) Lookup(canonical string) *Node {
	return g.root.lookup(vpath.Split(canonical))
}

// ProjectRoot is a named virtual root and its current generation.
type ProjectRoot struct {
	id      string
	current atomic.Pointer[Generation]
}

// ID returns the root id.
func (p *ProjectRoot) ID() string { return p.id }

// Acquire pins the current generation. The caller must Release it.
func (p *ProjectRoot) Acquire() (*Generation, bool) {
	for {
		g := p.current.Load()
		if g == nil {
			return nil, false
		}
		if g.tryAcquire() {
			return g, true
		}
		// Freed between Load and tryAcquire: a newer generation (or
		// none, after unmount) is already installed.
		if p.current.Load() == g {
			return nil, false
		}
	}
}

// swap installs next as the current generation and retires the
// previous one. next may be nil to unmount.
func (p *ProjectRoot) swap(next *Generation) {
	previous := p.current.Swap(next)
	if previous != nil {
		previous.retire()
	}
}

// Manifest returns the tree as a digest-only manifest: one entry per
// file naming its stored object with its exact mode and mtime, plus
// one entry per empty directory. Materializing it reproduces the same
// tree.
func (g *Generation) Manifest() *manifest.Manifest {
	result := &manifest.Manifest{Entries: make([]manifest.Entry, 0, g.files)}
	var visit func(path string, n *Node)
	visit = func(path string, n *Node) {
		if !n.IsDir() {
			d := n.Digest
			result.Entries = append(result.Entries, manifest.Entry{
				Path:    path,
				Digest:  &d,
				Mode:    uint32(n.Mode.Perm()),
				ModTime: n.ModTime.UnixNano(),
			})
			return
		}
		if len(n.Children) == 0 && path != vpath.Root {
			result.Entries = append(result.Entries, manifest.Entry{Path: path, Kind: manifest.KindDir})
		}
		for _, child := range n.Children {
			visit(vpath.Join(path, child.Name), child)
		}
	}
	visit(vpath.Root, g.root)
	return result
}
