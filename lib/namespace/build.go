// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/velo/lib/cas"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// Store is the part of the content store the resolver needs.
// *cas.Store implements it.
type Store interface {
	Put(data []byte) (digest.Digest, error)
	PutReader(r io.Reader) (digest.Digest, int64, error)
	Stat(d digest.Digest) (cas.ObjectInfo, error)
	Has(d digest.Digest) bool
}

// source says where a planned file's bytes come from.
type source uint8

const (
	sourceInline source = iota
	sourceStored
	sourceFile
)

// plannedEntry is a manifest entry with its path normalized and its
// digest and size known, before anything is written.
type plannedEntry struct {
	path    string
	kind    Kind
	source  source
	content []byte
	file    string

	digest  digest.Digest
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

// plan normalizes and digests every entry. Inline content is hashed in
// memory, file sources are streamed through the hasher, and stored
// digests are looked up for their size. Nothing is written.
func plan(m *manifest.Manifest, store Store, now time.Time) ([]plannedEntry, error) {
	planned := make([]plannedEntry, 0, len(m.Entries))
	for i := range m.Entries {
		entry := &m.Entries[i]
		canonical, err := vpath.Clean(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry.Path, err)
		}

		if entry.IsDir() {
			planned = append(planned, plannedEntry{path: canonical, kind: KindDir})
			continue
		}

		p := plannedEntry{
			path:    canonical,
			kind:    KindFile,
			mode:    entry.FileMode(),
			modTime: entry.Time(now),
		}
		switch {
		case entry.Digest != nil:
			info, err := store.Stat(*entry.Digest)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", entry.Path, err)
			}
			p.source = sourceStored
			p.digest = *entry.Digest
			p.size = info.Size
		case entry.File != "":
			d, size, err := hashFile(entry.File)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", entry.Path, err)
			}
			p.source = sourceFile
			p.file = entry.File
			p.digest = d
			p.size = size
		default:
			p.source = sourceInline
			p.content = entry.Content
			p.digest = digest.Sum(entry.Content)
			p.size = int64(len(entry.Content))
		}
		planned = append(planned, p)
	}
	return planned, nil
}

func hashFile(path string) (digest.Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, 0, fmt.Errorf("opening source file: %w", err)
	}
	defer file.Close()
	return digest.SumReader(file)
}

// ingest writes a planned file's content to the store. The caller
// already holds a reference on the digest.
func ingest(p *plannedEntry, store Store) error {
	switch p.source {
	case sourceInline:
		if _, err := store.Put(p.content); err != nil {
			return fmt.Errorf("storing %s: %w", p.path, err)
		}
	case sourceFile:
		file, err := os.Open(p.file)
		if err != nil {
			return fmt.Errorf("opening source file for %s: %w", p.path, err)
		}
		d, _, err := store.PutReader(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("storing %s: %w", p.path, err)
		}
		if d != p.digest {
			return fmt.Errorf("source file %s changed during materialization", p.file)
		}
	case sourceStored:
		if !store.Has(p.digest) {
			return fmt.Errorf("entry %s: %w: %s", p.path, cas.ErrNotFound, p.digest)
		}
	}
	return nil
}

// buildNode is the mutable form of Node used while assembling a tree.
type buildNode struct {
	kind     Kind
	entry    *plannedEntry
	children map[string]*buildNode
}

func newBuildDir() *buildNode {
	return &buildNode{kind: KindDir, children: make(map[string]*buildNode)}
}

// buildTree assembles planned entries into an immutable tree. A path
// given twice with the same digest and metadata is accepted; any other
// repetition is a *ConflictError.
func buildTree(planned []plannedEntry, created time.Time) (*Node, error) {
	root := newBuildDir()
	for i := range planned {
		if err := root.insert(&planned[i]); err != nil {
			return nil, err
		}
	}
	return root.freeze(vpath.Root, created), nil
}

func (b *buildNode) insert(p *plannedEntry) error {
	components := vpath.Split(p.path)
	current := b
	for depth, component := range components {
		last := depth == len(components)-1
		child := current.children[component]

		if !last {
			if child == nil {
				child = newBuildDir()
				current.children[component] = child
			} else if child.kind != KindDir {
				return &ConflictError{
					Path:   "/" + strings.Join(components[:depth+1], "/"),
					Reason: "used as both a file and a directory",
				}
			}
			current = child
			continue
		}

		switch {
		case child == nil && p.kind == KindDir:
			current.children[component] = newBuildDir()
		case child == nil:
			current.children[component] = &buildNode{kind: KindFile, entry: p}
		case child.kind != p.kind:
			return &ConflictError{Path: p.path, Reason: "used as both a file and a directory"}
		case p.kind == KindDir:
			// An explicit directory repeating an implicit one.
		case child.entry.digest != p.digest:
			return &ConflictError{Path: p.path, Reason: "different content"}
		case child.entry.mode != p.mode || !child.entry.modTime.Equal(p.modTime):
			return &ConflictError{Path: p.path, Reason: "same content with different metadata"}
		}
	}
	return nil
}

func (b *buildNode) freeze(name string, created time.Time) *Node {
	if b.kind == KindFile {
		return &Node{
			Name:    name,
			Kind:    KindFile,
			Digest:  b.entry.digest,
			Size:    b.entry.size,
			Mode:    b.entry.mode,
			ModTime: b.entry.modTime,
		}
	}

	node := &Node{
		Name:     name,
		Kind:     KindDir,
		Mode:     DirMode,
		ModTime:  created,
		Children: make([]*Node, 0, len(b.children)),
	}
	for childName, child := range b.children {
		node.Children = append(node.Children, child.freeze(childName, created))
	}
	slices.SortFunc(node.Children, func(a, b *Node) int {
		return strings.Compare(a.Name, b.Name)
	})
	return node
}
