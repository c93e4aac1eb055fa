// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"io/fs"
	"sort"
	"time"

	"github.com/bureau-foundation/velo/lib/digest"
)

// Kind is the type of a namespace entry.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDir
)

// String returns "file" or "dir", the spelling used on the wire.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "file":
		return KindFile, true
	case "dir":
		return KindDir, true
	default:
		return 0, false
	}
}

// DirMode is the permission every virtual directory reports.
const DirMode fs.FileMode = 0o755

// Node is one entry in a generation's tree. Nodes are never modified
// after the generation is published.
type Node struct {
	Name    string
	Kind    Kind
	Digest  digest.Digest
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time

	// Children of a directory, sorted by Name with no duplicates.
	Children []*Node
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool {
	return n.Kind == KindDir
}

// Child returns the child named name, or nil.
func (n *Node) Child(name string) *Node {
	index := sort.Search(len(n.Children), func(i int) bool {
		return n.Children[i].Name >= name
	})
	if index < len(n.Children) && n.Children[index].Name == name {
		return n.Children[index]
	}
	return nil
}

// lookup walks components from n. Returns nil if any component is
// missing or a non-final component is a file.
func (n *Node) lookup(components []string) *Node {
	current := n
	for _, component := range components {
		if !current.IsDir() {
			return nil
		}
		current = current.Child(component)
		if current == nil {
			return nil
		}
	}
	return current
}

// DirEntry is one line of a directory listing.
type DirEntry struct {
	Name string `cbor:"name" json:"name"`
	Kind string `cbor:"kind" json:"kind"`
}

// entries lists a directory's children in name order.
func (n *Node) entries() []DirEntry {
	result := make([]DirEntry, len(n.Children))
	for i, child := range n.Children {
		result[i] = DirEntry{Name: child.Name, Kind: child.Kind.String()}
	}
	return result
}

// walk calls fn for every node under and including n.
func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Children {
		child.walk(fn)
	}
}
