// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the input to materialization: an ordered
// list of logical paths and where each one's content comes from.
//
// Manifests are produced by package-manager integrations and travel to
// the daemon inside materialize requests (CBOR). On disk they are
// authored as JSONC files; see [ReadFile].
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// Kind distinguishes file entries from explicit directory entries.
type Kind string

const (
	// KindFile is a regular file. It is the default when Kind is empty.
	KindFile Kind = "file"

	// KindDir is an explicit, possibly empty, directory. Directories
	// implied by file paths need no entry of their own.
	KindDir Kind = "dir"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid manifest")

// DefaultFileMode is applied to file entries that carry no mode.
const DefaultFileMode fs.FileMode = 0o644

// Entry maps one logical path to a content source. At most one of
// Content, Digest, and File is set; a file entry with none of them is
// an empty file.
type Entry struct {
	// Path is the logical path inside the root. It is normalized
	// before use, so "a/b", "/a/b" and "/a/./b" are the same entry.
	Path string `cbor:"path" json:"path"`

	Kind Kind `cbor:"kind,omitempty" json:"kind,omitempty"`

	// Content is inline file content.
	Content []byte `cbor:"content,omitempty" json:"content,omitempty"`

	// Digest names content that is already in the store.
	Digest *digest.Digest `cbor:"digest,omitempty" json:"digest,omitempty"`

	// File is an absolute host path read by the daemon at
	// materialization time. Manifest files may use paths relative to
	// the manifest; ReadFile makes them absolute.
	File string `cbor:"file,omitempty" json:"file,omitempty"`

	// Mode holds permission bits. Zero means DefaultFileMode.
	Mode uint32 `cbor:"mode,omitempty" json:"mode,omitempty"`

	// ModTime is the modification time in Unix nanoseconds. Zero means
	// the generation's creation time.
	ModTime int64 `cbor:"mtime_ns,omitempty" json:"mtime_ns,omitempty"`
}

// IsDir reports whether the entry is an explicit directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDir
}

// FileMode returns the entry's permission bits with the default
// applied.
func (e *Entry) FileMode() fs.FileMode {
	if e.Mode == 0 {
		return DefaultFileMode
	}
	return fs.FileMode(e.Mode) & fs.ModePerm
}

// Time returns the entry's modification time, or fallback if none
// was given.
func (e *Entry) Time(fallback time.Time) time.Time {
	if e.ModTime == 0 {
		return fallback
	}
	return time.Unix(0, e.ModTime)
}

// Manifest is an ordered sequence of entries. Order carries no
// meaning beyond error reporting.
type Manifest struct {
	Entries []Entry `cbor:"entries" json:"entries"`
}

// Validate checks each entry in isolation: a usable path, a known
// kind, at most one content source, and a plausible mode. Conflicts
// between entries are detected when the tree is built.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: manifest is nil", ErrInvalid)
	}
	var errs []error
	for i := range m.Entries {
		if err := m.Entries[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%q): %w", i, m.Entries[i].Path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (e *Entry) validate() error {
	if e.Path == "" {
		return errors.New("path is empty")
	}
	canonical, err := vpath.Clean(e.Path)
	if err != nil {
		return err
	}

	sources := 0
	if e.Content != nil {
		sources++
	}
	if e.Digest != nil {
		sources++
	}
	if e.File != "" {
		sources++
		if !filepath.IsAbs(e.File) {
			return fmt.Errorf("file source %q is not absolute", e.File)
		}
	}

	switch e.Kind {
	case "", KindFile:
		if canonical == vpath.Root {
			return errors.New("the root cannot be a file")
		}
		if sources > 1 {
			return errors.New("more than one of content, digest, file is set")
		}
	case KindDir:
		if sources > 0 {
			return errors.New("directory entry has a content source")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}

	if e.Mode&^uint32(fs.ModePerm) != 0 {
		return fmt.Errorf("mode %#o has bits outside the permission mask", e.Mode)
	}
	return nil
}

// Digests returns the set of digests the manifest names directly.
func (m *Manifest) Digests() digest.Set {
	set := make(digest.Set)
	for i := range m.Entries {
		if m.Entries[i].Digest != nil {
			set.Add(*m.Entries[i].Digest)
		}
	}
	return set
}
