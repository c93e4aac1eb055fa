// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/velo/lib/digest"
)

// fileManifest is the on-disk JSONC shape. It differs from the wire
// form in how content and metadata are spelled, so that hand-written
// manifests stay readable:
//
//	{
//	  "entries": [
//	    {"path": "/a/b.txt", "content": "hello"},
//	    {"path": "/a/logo.png", "content_base64": "iVBORw0..."},
//	    {"path": "/lib/x.so", "digest": "9f86d0...", "mode": "0755"},
//	    {"path": "/src/main.go", "file": "src/main.go", "mtime": "2025-01-02T03:04:05Z"},
//	    {"path": "/empty", "type": "dir"},
//	  ],
//	}
type fileManifest struct {
	Root    string      `json:"root,omitempty"`
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	Path          string    `json:"path"`
	Type          string    `json:"type,omitempty"`
	Content       *string   `json:"content,omitempty"`
	ContentBase64 string    `json:"content_base64,omitempty"`
	Digest        string    `json:"digest,omitempty"`
	File          string    `json:"file,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	ModTime       time.Time `json:"mtime,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data and
// converts the result to a Manifest. Relative "file" sources are
// resolved against baseDir. Also returns the optional "root" name the
// file declares.
func Parse(data []byte, baseDir string) (*Manifest, string, error) {
	var parsed fileManifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, "", fmt.Errorf("parsing manifest: %w", err)
	}

	result := &Manifest{Entries: make([]Entry, 0, len(parsed.Entries))}
	for i, source := range parsed.Entries {
		entry, err := source.convert(baseDir)
		if err != nil {
			return nil, "", fmt.Errorf("entry %d (%q): %w", i, source.Path, err)
		}
		result.Entries = append(result.Entries, entry)
	}
	if err := result.Validate(); err != nil {
		return nil, "", err
	}
	return result, parsed.Root, nil
}

// ReadFile reads and parses a JSONC manifest file.
func ReadFile(path string) (*Manifest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolving %s: %w", path, err)
	}
	result, root, err := Parse(data, filepath.Dir(absolute))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return result, root, nil
}

func (f *fileEntry) convert(baseDir string) (Entry, error) {
	entry := Entry{Path: f.Path, Kind: Kind(f.Type)}

	if f.Content != nil && f.ContentBase64 != "" {
		return Entry{}, fmt.Errorf("both content and content_base64 are set")
	}
	if f.Content != nil {
		entry.Content = []byte(*f.Content)
	}
	if f.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(f.ContentBase64)
		if err != nil {
			return Entry{}, fmt.Errorf("decoding content_base64: %w", err)
		}
		entry.Content = decoded
	}
	if f.Digest != "" {
		parsed, err := digest.Parse(f.Digest)
		if err != nil {
			return Entry{}, err
		}
		entry.Digest = &parsed
	}
	if f.File != "" {
		entry.File = f.File
		if !filepath.IsAbs(entry.File) {
			entry.File = filepath.Join(baseDir, entry.File)
		}
	}
	if f.Mode != "" {
		mode, err := strconv.ParseUint(f.Mode, 8, 32)
		if err != nil {
			return Entry{}, fmt.Errorf("parsing mode %q: %w", f.Mode, err)
		}
		entry.Mode = uint32(mode)
	}
	if !f.ModTime.IsZero() {
		entry.ModTime = f.ModTime.UnixNano()
	}
	return entry, nil
}
