// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between velo
// clients (the CLI, the interception layer) and the daemon.
//
// Every message is one frame: a 4-byte big-endian length followed by
// a CBOR body (see lib/codec). A connection carries any number of
// request/response pairs in lockstep; no state survives between
// requests other than the connection itself.
//
// The package depends only on the digest, manifest, and codec
// packages, so a client never links the daemon's internals.
package protocol

import (
	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
)

// Version is reported by ping and status.
const Version = "0.3.0"

// Action names.
const (
	ActionPing        = "ping"
	ActionResolve     = "resolve"
	ActionList        = "list"
	ActionOpen        = "open"
	ActionMaterialize = "materialize"
	ActionGC          = "gc"
	ActionStatus      = "status"
	ActionUnmount     = "unmount"
	ActionShutdown    = "shutdown"
)

// Status is the outcome of a request.
type Status string

const (
	StatusOK            Status = "ok"
	StatusNotFound      Status = "not_found"
	StatusConflict      Status = "conflict"
	StatusProtocolError Status = "protocol_error"
	StatusStoreError    Status = "store_error"
)

// Request is the union of all request fields. Each action reads the
// fields it needs and ignores the rest.
type Request struct {
	Action string `cbor:"action"`

	// Root is the root_id the request addresses.
	Root string `cbor:"root,omitempty"`

	// Path is a logical path inside Root.
	Path string `cbor:"path,omitempty"`

	// Manifest is the materialize payload.
	Manifest *manifest.Manifest `cbor:"manifest,omitempty"`

	// Source is the host path of the manifest file a materialize
	// request was read from. The daemon records it and re-materializes
	// the root when the file changes.
	Source string `cbor:"source,omitempty"`

	// DryRun makes gc report without deleting.
	DryRun bool `cbor:"dry_run,omitempty"`
}

// Response is the envelope of every reply.
type Response struct {
	Status Status `cbor:"status"`
	Error  string `cbor:"error,omitempty"`

	// Generation is the generation a resolve, list, open, or
	// materialize result was read from or produced.
	Generation uint64 `cbor:"generation,omitempty"`

	// Data is the action-specific payload, CBOR-encoded.
	Data codec.RawMessage `cbor:"data,omitempty"`
}

// DirEntry is one line of a listing.
type DirEntry struct {
	Name string `cbor:"name" json:"name"`
	Kind string `cbor:"kind" json:"kind"`
}

// Kind values in DirEntry and Entry.
const (
	KindFile = "file"
	KindDir  = "dir"
)

// Entry describes a resolved path: a file with its object, or a
// directory with its listing.
type Entry struct {
	Path         string         `cbor:"path" json:"path"`
	Kind         string         `cbor:"kind" json:"kind"`
	Digest       *digest.Digest `cbor:"digest,omitempty" json:"digest,omitempty"`
	Size         int64          `cbor:"size" json:"size"`
	Mode         uint32         `cbor:"mode" json:"mode"`
	ModTimeNanos int64          `cbor:"mtime_ns" json:"mtime_ns"`
	Entries      []DirEntry     `cbor:"entries,omitempty" json:"entries,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDir
}

// ListResult is the payload of list.
type ListResult struct {
	Entries []DirEntry `cbor:"entries" json:"entries"`
}

// OpenResult is the payload of open. BackingPath is the store object
// file, which the caller opens and maps directly: no content crosses
// the socket.
type OpenResult struct {
	Digest       digest.Digest `cbor:"digest" json:"digest"`
	Size         int64         `cbor:"size" json:"size"`
	BackingPath  string        `cbor:"backing_path" json:"backing_path"`
	Mode         uint32        `cbor:"mode" json:"mode"`
	ModTimeNanos int64         `cbor:"mtime_ns" json:"mtime_ns"`
}

// MaterializeResult is the payload of materialize.
type MaterializeResult struct {
	Root        string `cbor:"root" json:"root"`
	Generation  uint64 `cbor:"generation" json:"generation"`
	Previous    uint64 `cbor:"previous,omitempty" json:"previous,omitempty"`
	Files       int    `cbor:"files" json:"files"`
	Directories int    `cbor:"directories" json:"directories"`
	TotalBytes  int64  `cbor:"total_bytes" json:"total_bytes"`
	Objects     int    `cbor:"objects" json:"objects"`
}

// GCResult is the payload of gc.
type GCResult struct {
	Scanned       int   `cbor:"scanned" json:"scanned"`
	Live          int   `cbor:"live" json:"live"`
	Removed       int   `cbor:"removed" json:"removed"`
	RemovedBytes  int64 `cbor:"removed_bytes" json:"removed_bytes"`
	Kept          int   `cbor:"kept" json:"kept"`
	DryRun        bool  `cbor:"dry_run" json:"dry_run"`
	DurationNanos int64 `cbor:"duration_ns" json:"duration_ns"`
}

// UnmountResult is the payload of unmount.
type UnmountResult struct {
	Root       string `cbor:"root" json:"root"`
	Generation uint64 `cbor:"generation" json:"generation"`
}

// PingResult is the payload of ping.
type PingResult struct {
	Version string `cbor:"version" json:"version"`
}

// RootStatus describes one root in a status reply.
type RootStatus struct {
	Root         string `cbor:"root" json:"root"`
	Loaded       bool   `cbor:"loaded" json:"loaded"`
	Generation   uint64 `cbor:"generation" json:"generation"`
	Files        int    `cbor:"files,omitempty" json:"files,omitempty"`
	Directories  int    `cbor:"directories,omitempty" json:"directories,omitempty"`
	TotalBytes   int64  `cbor:"total_bytes,omitempty" json:"total_bytes,omitempty"`
	Source       string `cbor:"source,omitempty" json:"source,omitempty"`
	CreatedNanos int64  `cbor:"created_ns,omitempty" json:"created_ns,omitempty"`
}

// StatusResult is the payload of status.
type StatusResult struct {
	Version        string       `cbor:"version" json:"version"`
	UptimeNanos    int64        `cbor:"uptime_ns" json:"uptime_ns"`
	StoreRoot      string       `cbor:"store_root" json:"store_root"`
	Objects        int          `cbor:"objects" json:"objects"`
	TotalBytes     int64        `cbor:"total_bytes" json:"total_bytes"`
	Referenced     int          `cbor:"referenced" json:"referenced"`
	LastGeneration uint64       `cbor:"last_generation" json:"last_generation"`
	Roots          []RootStatus `cbor:"roots" json:"roots"`
}
