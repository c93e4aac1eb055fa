// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package intercept presents a materialized root at a host path
// prefix to code running inside a target process.
//
// Each filesystem operation follows the same path. A host path outside
// the prefix goes straight to the real filesystem. A path inside it is
// looked up in the [Session] cache and, on a miss, asked of the daemon.
// A hit is answered with synthesized metadata, or for opens with a
// descriptor on the daemon-reported store object so reads and maps
// touch the object bytes directly. Everything else (daemon unreachable
// or slow, path absent from the root, any unexpected reply) falls back
// to the real call: virtualization never makes a working program fail.
//
// Opening a virtual directory yields a placeholder descriptor that
// carries the listing; [Interceptor.ReadDirFD] serves directory streams
// from it and [Interceptor.OpenAt] resolves names relative to it.
// cmd/velo-shim exposes the package to unmodified programs through
// LD_PRELOAD.
//
// The package is Linux-only. Operations mirror the system calls they
// stand in for and return [golang.org/x/sys/unix.Errno] values from
// the real filesystem unchanged.
package intercept
