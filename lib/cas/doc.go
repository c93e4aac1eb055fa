// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressable object store.
//
// Every object is an immutable byte sequence named by the BLAKE3
// digest of its bytes. Objects live at
//
//	<root>/objects/<first 2 hex>/<remaining 62 hex>
//
// and hold exactly the original bytes, so a reader can map the file
// directly. Writers stage content under <root>/tmp and publish it with
// an atomic rename, so a crash never leaves a partial object under its
// final name. Published objects are read-only (mode 0444).
//
// Puts for different digests run in parallel. Puts for the same digest
// serialize on a striped lock and the first one to publish wins; later
// callers observe the existing object and return the same digest.
//
// Garbage collection ([Store.GC]) deletes objects outside a
// caller-supplied live set. It is safe against concurrent puts: every
// digest put while a collection is running is remembered and never
// deleted by that collection, and the caller's recheck hook runs
// under the object's lock immediately before each deletion.
package cas
