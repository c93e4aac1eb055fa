// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace maps logical paths in a project root to stored
// objects.
//
// Each materialization produces an immutable [Generation]: a tree of
// [Node] values plus the reference counts it holds on store objects.
// A [ProjectRoot] points at its current generation and swaps the
// pointer atomically when a new one is published. Readers pin a
// generation with Acquire and see a consistent tree until they Release
// it, however many generations are published meanwhile. A superseded
// generation gives up its reference counts only after its last reader
// releases it, so garbage collection never reclaims objects an
// in-flight reader can still reach.
//
// The [Resolver] owns every project root and the shared
// [RefCounts] table.
package namespace
