// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon is the coordinator: the one process that owns the
// content store, every project root, and the durable root registry,
// and serves them to clients over the framed socket protocol.
//
// Read actions (resolve, list, open) pin a generation, answer from
// it, and release it. They never wait on materialize or gc. A read
// naming a root that is registered but not loaded loads it from the
// registry first. Materialize publishes a new generation and records
// it durably. GC computes its live set from the loaded roots and the
// registry, and rechecks each candidate against the resolver's
// reference counts before deleting it.
//
// Run serves until its context is cancelled or a client sends
// shutdown. The store stays on disk either way.
package daemon
