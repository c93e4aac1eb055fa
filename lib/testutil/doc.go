// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for velo packages.
//
// [SocketPath] returns a socket path under a short directory in /tmp.
// Unix domain sockets have a 108-byte path limit, which t.TempDir()
// easily exceeds under build systems with deep sandbox paths.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a channel.
//
// [WriteFile] and [UniqueRoot] cover the fixtures most daemon tests
// need: host files to reference from manifests, and root_ids that
// do not collide between subtests.
//
// Everything calls t.Fatalf on failure.
package testutil
