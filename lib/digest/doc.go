// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest defines the content identity used throughout velo: a
// 32-byte BLAKE3 hash of an object's exact bytes. Two objects with
// equal bytes have equal digests by construction, so the digest is the
// object.
//
// The canonical text form is 64 lowercase hex characters. The content
// store shards objects by the first two hex characters ([Digest.Shard])
// and names each object file by the remaining 62 ([Digest.Suffix]).
//
// This package depends on no other velo packages.
package digest
