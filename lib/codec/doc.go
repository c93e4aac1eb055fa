// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides velo's CBOR configuration and the
// length-prefixed framing used on the daemon socket.
//
// CBOR is used for every internal byte format: daemon requests and
// responses, and the records the daemon persists for materialized
// roots. JSON appears only at the edges (manifest files authored by
// package-manager integrations, CLI --json output).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items, so
// the same logical value always produces the same bytes.
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Socket use goes through frames rather than the streaming decoder:
//
//	err := codec.WriteFrame(conn, request)
//	raw, err := codec.ReadFrame(conn, codec.MaxFrameSize)
//
// A frame is a 4-byte big-endian length followed by exactly that many
// bytes of CBOR. Framing lets a connection carry many request/response
// pairs and lets the reader reject an oversized message before
// allocating for it. A frame whose body fails to decode still leaves
// the stream positioned at the next frame, which is what allows the
// daemon to answer a malformed request with a protocol error and keep
// the connection open.
//
// # Struct Tag Rules
//
// Types that only ever travel as CBOR use `cbor` tags. Types that are
// also printed as JSON by the CLI use `json` tags; fxamacker/cbor falls
// back to `json` tags when `cbor` tags are absent. Never put both on
// one field.
package codec
