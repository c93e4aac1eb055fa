// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the transport underneath the velo daemon:
// a Unix socket server that dispatches framed CBOR requests to
// per-action handlers, the matching client, and a small HTTP server
// used for the metrics endpoint.
//
// # Connections
//
// A connection carries a sequence of request/response pairs. The
// server reads one frame, dispatches it, writes one frame, and waits
// for the next request until the client closes the connection or
// stays idle past the idle timeout. A frame whose body is not a valid
// request gets a protocol_error response and the connection stays
// open; a frame over the size limit closes the connection, since the
// stream can no longer be trusted to be aligned.
//
// # Authentication
//
// There is none beyond the socket file's permissions. The daemon
// creates the socket with mode 0600 unless configured otherwise.
package service
