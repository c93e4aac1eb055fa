// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"errors"

	"github.com/bureau-foundation/velo/lib/cas"
	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/namespace"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/rootstore"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// errBadRequest marks requests that are well-formed frames but make
// no sense (a missing manifest, open on a directory).
var errBadRequest = errors.New("bad request")

// ErrNotRecorded means a materialize published its generation but the
// registry write failed. The generation serves until the daemon stops.
var ErrNotRecorded = errors.New("generation not recorded in registry")

// StatusFor maps an error from the store, the resolver, or the
// registry onto a wire status. Corruption is a store error: the
// object exists but cannot be trusted.
func StatusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, cas.ErrCorrupt), errors.Is(err, ErrNotRecorded):
		return protocol.StatusStoreError
	case errors.Is(err, namespace.ErrConflict):
		return protocol.StatusConflict
	case errors.Is(err, namespace.ErrNotFound),
		errors.Is(err, namespace.ErrUnknownRoot),
		errors.Is(err, namespace.ErrNotDirectory),
		errors.Is(err, rootstore.ErrNotFound),
		errors.Is(err, cas.ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, namespace.ErrInvalidRootID),
		errors.Is(err, manifest.ErrInvalid),
		errors.Is(err, vpath.ErrInvalid),
		errors.Is(err, codec.ErrFrameTooLarge),
		errors.Is(err, errBadRequest):
		return protocol.StatusProtocolError
	default:
		return protocol.StatusStoreError
	}
}
