// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a logical path has no entry in the
	// generation being read.
	ErrNotFound = errors.New("path not found")

	// ErrUnknownRoot is returned for a root_id with no project root.
	ErrUnknownRoot = errors.New("unknown root")

	// ErrNotDirectory is returned when listing a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("conflicting path")

	// ErrInvalidRootID is returned for root ids that are empty or
	// contain characters outside [A-Za-z0-9._-].
	ErrInvalidRootID = errors.New("invalid root id")
)

// ConflictError reports a manifest that assigns one logical path two
// different meanings: two different contents, or both a file and a
// directory.
type ConflictError struct {
	Path   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting entries for %s: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrConflict) true for any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
